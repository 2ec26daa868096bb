package main

import (
	"database/sql"

	_ "modernc.org/sqlite"
)

const hashCacheName = ".mfsync-cache.db"

// HashCache persists sha256 sums keyed by (name, size, mtime) so a
// rescan does not rehash unchanged files.
type HashCache struct {
	db *sql.DB
}

func openHashCache(path string) (*HashCache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	schema := `
	CREATE TABLE IF NOT EXISTS file_hashes (
		name TEXT PRIMARY KEY,
		size INTEGER NOT NULL,
		mtime INTEGER NOT NULL,
		sha256 TEXT NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &HashCache{db: db}, nil
}

func (c *HashCache) Lookup(name string, size, mtime int64) (string, bool) {
	var sum string
	err := c.db.QueryRow(
		"SELECT sha256 FROM file_hashes WHERE name = ? AND size = ? AND mtime = ?",
		name, size, mtime,
	).Scan(&sum)
	if err != nil {
		return "", false
	}
	return sum, true
}

func (c *HashCache) Store(name string, size, mtime int64, sum string) {
	query := `
	INSERT INTO file_hashes (name, size, mtime, sha256)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET
		size = excluded.size,
		mtime = excluded.mtime,
		sha256 = excluded.sha256
	`
	_, _ = c.db.Exec(query, name, size, mtime, sum)
}

func (c *HashCache) Close() error {
	return c.db.Close()
}
