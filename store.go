package main

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

const tmpSuffix = ".mfsync"

var (
	ErrAlreadyLocked = errors.New("file already locked by another writer")
	ErrAlreadyStored = errors.New("file already stored")
	ErrNotBlocked    = errors.New("finalize on file that is not in flight")
	ErrNotStored     = errors.New("file not stored")
	ErrNoSpace       = errors.New("not enough free space")
	ErrBadName       = errors.New("invalid file name")
)

// lockEntry marks a name as in flight. The alive token is shared with
// the write handle; closing the handle flips it false, which releases
// the lock without the store being told explicitly.
type lockEntry struct {
	info  FileInfo
	alive *atomic.Bool
}

// Store owns everything under the storage root: the stored set scanned
// from disk, the available set learned from peers, and the in-flight
// set of names currently being written. One mutex guards all three.
type Store struct {
	mu        sync.Mutex
	root      string
	stored    map[string]FileInfo
	available map[string]AvailableFile
	locked    map[string]*lockEntry

	// closed-over by the scheduler; one token per batch of new
	// available files
	newAvailable chan struct{}

	progress     *ProgressRegistry
	hashes       *HashCache
	verifyHashes bool
}

func NewStore(root string, progress *ProgressRegistry) *Store {
	return &Store{
		root:         root,
		stored:       make(map[string]FileInfo),
		available:    make(map[string]AvailableFile),
		locked:       make(map[string]*lockEntry),
		newAvailable: make(chan struct{}, 1),
		progress:     progress,
	}
}

func (s *Store) SetVerifyHashes(v bool) { s.verifyHashes = v }

// Init scans the storage root once. It may be long-running on big
// trees, so it builds the result without the store lock and publishes
// per-file progress along the way.
func (s *Store) Init() error {
	if s.root == "" {
		return errors.New("no storage path was given")
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("create storage root: %w", err)
	}
	if s.hashes == nil {
		if cache, err := openHashCache(filepath.Join(s.root, hashCacheName)); err != nil {
			log.Printf("[store] hash cache unavailable: %v", err)
		} else {
			s.hashes = cache
		}
	}
	found, err := s.scan()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.stored = found
	for name := range found {
		delete(s.available, name)
	}
	s.mu.Unlock()
	logDebug("[store] scanned %s: %d files", s.root, len(found))
	return nil
}

func (s *Store) scan() (map[string]FileInfo, error) {
	found := make(map[string]FileInfo)
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != s.root && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() { // symlinks and specials are skipped
			return nil
		}
		if strings.HasPrefix(name, ".") || strings.HasSuffix(name, tmpSuffix) {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		fi, err := d.Info()
		if err != nil {
			return err
		}
		found[rel] = FileInfo{Name: rel, Size: uint64(fi.Size())}
		if s.progress != nil {
			s.progress.Track(FileInfo{Name: rel, Size: uint64(fi.Size())}).SetStatus(statusInitializing)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan storage: %w", err)
	}
	return found, nil
}

// cleanName validates a relative file name from the wire: UTF-8, no
// traversal, no absolute paths.
func cleanName(name string) (string, error) {
	if name == "" || strings.HasPrefix(name, "/") || strings.ContainsRune(name, 0) {
		return "", ErrBadName
	}
	clean := filepath.ToSlash(filepath.Clean(name))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", ErrBadName
	}
	return clean, nil
}

func (s *Store) storePath(info FileInfo) string {
	return filepath.Join(s.root, filepath.FromSlash(info.Name))
}

func (s *Store) tmpPath(info FileInfo) string {
	return s.storePath(info) + tmpSuffix
}

// CanStore checks free space under the root against the file size.
func (s *Store) CanStore(info FileInfo) bool {
	free, err := diskFree(s.root)
	if err != nil {
		logDebug("[store] free space check failed: %v", err)
		return true
	}
	return free >= info.Size
}

func (s *Store) IsStored(info FileInfo) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isStoredLocked(info.Name)
}

func (s *Store) isStoredLocked(name string) bool {
	_, ok := s.stored[name]
	return ok
}

func (s *Store) IsAvailable(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.available[name]
	return ok
}

// InProgress reports whether some writer currently holds the name. Dead
// lock entries (handle dropped) are reaped on the way.
func (s *Store) InProgress(info FileInfo) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inProgressLocked(info.Name)
}

func (s *Store) inProgressLocked(name string) bool {
	entry, ok := s.locked[name]
	if !ok {
		return false
	}
	if !entry.alive.Load() {
		delete(s.locked, name)
		return false
	}
	return true
}

// AddAvailableFile records a file a peer offers, unless we already
// store it, and wakes the scheduler.
func (s *Store) AddAvailableFile(av AvailableFile) {
	s.AddAvailableFiles([]AvailableFile{av})
}

func (s *Store) AddAvailableFiles(files []AvailableFile) {
	added := false
	s.mu.Lock()
	for _, av := range files {
		name, err := cleanName(av.Info.Name)
		if err != nil {
			logDebug("[store] rejecting available file %q: %v", av.Info.Name, err)
			continue
		}
		av.Info.Name = name
		if s.isStoredLocked(name) {
			continue
		}
		existing, ok := s.available[name]
		if ok && existing.PeerKey != "" && av.PeerKey == "" {
			// a cleartext beacon datagram must not clobber the identity
			// a list exchange already established
			continue
		}
		if !ok {
			added = true
		}
		s.available[name] = av
	}
	s.mu.Unlock()
	if added {
		select {
		case s.newAvailable <- struct{}{}:
		default:
		}
	}
}

// NewAvailable is the wake-up channel the scheduler selects on.
func (s *Store) NewAvailable() <-chan struct{} { return s.newAvailable }

// DropAvailable forgets an offer so the scheduler stops re-enqueueing
// it; a later list exchange may surface it again.
func (s *Store) DropAvailable(name string) {
	s.mu.Lock()
	delete(s.available, name)
	s.mu.Unlock()
}

// StoredFiles returns a snapshot ordered by name.
func (s *Store) StoredFiles() []FileInfo {
	s.mu.Lock()
	out := make([]FileInfo, 0, len(s.stored))
	for _, f := range s.stored {
		out = append(out, f)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Store) AvailableFiles() []AvailableFile {
	s.mu.Lock()
	out := make([]AvailableFile, 0, len(s.available))
	for _, f := range s.available {
		out = append(out, f)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Info.Name < out[j].Info.Name })
	return out
}

// WriteHandle owns the temp file of one in-flight transfer. Closing it
// flips the shared alive token, releasing the store lock entry, and
// closes the file; the temp stays on disk for resume.
type WriteHandle struct {
	file  *os.File
	alive *atomic.Bool
	info  FileInfo
}

func (w *WriteHandle) WriteAt(p []byte, off int64) (int, error) {
	return w.file.WriteAt(p, off)
}

func (w *WriteHandle) Sync() error { return w.file.Sync() }

func (w *WriteHandle) Close() error {
	w.alive.Store(false)
	return w.file.Close()
}

// CreateFile atomically verifies the name is neither stored nor in
// flight, opens (or reopens) the temp file, sets the request offset to
// its current size for resume, and registers the in-flight entry.
func (s *Store) CreateFile(req *RequestedFile) (*WriteHandle, error) {
	name, err := cleanName(req.Info.Name)
	if err != nil {
		return nil, err
	}
	req.Info.Name = name

	if !s.CanStore(req.Info) {
		return nil, ErrNoSpace
	}

	s.mu.Lock()
	if s.isStoredLocked(name) {
		s.mu.Unlock()
		return nil, ErrAlreadyStored
	}
	if s.inProgressLocked(name) {
		s.mu.Unlock()
		return nil, ErrAlreadyLocked
	}
	alive := &atomic.Bool{}
	alive.Store(true)
	s.locked[name] = &lockEntry{info: req.Info, alive: alive}
	s.mu.Unlock()

	tmp := s.tmpPath(req.Info)
	if err := os.MkdirAll(filepath.Dir(tmp), 0o755); err != nil {
		alive.Store(false)
		return nil, err
	}
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		alive.Store(false)
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		alive.Store(false)
		return nil, err
	}
	req.Offset = uint64(fi.Size())
	if req.Offset > req.Info.Size {
		// stale temp larger than the announced file; start over
		if err := f.Truncate(0); err != nil {
			f.Close()
			alive.Store(false)
			return nil, err
		}
		req.Offset = 0
	}
	return &WriteHandle{file: f, alive: alive, info: req.Info}, nil
}

// FinalizeFile renames the temp file into place and rescans so the new
// file surfaces as stored. The caller must still hold the in-flight
// entry; finalizing a non-blocked file is refused.
func (s *Store) FinalizeFile(info FileInfo) error {
	s.mu.Lock()
	entry, ok := s.locked[info.Name]
	if !ok || !entry.alive.Load() {
		s.mu.Unlock()
		logDebug("[store] refusing finalize of %s: not in flight", info.Name)
		return ErrNotBlocked
	}
	if s.isStoredLocked(info.Name) {
		s.mu.Unlock()
		return ErrAlreadyStored
	}
	s.mu.Unlock()

	tmp := s.tmpPath(info)
	if s.verifyHashes && info.SHA256Sum != "" {
		sum, err := sha256File(tmp)
		if err != nil {
			return err
		}
		if !strings.EqualFold(sum, info.SHA256Sum) {
			return fmt.Errorf("hash mismatch for %s: got %s", info.Name, sum)
		}
	}
	if err := os.Rename(tmp, s.storePath(info)); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.locked, info.Name)
	s.stored[info.Name] = FileInfo{Name: info.Name, Size: info.Size, SHA256Sum: info.SHA256Sum}
	delete(s.available, info.Name)
	s.mu.Unlock()
	return nil
}

// ReadFile opens a stored file for streaming.
func (s *Store) ReadFile(info FileInfo) (*os.File, error) {
	if !s.IsStored(info) {
		return nil, ErrNotStored
	}
	return os.Open(s.storePath(info))
}

// HashOf computes the sha256 of a stored file lazily, consulting the
// persistent cache first.
func (s *Store) HashOf(info FileInfo) (string, error) {
	path := s.storePath(info)
	fi, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if s.hashes != nil {
		if sum, ok := s.hashes.Lookup(info.Name, fi.Size(), fi.ModTime().Unix()); ok {
			return sum, nil
		}
	}
	sum, err := sha256File(path)
	if err != nil {
		return "", err
	}
	if s.hashes != nil {
		s.hashes.Store(info.Name, fi.Size(), fi.ModTime().Unix(), sum)
	}
	return sum, nil
}

// ListedStoredFiles returns the stored snapshot for a list reply,
// hashing lazily only when verification is on.
func (s *Store) ListedStoredFiles() []FileInfo {
	files := s.StoredFiles()
	if !s.verifyHashes {
		return files
	}
	for i := range files {
		sum, err := s.HashOf(files[i])
		if err != nil {
			logDebug("[store] hashing %s failed: %v", files[i].Name, err)
			continue
		}
		files[i].SHA256Sum = sum
	}
	return files
}

func (s *Store) Close() {
	if s.hashes != nil {
		s.hashes.Close()
	}
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
