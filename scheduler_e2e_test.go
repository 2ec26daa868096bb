package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// runScheduler drives a real Scheduler against a live server node until
// its promise resolves or the deadline passes.
func runScheduler(t *testing.T, crypto *CryptoHandler, store *Store, srv *serverNode, names []string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fetchList(t, crypto, store, srv, nil)

	sched := NewScheduler(store, crypto, nil, nil, 3, names)
	go sched.Run(ctx)

	select {
	case <-sched.Done():
	case <-ctx.Done():
		t.Fatal("scheduler did not resolve its promise in time")
	}
}

func TestGetByNameFetchesOnlyThatFile(t *testing.T) {
	srv := startServerNode(t, e2eFiles, nil, nil)
	crypto, store, root := newClientNode(t)

	runScheduler(t, crypto, store, srv, []string{"a.txt"})

	got, err := os.ReadFile(filepath.Join(root, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, e2eFiles["a.txt"]) {
		t.Fatal("a.txt content mismatch")
	}
	if _, err := os.Stat(filepath.Join(root, "sub", "b.txt")); !os.IsNotExist(err) {
		t.Fatal("unrequested sub/b.txt was fetched")
	}
}

func TestGetByDirectoryFetchesSubtree(t *testing.T) {
	srv := startServerNode(t, e2eFiles, nil, nil)
	crypto, store, root := newClientNode(t)

	runScheduler(t, crypto, store, srv, []string{"sub"})

	got, err := os.ReadFile(filepath.Join(root, "sub", "b.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, e2eFiles["sub/b.txt"]) {
		t.Fatal("sub/b.txt content mismatch")
	}
	if _, err := os.Stat(filepath.Join(root, "a.txt")); !os.IsNotExist(err) {
		t.Fatal("a.txt fetched although only sub was requested")
	}
}

func TestSchedulerFetchesAllWithConcurrentSlots(t *testing.T) {
	srv := startServerNode(t, e2eFiles, nil, nil)
	crypto, store, root := newClientNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fetchList(t, crypto, store, srv, nil)
	sched := NewScheduler(store, crypto, nil, nil, 3, nil)
	go sched.Run(ctx)

	deadline := time.Now().Add(8 * time.Second)
	for {
		stored := store.StoredFiles()
		if len(stored) == len(e2eFiles) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d files stored", len(stored), len(e2eFiles))
		}
		time.Sleep(50 * time.Millisecond)
	}
	for name, want := range e2eFiles {
		got, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(name)))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("%s content mismatch", name)
		}
	}
}

func TestConcurrentCreateFileExactlyOneWins(t *testing.T) {
	store, _ := newTestStore(t)

	const workers = 8
	type result struct {
		handle *WriteHandle
		err    error
	}
	results := make(chan result, workers)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		go func() {
			<-start
			req := RequestedFile{Info: FileInfo{Name: "contended.bin", Size: 64}}
			h, err := store.CreateFile(&req)
			results <- result{h, err}
		}()
	}
	close(start)

	var winners, locked int
	for i := 0; i < workers; i++ {
		r := <-results
		switch {
		case r.err == nil:
			winners++
			defer r.handle.Close()
		case r.err == ErrAlreadyLocked:
			locked++
		default:
			t.Fatalf("unexpected error: %v", r.err)
		}
	}
	if winners != 1 {
		t.Fatalf("%d concurrent writers won the lock", winners)
	}
	if locked != workers-1 {
		t.Fatalf("%d callers saw the lock", locked)
	}
}
