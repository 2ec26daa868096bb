package main

import (
	"net"
	"testing"
)

func TestRequestQueueDedupAndOrder(t *testing.T) {
	var q requestQueue
	a := AvailableFile{Info: FileInfo{Name: "a.txt", Size: 1}}
	b := AvailableFile{Info: FileInfo{Name: "b.txt", Size: 2}}

	if !q.push(a) || !q.push(b) {
		t.Fatal("fresh pushes rejected")
	}
	if q.push(a) {
		t.Fatal("duplicate name accepted")
	}
	got, ok := q.pop()
	if !ok || got.Info.Name != "a.txt" {
		t.Fatalf("pop order wrong: %+v", got)
	}
	got, ok = q.pop()
	if !ok || got.Info.Name != "b.txt" {
		t.Fatalf("pop order wrong: %+v", got)
	}
	if _, ok := q.pop(); ok {
		t.Fatal("pop from empty queue succeeded")
	}
}

func TestMatchesRequestNameAndPrefix(t *testing.T) {
	s := &Scheduler{requested: []string{"a.txt", "sub"}}

	cases := []struct {
		name string
		want bool
	}{
		{"a.txt", true},
		{"sub/b.txt", true},
		{"sub/deep/c.txt", true},
		{"subway.txt", false},
		{"other.txt", false},
	}
	for _, tc := range cases {
		if got := s.matchesRequest(tc.name); got != tc.want {
			t.Errorf("matchesRequest(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestSchedulerEnqueuesOnlyMissingFiles(t *testing.T) {
	store, root := newTestStore(t)
	writeStored(t, root, "have.txt", []byte("here"))
	if err := store.Init(); err != nil {
		t.Fatal(err)
	}

	s := NewScheduler(store, nil, nil, nil, 1, nil)
	s.enqueue(AvailableFile{Info: FileInfo{Name: "have.txt", Size: 4}, PeerKey: "cafe"})
	s.enqueue(AvailableFile{Info: FileInfo{Name: "want.txt", Size: 4}, PeerKey: "cafe"})

	got, ok := s.queue.pop()
	if !ok || got.Info.Name != "want.txt" {
		t.Fatalf("queue content wrong: %+v ok=%v", got, ok)
	}
	if _, ok := s.queue.pop(); ok {
		t.Fatal("stored file was queued")
	}
}

func TestSchedulerSkipsInFlightFiles(t *testing.T) {
	store, _ := newTestStore(t)
	req := RequestedFile{Info: FileInfo{Name: "busy.bin", Size: 10}}
	h, err := store.CreateFile(&req)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	s := NewScheduler(store, nil, nil, nil, 1, nil)
	s.enqueue(AvailableFile{Info: req.Info, PeerKey: "cafe"})
	if _, ok := s.queue.pop(); ok {
		t.Fatal("in-flight file was queued")
	}
}

func TestSchedulerSkipsKeylessAvailables(t *testing.T) {
	store, _ := newTestStore(t)
	s := NewScheduler(store, nil, nil, nil, 1, nil)
	s.enqueue(AvailableFile{Info: FileInfo{Name: "beaconed.bin", Size: 4}})
	if _, ok := s.queue.pop(); ok {
		t.Fatal("file without a peer identity was queued")
	}
}

func TestPromiseResolvesWhenNamesStored(t *testing.T) {
	store, root := newTestStore(t)
	s := NewScheduler(store, nil, nil, nil, 1, []string{"a.txt", "sub"})

	select {
	case <-s.Done():
		t.Fatal("promise resolved before anything stored")
	default:
	}

	s.stripSatisfied(nil)
	select {
	case <-s.Done():
		t.Fatal("promise resolved with requests outstanding")
	default:
	}

	writeStored(t, root, "a.txt", []byte("aaaaa"))
	writeStored(t, root, "sub/b.txt", []byte("bbbbb"))
	if err := store.Init(); err != nil {
		t.Fatal(err)
	}

	s.stripSatisfied(nil)
	select {
	case <-s.Done():
	default:
		t.Fatal("promise not resolved after all requests stored")
	}
}

func TestDirectoryTokenWaitsForAvailableFiles(t *testing.T) {
	store, root := newTestStore(t)
	writeStored(t, root, "sub/b.txt", []byte("bbbbb"))
	if err := store.Init(); err != nil {
		t.Fatal(err)
	}

	s := NewScheduler(store, nil, nil, nil, 1, []string{"sub"})

	// another file under the prefix is still only available: not done yet
	pending := []AvailableFile{{
		Info:       FileInfo{Name: "sub/c.txt", Size: 5},
		SourceAddr: net.ParseIP("127.0.0.1"),
	}}
	s.stripSatisfied(pending)
	select {
	case <-s.Done():
		t.Fatal("promise resolved with pending file under prefix")
	default:
	}

	s.stripSatisfied(nil)
	select {
	case <-s.Done():
	default:
		t.Fatal("promise not resolved once prefix content is stored")
	}
}

func TestAllFilesSchedulerHasNoPromise(t *testing.T) {
	store, _ := newTestStore(t)
	s := NewScheduler(store, nil, nil, nil, 1, nil)
	if !s.allFiles {
		t.Fatal("empty request list should mean all files")
	}
	select {
	case <-s.Done():
		t.Fatal("all-files scheduler resolved its promise")
	default:
	}
}
