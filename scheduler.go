package main

import (
	"context"
	"crypto/tls"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// requestQueue is the FIFO of files the scheduler decided to pull.
// Entries are deduplicated by name; transfer slots pop from the front.
type requestQueue struct {
	mu    sync.Mutex
	items []AvailableFile
}

func (q *requestQueue) push(av AvailableFile) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.items {
		if item.Info.Name == av.Info.Name {
			return false
		}
	}
	q.items = append(q.items, av)
	return true
}

func (q *requestQueue) pop() (AvailableFile, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return AvailableFile{}, false
	}
	av := q.items[0]
	q.items = q.items[1:]
	return av, true
}

func (q *requestQueue) empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0
}

// Scheduler drives the bounded pool of transfer sessions. On every tick
// it derives the request queue from the store's available set, strips
// satisfied names from the requested list, and refills idle slots.
type Scheduler struct {
	store    *Store
	crypto   *CryptoHandler
	tlsConf  *tls.Config
	progress *ProgressRegistry

	queue     requestQueue
	requested []string
	allFiles  bool
	slots     []atomic.Bool

	done     chan struct{}
	resolved bool
	mu       sync.Mutex
}

// NewScheduler requests everything when names is empty; otherwise each
// name is either an exact file name or a directory prefix.
func NewScheduler(store *Store, crypto *CryptoHandler, tlsConf *tls.Config, progress *ProgressRegistry, maxSessions int, names []string) *Scheduler {
	if maxSessions < 1 {
		maxSessions = 1
	}
	return &Scheduler{
		store:     store,
		crypto:    crypto,
		tlsConf:   tlsConf,
		progress:  progress,
		requested: names,
		allFiles:  len(names) == 0,
		slots:     make([]atomic.Bool, maxSessions),
		done:      make(chan struct{}),
	}
}

// Done resolves when every explicitly requested name is stored. When
// requesting all files it never resolves; --wait-until bounds the run.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(schedulerTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.store.NewAvailable():
		case <-ticker.C:
		}
		s.tick(ctx)
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	availables := s.store.AvailableFiles()

	if s.allFiles {
		for _, av := range availables {
			s.enqueue(av)
		}
	} else {
		for _, av := range availables {
			if s.matchesRequest(av.Info.Name) {
				s.enqueue(av)
			}
		}
		s.stripSatisfied(availables)
	}

	for i := range s.slots {
		if s.queue.empty() {
			break
		}
		if !s.slots[i].CompareAndSwap(false, true) {
			continue
		}
		slot := &s.slots[i]
		session := newClientSession(s.crypto, s.store, &s.queue, s.tlsConf, s.progress)
		go func() {
			defer slot.Store(false)
			session.Run(ctx)
		}()
	}
}

func (s *Scheduler) enqueue(av AvailableFile) {
	if av.PeerKey == "" {
		// learned from a cleartext datagram; wait for the list exchange
		// to establish the peer identity before pulling
		return
	}
	if s.store.IsStored(av.Info) || s.store.InProgress(av.Info) {
		return
	}
	if s.queue.push(av) {
		logDebug("[scheduler] queued %s", av.Info.Name)
	}
}

// matchesRequest interprets a requested token as an exact name or a
// directory prefix: "sub" matches every file under "sub/".
func (s *Scheduler) matchesRequest(name string) bool {
	for _, token := range s.requested {
		if name == token || strings.HasPrefix(name, token+"/") {
			return true
		}
	}
	return false
}

// stripSatisfied removes every requested token that is fulfilled: the
// token itself is stored, or it is a directory prefix under which at
// least one file is stored and nothing matching remains available.
func (s *Scheduler) stripSatisfied(availables []AvailableFile) {
	remaining := s.requested[:0]
	for _, token := range s.requested {
		if s.tokenSatisfied(token, availables) {
			logDebug("[scheduler] request %s satisfied", token)
			continue
		}
		remaining = append(remaining, token)
	}
	s.requested = remaining

	if len(s.requested) == 0 {
		s.mu.Lock()
		if !s.resolved {
			s.resolved = true
			close(s.done)
		}
		s.mu.Unlock()
	}
}

func (s *Scheduler) tokenSatisfied(token string, availables []AvailableFile) bool {
	if s.store.IsStored(FileInfo{Name: token}) {
		return true
	}
	prefix := token + "/"
	storedUnder := 0
	for _, f := range s.store.StoredFiles() {
		if strings.HasPrefix(f.Name, prefix) {
			storedUnder++
		}
	}
	if storedUnder == 0 {
		return false
	}
	for _, av := range availables {
		if strings.HasPrefix(av.Info.Name, prefix) && !s.store.IsStored(av.Info) {
			return false
		}
	}
	return true
}
