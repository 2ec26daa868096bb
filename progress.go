package main

import (
	"sync"
	"sync/atomic"
)

// Transfer status tags published into the progress registry.
type transferStatus int32

const (
	statusInitializing transferStatus = iota
	statusDownloading
	statusUploading
	statusComparing
	statusDone
	statusFailed
)

func (s transferStatus) String() string {
	switch s {
	case statusInitializing:
		return "initializing"
	case statusDownloading:
		return "downloading"
	case statusUploading:
		return "uploading"
	case statusComparing:
		return "comparing"
	case statusDone:
		return "done"
	case statusFailed:
		return "failed"
	}
	return "unknown"
}

// FileProgress is the per-file counter sessions write into. Fields are
// atomics so sessions never block on the renderer.
type FileProgress struct {
	Name   string
	Total  uint64
	bytes  atomic.Uint64
	status atomic.Int32
}

func (p *FileProgress) SetBytes(n uint64) { p.bytes.Store(n) }

func (p *FileProgress) Bytes() uint64 { return p.bytes.Load() }

func (p *FileProgress) SetStatus(s transferStatus) { p.status.Store(int32(s)) }

func (p *FileProgress) Status() transferStatus { return transferStatus(p.status.Load()) }

// ProgressView is one row of a registry snapshot.
type ProgressView struct {
	Name   string
	Total  uint64
	Bytes  uint64
	Status transferStatus
}

// ProgressRegistry decouples the core from the terminal renderer: the
// store and the sessions publish counters keyed by file name, and the
// (external) renderer polls Snapshot.
type ProgressRegistry struct {
	mu    sync.Mutex
	files map[string]*FileProgress
	order []string
}

func NewProgressRegistry() *ProgressRegistry {
	return &ProgressRegistry{files: make(map[string]*FileProgress)}
}

// Track returns the progress entry for the file, creating it if needed.
func (r *ProgressRegistry) Track(info FileInfo) *FileProgress {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.files[info.Name]; ok {
		return p
	}
	p := &FileProgress{Name: info.Name, Total: info.Size}
	r.files[info.Name] = p
	r.order = append(r.order, info.Name)
	return p
}

// Snapshot copies the registry in insertion order.
func (r *ProgressRegistry) Snapshot() []ProgressView {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ProgressView, 0, len(r.order))
	for _, name := range r.order {
		p := r.files[name]
		out = append(out, ProgressView{
			Name:   p.Name,
			Total:  p.Total,
			Bytes:  p.Bytes(),
			Status: p.Status(),
		})
	}
	return out
}
