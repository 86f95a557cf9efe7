package registry

import (
	"sync"

	"github.com/marmos91/xtfs/pkg/fault"
)

// FileHandleList maps handle keys to open handles of type H.
//
// Keys start at 1 and are never reused within a list, so a stale key held
// by a caller cannot alias a newer handle.
//
// Thread safety:
// All methods are safe for concurrent use.
type FileHandleList[H any] struct {
	mu      sync.RWMutex
	handles map[uint64]H
	nextKey uint64
}

// NewFileHandleList creates an empty list.
func NewFileHandleList[H any]() *FileHandleList[H] {
	return &FileHandleList[H]{handles: make(map[uint64]H)}
}

// Add stores h and returns its key.
func (l *FileHandleList[H]) Add(h H) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextKey++
	l.handles[l.nextKey] = h
	return l.nextKey
}

// Get returns the handle stored under key.
//
// Returns *fault.FileHandleNotFound if there is none.
func (l *FileHandleList[H]) Get(key uint64) (H, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	h, ok := l.handles[key]
	if !ok {
		var zero H
		return zero, fault.NewFileHandleNotFound()
	}
	return h, nil
}

// Remove deletes and returns the handle stored under key.
//
// Returns *fault.FileHandleNotFound if there is none.
func (l *FileHandleList[H]) Remove(key uint64) (H, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	h, ok := l.handles[key]
	if !ok {
		var zero H
		return zero, fault.NewFileHandleNotFound()
	}
	delete(l.handles, key)
	return h, nil
}

// Len returns the number of open handles.
func (l *FileHandleList[H]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.handles)
}
