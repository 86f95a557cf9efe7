// Package registry keeps the client-side bookkeeping of open files.
//
// Two tables are kept per mounted volume:
//   - OpenFileTable maps a file id to the FileInfo shared by every handle
//     opened on that file.
//   - FileHandleList maps a handle key to an open handle.
//
// A miss in either table means the client lost track of something it
// created itself. Lookups therefore fail with the defect faults
// FileInfoNotFound and FileHandleNotFound and are never retried.
//
// Example usage:
//
//	info := table.Acquire(resp.Creds.XCap.FileID, func() *registry.FileInfo {
//	    return registry.NewFileInfo("vol", "/a", resp.Creds)
//	})
//	key := handles.Add(handle)
//
//	// later
//	h, err := handles.Remove(key)
//	remaining, err := table.Release(h.FileID())
package registry

import (
	"sync"

	"github.com/marmos91/xtfs/pkg/fault"
)

// OpenFileTable maps file ids to FileInfo records.
//
// Thread safety:
// All methods are safe for concurrent use.
type OpenFileTable struct {
	mu    sync.RWMutex
	files map[uint64]*FileInfo
}

// NewOpenFileTable creates an empty table.
func NewOpenFileTable() *OpenFileTable {
	return &OpenFileTable{files: make(map[uint64]*FileInfo)}
}

// Add inserts info, replacing any record with the same file id.
func (t *OpenFileTable) Add(info *FileInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.files[info.FileID()] = info
}

// Acquire returns the record for fileID, creating it with create when
// absent, and takes one reference on it.
func (t *OpenFileTable) Acquire(fileID uint64, create func() *FileInfo) *FileInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, ok := t.files[fileID]
	if !ok {
		info = create()
		t.files[fileID] = info
	}
	info.acquire()
	return info
}

// Get returns the record for fileID.
//
// Returns *fault.FileInfoNotFound carrying fileID if there is none.
func (t *OpenFileTable) Get(fileID uint64) (*FileInfo, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	info, ok := t.files[fileID]
	if !ok {
		return nil, fault.NewFileInfoNotFound(fileID)
	}
	return info, nil
}

// Release drops one reference on fileID's record and removes the record
// when the last reference is gone. It returns the remaining count.
//
// Returns *fault.FileInfoNotFound if there is no record.
func (t *OpenFileTable) Release(fileID uint64) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, ok := t.files[fileID]
	if !ok {
		return 0, fault.NewFileInfoNotFound(fileID)
	}

	remaining := info.release()
	if remaining == 0 {
		delete(t.files, fileID)
	}
	return remaining, nil
}

// Remove deletes the record for fileID regardless of its reference count.
//
// Returns *fault.FileInfoNotFound if there is no record.
func (t *OpenFileTable) Remove(fileID uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.files[fileID]; !ok {
		return fault.NewFileInfoNotFound(fileID)
	}
	delete(t.files, fileID)
	return nil
}

// Len returns the number of open files.
func (t *OpenFileTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.files)
}
