package registry

import (
	"sync"

	"github.com/marmos91/xtfs/internal/protocol/xtfs"
)

// FileInfo is the state shared by all handles of one open file: its
// credentials, its replica locations and the replica currently used.
type FileInfo struct {
	fileID uint64
	volume string
	path   string

	mu     sync.RWMutex
	creds  xtfs.FileCredentials
	target string
	refs   int
}

// NewFileInfo creates a record for an opened file. The current target is
// the head OSD of the first replica.
func NewFileInfo(volume, path string, creds xtfs.FileCredentials) *FileInfo {
	info := &FileInfo{
		fileID: creds.XCap.FileID,
		volume: volume,
		path:   path,
		creds:  creds,
	}
	if heads := creds.XLocs.HeadOSDs(); len(heads) > 0 {
		info.target = heads[0]
	}
	return info
}

func (f *FileInfo) FileID() uint64 { return f.fileID }
func (f *FileInfo) Volume() string { return f.volume }
func (f *FileInfo) Path() string   { return f.path }

// Credentials returns a copy of the file's credentials.
func (f *FileInfo) Credentials() xtfs.FileCredentials {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.creds
}

// Target returns the UUID of the replica requests are sent to.
func (f *FileInfo) Target() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.target
}

// UpdateTarget makes uuid the current replica.
//
// Returns *fault.UUIDNotInXlocSet when uuid is not a replica of the file;
// the current target is left unchanged in that case.
func (f *FileInfo) UpdateTarget(uuid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := f.creds.XLocs.IndexOf(uuid); err != nil {
		return err
	}
	f.target = uuid
	return nil
}

// Refs returns the number of handles holding the record.
func (f *FileInfo) Refs() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.refs
}

func (f *FileInfo) acquire() {
	f.mu.Lock()
	f.refs++
	f.mu.Unlock()
}

func (f *FileInfo) release() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refs > 0 {
		f.refs--
	}
	return f.refs
}
