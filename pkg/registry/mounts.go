package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// MountInfo records one mounted volume.
type MountInfo struct {
	VolumeName string
	MRCAddress string
	MountTime  time.Time
}

// MountTable tracks the volumes a client has mounted.
//
// Thread safety:
// All methods are safe for concurrent use.
type MountTable struct {
	mu     sync.RWMutex
	mounts map[string]*MountInfo
}

// NewMountTable creates an empty table.
func NewMountTable() *MountTable {
	return &MountTable{mounts: make(map[string]*MountInfo)}
}

// RecordMount registers a mount. Returns an error if the volume is already
// mounted.
func (t *MountTable) RecordMount(volumeName, mrcAddress string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.mounts[volumeName]; exists {
		return fmt.Errorf("volume %q already mounted", volumeName)
	}
	t.mounts[volumeName] = &MountInfo{
		VolumeName: volumeName,
		MRCAddress: mrcAddress,
		MountTime:  time.Now(),
	}
	return nil
}

// RemoveMount drops a mount record. Returns true if one existed.
func (t *MountTable) RemoveMount(volumeName string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.mounts[volumeName]; !exists {
		return false
	}
	delete(t.mounts, volumeName)
	return true
}

// ListMounts returns a copy of all mount records sorted by volume name.
func (t *MountTable) ListMounts() []MountInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	mounts := make([]MountInfo, 0, len(t.mounts))
	for _, m := range t.mounts {
		mounts = append(mounts, *m)
	}
	sort.Slice(mounts, func(i, j int) bool { return mounts[i].VolumeName < mounts[j].VolumeName })
	return mounts
}

// Len returns the number of mounted volumes.
func (t *MountTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.mounts)
}
