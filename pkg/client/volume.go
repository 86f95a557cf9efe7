package client

import (
	"context"
	"sync"

	"github.com/marmos91/xtfs/internal/logger"
	"github.com/marmos91/xtfs/internal/protocol/xtfs"
	"github.com/marmos91/xtfs/pkg/fault"
	"github.com/marmos91/xtfs/pkg/registry"
)

// Volume is a mounted volume.
//
// It keeps the two registries of the volume: the open file table (one
// FileInfo per open file, shared by its handles) and the handle list.
type Volume struct {
	client *Client
	info   xtfs.Volume
	mrc    string

	files   *registry.OpenFileTable
	handles *registry.FileHandleList[*FileHandle]

	mu     sync.Mutex
	closed bool
}

func newVolume(c *Client, info xtfs.Volume, mrc string) *Volume {
	return &Volume{
		client:  c,
		info:    info,
		mrc:     mrc,
		files:   registry.NewOpenFileTable(),
		handles: registry.NewFileHandleList[*FileHandle](),
	}
}

func (v *Volume) Name() string { return v.info.Name }

// Info returns the volume as listed by the MRC at mount time.
func (v *Volume) Info() xtfs.Volume { return v.info }

// MRCAddress returns host:port of the MRC serving the volume.
func (v *Volume) MRCAddress() string { return v.mrc }

// OpenFiles returns the number of distinct open files.
func (v *Volume) OpenFiles() int { return v.files.Len() }

// OpenHandles returns the number of open handles.
func (v *Volume) OpenHandles() int { return v.handles.Len() }

// Open opens path on the MRC and returns a new handle.
//
// Handles opened on the same file share one FileInfo, so a replica switch
// made through one handle is seen by all of them.
func (v *Volume) Open(ctx context.Context, path string, flags, mode uint32) (*FileHandle, error) {
	if err := v.checkOpen(); err != nil {
		return nil, err
	}

	req := xtfs.OpenRequest{
		VolumeName: v.info.Name,
		Path:       path,
		Flags:      flags,
		Mode:       mode,
		ClientUUID: v.client.uuid,
	}
	var resp xtfs.OpenResponse
	if err := v.client.resolver.Call(ctx, v.mrc, xtfs.ProgramMRC, xtfs.ProcOpen, &req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Creds.XLocs.Replicas) == 0 {
		return nil, fault.NewIOf("MRC returned no replicas for '%s'", path)
	}

	// Close may have run during the round trip. Registering under v.mu
	// keeps a handle from landing on an unmounted volume.
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil, v.notMounted()
	}

	creds := resp.Creds
	info := v.files.Acquire(creds.XCap.FileID, func() *registry.FileInfo {
		return registry.NewFileInfo(v.info.Name, path, creds)
	})

	h := &FileHandle{volume: v, info: info}
	h.key = v.handles.Add(h)

	logger.Debug("Opened '%s' on '%s': file id %d, handle %d, replicas %s",
		path, v.info.Name, info.FileID(), h.key, creds.XLocs.String())
	return h, nil
}

// Handle returns the open handle registered under key.
//
// Returns *fault.FileHandleNotFound when no such handle is open.
func (v *Volume) Handle(key uint64) (*FileHandle, error) {
	return v.handles.Get(key)
}

// Close unmounts the volume.
//
// Returns *fault.OpenFileHandlesLeft while handles are still open; the
// volume stays mounted in that case.
func (v *Volume) Close(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil
	}
	if v.handles.Len() > 0 {
		return fault.NewOpenFileHandlesLeft()
	}

	v.closed = true
	v.client.unmount(v.info.Name)
	return nil
}

// forceClose marks the volume closed without checking handles.
func (v *Volume) forceClose() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
}

// closeHandle drops h from both registries. A miss in either one is a
// client bug and surfaces as a defect fault.
func (v *Volume) closeHandle(h *FileHandle) error {
	if _, err := v.handles.Remove(h.key); err != nil {
		return err
	}

	remaining, err := v.files.Release(h.info.FileID())
	if err != nil {
		return err
	}

	logger.Debug("Closed handle %d of file id %d (%d handles left on file)", h.key, h.info.FileID(), remaining)
	return nil
}

func (v *Volume) checkOpen() error {
	v.mu.Lock()
	closed := v.closed
	v.mu.Unlock()

	if closed {
		return v.notMounted()
	}
	return v.client.checkOpen()
}

func (v *Volume) notMounted() error {
	return fault.NewIOf("volume '%s' is not mounted", v.info.Name)
}
