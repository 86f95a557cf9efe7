// Package vfs is the POSIX boundary of the client.
//
// Every FS method returns its value together with a posix.Status. Faults
// raised below this layer are translated exactly once, here, through a
// posix.Mapper; callers such as a FUSE adapter or the lsfs tool only ever
// see errnos and messages. Internal-only fault kinds cannot escape: the
// Status type has no room for them.
package vfs

import (
	"context"

	"github.com/marmos91/xtfs/internal/protocol/xtfs"
	"github.com/marmos91/xtfs/pkg/client"
	"github.com/marmos91/xtfs/pkg/metrics"
	"github.com/marmos91/xtfs/pkg/posix"
	"github.com/marmos91/xtfs/pkg/resolve"
)

// Operation names used in logs and fault metrics.
const (
	OpListVolumes = "LSVOL"
	OpMount       = "MOUNT"
	OpUnmount     = "UMOUNT"
	OpOpen        = "OPEN"
	OpGetAttr     = "GETATTR"
	OpRelease     = "RELEASE"
	OpShutdown    = "SHUTDOWN"
)

// FS exposes a Client through POSIX results.
//
// Thread safety:
// Safe for concurrent use; all state lives in the Client.
type FS struct {
	client *client.Client
	mapper *posix.Mapper
}

// New wraps c. A nil m disables fault metrics.
func New(c *client.Client, m metrics.FaultMetrics) *FS {
	return &FS{client: c, mapper: posix.NewMapper(m)}
}

// Client returns the wrapped client.
func (fs *FS) Client() *client.Client { return fs.client }

// ResolveLocation resolves a "[oncrpc://]host[:port][/volume]" location.
// The returned location lists every volume of the MRC; Volume is set when
// the location names one.
func (fs *FS) ResolveLocation(ctx context.Context, location string) (*resolve.Location, posix.Status) {
	loc, err := fs.client.ResolveLocation(ctx, location)
	if err != nil {
		return nil, fs.mapper.Map(err, OpListVolumes)
	}
	return loc, posix.OK
}

// ListVolumes lists the volumes of an MRC.
func (fs *FS) ListVolumes(ctx context.Context, mrcAddress string) ([]xtfs.Volume, posix.Status) {
	volumes, err := fs.client.ListVolumes(ctx, mrcAddress)
	if err != nil {
		return nil, fs.mapper.Map(err, OpListVolumes)
	}
	return volumes, posix.OK
}

// Mount mounts the volume named by location and returns its name.
func (fs *FS) Mount(ctx context.Context, location string) (string, posix.Status) {
	v, err := fs.client.MountVolume(ctx, location)
	if err != nil {
		return "", fs.mapper.Map(err, OpMount)
	}
	return v.Name(), posix.OK
}

// Unmount unmounts volume. Fails with EBUSY while files are open.
func (fs *FS) Unmount(ctx context.Context, volume string) posix.Status {
	v, err := fs.client.Volume(volume)
	if err != nil {
		return fs.mapper.Map(err, OpUnmount)
	}
	return fs.mapper.Map(v.Close(ctx), OpUnmount)
}

// Open opens path on volume and returns the handle number.
func (fs *FS) Open(ctx context.Context, volume, path string, flags, mode uint32) (uint64, posix.Status) {
	v, err := fs.client.Volume(volume)
	if err != nil {
		return 0, fs.mapper.Map(err, OpOpen)
	}

	h, err := v.Open(ctx, path, flags, mode)
	if err != nil {
		return 0, fs.mapper.Map(err, OpOpen)
	}
	return h.Key(), posix.OK
}

// FileSize returns the size of the file behind handle fh.
func (fs *FS) FileSize(ctx context.Context, volume string, fh uint64) (uint64, posix.Status) {
	h, err := fs.handle(volume, fh)
	if err != nil {
		return 0, fs.mapper.Map(err, OpGetAttr)
	}

	size, err := h.FileSize(ctx)
	if err != nil {
		return 0, fs.mapper.Map(err, OpGetAttr)
	}
	return size, posix.OK
}

// Release closes handle fh.
func (fs *FS) Release(ctx context.Context, volume string, fh uint64) posix.Status {
	h, err := fs.handle(volume, fh)
	if err != nil {
		return fs.mapper.Map(err, OpRelease)
	}
	return fs.mapper.Map(h.Close(), OpRelease)
}

// Shutdown shuts the client down.
func (fs *FS) Shutdown(ctx context.Context) posix.Status {
	return fs.mapper.Map(fs.client.Shutdown(ctx), OpShutdown)
}

func (fs *FS) handle(volume string, fh uint64) (*client.FileHandle, error) {
	v, err := fs.client.Volume(volume)
	if err != nil {
		return nil, err
	}
	return v.Handle(fh)
}
