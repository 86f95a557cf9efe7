package client

import (
	"context"
	"sync/atomic"

	"github.com/marmos91/xtfs/internal/protocol/xtfs"
	"github.com/marmos91/xtfs/pkg/fault"
	"github.com/marmos91/xtfs/pkg/registry"
	"github.com/marmos91/xtfs/pkg/retry"
)

// FileHandle is one open instance of a file.
type FileHandle struct {
	key    uint64
	volume *Volume
	info   *registry.FileInfo
	closed atomic.Bool
}

// Key identifies the handle within its volume.
func (h *FileHandle) Key() uint64 { return h.key }

func (h *FileHandle) FileID() uint64 { return h.info.FileID() }
func (h *FileHandle) Path() string   { return h.info.Path() }

// Target returns the UUID of the replica the file's requests go to.
func (h *FileHandle) Target() string { return h.info.Target() }

// FileSize asks the current replica for the file size.
//
// Redirects are followed by the retry loop. Every target the loop tries
// must be a replica of the file. Only a replica that answers becomes the
// file's current target for all of its handles; a failed request leaves
// the target unchanged.
//
// Returns:
//   - *fault.UUIDNotInXlocSet when a redirect names a non-replica
//   - *fault.AddressToUUIDNotFound / *fault.UnknownAddressScheme when a
//     replica cannot be resolved
//   - *fault.IO when the redirect budget is exhausted
//   - the remote fault otherwise
func (h *FileHandle) FileSize(ctx context.Context) (uint64, error) {
	if err := h.checkOpen(); err != nil {
		return 0, err
	}

	c := h.volume.client
	return retry.Do(ctx, c.loop, h.info.Target(), func(ctx context.Context, target string) (uint64, error) {
		creds := h.info.Credentials()
		if _, err := creds.XLocs.IndexOf(target); err != nil {
			return 0, err
		}

		// ResolveUUID follows directory redirects itself, so any redirect
		// seen below comes from the OSD.
		osd, err := c.resolver.ResolveUUID(ctx, target)
		if err != nil {
			return 0, err
		}

		req := xtfs.GetFileSizeRequest{Creds: creds}
		var resp xtfs.GetFileSizeResponse
		if err := c.rpc.Call(ctx, osd.Address(), xtfs.ProgramOSD, xtfs.ProcGetFileSize, &req, &resp); err != nil {
			return 0, err
		}

		if err := h.info.UpdateTarget(target); err != nil {
			return 0, err
		}
		return resp.FileSize, nil
	})
}

// Close releases the handle. Closing twice fails with
// *fault.FileHandleNotFound, like any unknown handle.
func (h *FileHandle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return fault.NewFileHandleNotFound()
	}
	return h.volume.closeHandle(h)
}

func (h *FileHandle) checkOpen() error {
	if h.closed.Load() {
		return fault.NewFileHandleNotFound()
	}
	return h.volume.checkOpen()
}
