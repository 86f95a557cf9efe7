package client

import (
	"context"
	"testing"
	"time"

	"github.com/marmos91/xtfs/internal/protocol/xtfs"
	"github.com/marmos91/xtfs/internal/testing/fakeservice"
	"github.com/marmos91/xtfs/pkg/config"
	"github.com/marmos91/xtfs/pkg/fault"
	"github.com/marmos91/xtfs/pkg/posix"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sys/unix"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ============================================================================
// Helpers
// ============================================================================

func newTestClient(t *testing.T, cluster *fakeservice.Cluster) *Client {
	t.Helper()

	cfg := config.GetDefaultConfig()
	cfg.DIR.Address = cluster.DIR.Addr()
	cfg.RPC.RequestTimeout = 2 * time.Second
	cfg.RPC.ConnectTimeout = time.Second

	c, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })
	return c
}

// newVolumeCluster starts a cluster with volume "vol1" holding "/a" on
// the given replicas. It returns the cluster and the file id.
func newVolumeCluster(t *testing.T, replicas ...string) (*fakeservice.Cluster, uint64) {
	t.Helper()

	cluster := fakeservice.StartCluster(t)
	cluster.MRC.AddVolume(xtfs.Volume{Name: "vol1", ID: "abc", Owner: "u", Group: "g", Mode: 0o755})
	for _, uuid := range replicas {
		cluster.AddOSD(t, uuid)
	}
	fileID := cluster.MRC.AddFile("vol1", "/a", replicas...)
	for _, uuid := range replicas {
		cluster.OSD(uuid).SetFileSize(fileID, 4096)
	}
	return cluster, fileID
}

func mountAndOpen(t *testing.T, c *Client, cluster *fakeservice.Cluster) (*Volume, *FileHandle) {
	t.Helper()

	vol, err := c.MountVolume(context.Background(), cluster.MRC.Addr()+"/vol1")
	require.NoError(t, err)

	h, err := vol.Open(context.Background(), "/a", 0, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return vol, h
}

// ============================================================================
// Volumes
// ============================================================================

func TestListVolumes(t *testing.T) {
	cluster := fakeservice.StartCluster(t)
	cluster.MRC.AddVolume(xtfs.Volume{Name: "vol1", ID: "abc"})
	cluster.MRC.AddVolume(xtfs.Volume{Name: "vol2", ID: "def"})
	c := newTestClient(t, cluster)

	volumes, err := c.ListVolumes(context.Background(), "oncrpc://"+cluster.MRC.Addr())
	require.NoError(t, err)
	require.Len(t, volumes, 2)
	assert.Equal(t, "vol1", volumes[0].Name)
	assert.Equal(t, "def", volumes[1].ID)
}

func TestListVolumesBadAddress(t *testing.T) {
	cluster := fakeservice.StartCluster(t)
	c := newTestClient(t, cluster)

	_, err := c.ListVolumes(context.Background(), "http://"+cluster.MRC.Addr())
	assert.True(t, fault.IsKind(err, fault.KindUnknownAddressScheme))

	_, err = c.ListVolumes(context.Background(), "")
	assert.True(t, fault.IsKind(err, fault.KindInvalidURL))
}

func TestMountVolume(t *testing.T) {
	cluster, _ := newVolumeCluster(t)
	c := newTestClient(t, cluster)
	ctx := context.Background()

	vol, err := c.MountVolume(ctx, cluster.MRC.Addr()+"/vol1")
	require.NoError(t, err)
	assert.Equal(t, "vol1", vol.Name())
	assert.Equal(t, "abc", vol.Info().ID)
	assert.Equal(t, cluster.MRC.Addr(), vol.MRCAddress())

	mounts := c.Mounts()
	require.Len(t, mounts, 1)
	assert.Equal(t, "vol1", mounts[0].VolumeName)

	got, err := c.Volume("vol1")
	require.NoError(t, err)
	assert.Same(t, vol, got)

	t.Run("already mounted", func(t *testing.T) {
		_, err := c.MountVolume(ctx, cluster.MRC.Addr()+"/vol1")
		p, ok := err.(*fault.Posix)
		require.True(t, ok, "expected *fault.Posix, got %T", err)
		assert.Equal(t, unix.EBUSY, p.Errno())
	})

	t.Run("unknown volume", func(t *testing.T) {
		_, err := c.MountVolume(ctx, cluster.MRC.Addr()+"/nope")
		var vnf *fault.VolumeNotFound
		require.ErrorAs(t, err, &vnf)
		assert.Equal(t, "nope", vnf.VolumeName())
	})

	t.Run("no volume name", func(t *testing.T) {
		_, err := c.MountVolume(ctx, cluster.MRC.Addr())
		assert.True(t, fault.IsKind(err, fault.KindInvalidURL))
	})
}

func TestVolumeNotMounted(t *testing.T) {
	cluster := fakeservice.StartCluster(t)
	c := newTestClient(t, cluster)

	_, err := c.Volume("vol1")
	assert.True(t, fault.IsKind(err, fault.KindVolumeNotFound))
}

func TestVolumeCloseWithOpenHandles(t *testing.T) {
	cluster, _ := newVolumeCluster(t, "osd-1")
	c := newTestClient(t, cluster)
	ctx := context.Background()

	vol, err := c.MountVolume(ctx, cluster.MRC.Addr()+"/vol1")
	require.NoError(t, err)
	h, err := vol.Open(ctx, "/a", 0, 0)
	require.NoError(t, err)

	err = vol.Close(ctx)
	assert.True(t, fault.IsKind(err, fault.KindOpenFileHandlesLeft))
	assert.Equal(t, unix.EBUSY, posix.Map(err, "UMOUNT").Errno)
	assert.Len(t, c.Mounts(), 1, "volume must stay mounted")

	require.NoError(t, h.Close())
	require.NoError(t, vol.Close(ctx))
	assert.Empty(t, c.Mounts())

	_, err = vol.Open(ctx, "/a", 0, 0)
	assert.True(t, fault.IsKind(err, fault.KindIO))

	// The volume can be mounted again.
	_, err = c.MountVolume(ctx, cluster.MRC.Addr()+"/vol1")
	assert.NoError(t, err)
}

// ============================================================================
// Files
// ============================================================================

func TestOpenSharesFileInfo(t *testing.T) {
	cluster, fileID := newVolumeCluster(t, "osd-1", "osd-2")
	c := newTestClient(t, cluster)
	ctx := context.Background()

	vol, err := c.MountVolume(ctx, cluster.MRC.Addr()+"/vol1")
	require.NoError(t, err)

	h1, err := vol.Open(ctx, "/a", 0, 0)
	require.NoError(t, err)
	h2, err := vol.Open(ctx, "/a", 0, 0)
	require.NoError(t, err)

	assert.NotEqual(t, h1.Key(), h2.Key())
	assert.Equal(t, fileID, h1.FileID())
	assert.Equal(t, "/a", h1.Path())
	assert.Equal(t, 1, vol.OpenFiles())
	assert.Equal(t, 2, vol.OpenHandles())

	got, err := vol.Handle(h2.Key())
	require.NoError(t, err)
	assert.Same(t, h2, got)

	require.NoError(t, h1.info.UpdateTarget("osd-2"))
	assert.Equal(t, "osd-2", h2.Target(), "handles of one file share its target")

	require.NoError(t, h1.Close())
	assert.Equal(t, 1, vol.OpenFiles())
	require.NoError(t, h2.Close())
	assert.Equal(t, 0, vol.OpenFiles())
	assert.Equal(t, 0, vol.OpenHandles())
}

func TestOpenMissingFile(t *testing.T) {
	cluster, _ := newVolumeCluster(t)
	c := newTestClient(t, cluster)
	ctx := context.Background()

	vol, err := c.MountVolume(ctx, cluster.MRC.Addr()+"/vol1")
	require.NoError(t, err)

	_, err = vol.Open(ctx, "/missing", 0, 0)
	p, ok := err.(*fault.Posix)
	require.True(t, ok, "expected *fault.Posix, got %T", err)
	assert.Equal(t, unix.ENOENT, p.Errno())
	assert.Equal(t, 0, vol.OpenHandles())
}

func TestHandleCloseTwice(t *testing.T) {
	cluster, _ := newVolumeCluster(t, "osd-1")
	c := newTestClient(t, cluster)

	_, h := mountAndOpen(t, c, cluster)
	require.NoError(t, h.Close())

	err := h.Close()
	assert.True(t, fault.IsKind(err, fault.KindFileHandleNotFound))

	_, err = h.FileSize(context.Background())
	assert.True(t, fault.IsKind(err, fault.KindFileHandleNotFound))
}

// Close running while an Open waits for the MRC wins; the late Open must
// not register a handle on the unmounted volume.
func TestOpenRacingClose(t *testing.T) {
	cluster, _ := newVolumeCluster(t, "osd-1")
	c := newTestClient(t, cluster)
	ctx := context.Background()

	vol, err := c.MountVolume(ctx, cluster.MRC.Addr()+"/vol1")
	require.NoError(t, err)

	release := cluster.MRC.HoldOpens()
	defer release()

	opened := make(chan error, 1)
	go func() {
		_, err := vol.Open(ctx, "/a", 0, 0)
		opened <- err
	}()

	require.Eventually(t, func() bool { return cluster.MRC.Opens() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, vol.Close(ctx))
	release()

	err = <-opened
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindIO))
	assert.Contains(t, err.Error(), "not mounted")

	assert.Equal(t, 0, vol.OpenHandles())
	assert.Equal(t, 0, vol.OpenFiles())
	assert.Empty(t, c.Mounts())
}

// ============================================================================
// MRC and DIR redirects
// ============================================================================

func TestListVolumesFollowsMRCRedirect(t *testing.T) {
	cluster, _ := newVolumeCluster(t)
	cluster.MRC.Fail(xtfs.RedirectError("mrc"), 1)
	c := newTestClient(t, cluster)

	volumes, err := c.ListVolumes(context.Background(), cluster.MRC.Addr())
	require.NoError(t, err)
	require.Len(t, volumes, 1)
	assert.Equal(t, "vol1", volumes[0].Name)
	assert.Equal(t, 1, cluster.DIR.Lookups(), "redirect target resolved through the DIR")
}

func TestMountAndOpenFollowMRCRedirect(t *testing.T) {
	cluster, _ := newVolumeCluster(t, "osd-1")
	c := newTestClient(t, cluster)
	ctx := context.Background()

	cluster.MRC.Fail(xtfs.RedirectError("mrc"), 1)
	vol, err := c.MountVolume(ctx, cluster.MRC.Addr()+"/vol1")
	require.NoError(t, err)

	cluster.MRC.Fail(xtfs.RedirectError("mrc"), 1)
	h, err := vol.Open(ctx, "/a", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, cluster.MRC.Opens())
	assert.Equal(t, 1, vol.OpenHandles())

	require.NoError(t, h.Close())
}

func TestMRCRedirectFaults(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		times   int
		kind    fault.Kind
		wantErr string
	}{
		{"unknown target", "mrc-gone", 1, fault.KindAddressToUUIDNotFound, "mrc-gone"},
		{"endless redirects", "mrc", -1, fault.KindIO, "too many redirects"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cluster, _ := newVolumeCluster(t)
			cluster.MRC.Fail(xtfs.RedirectError(tt.target), tt.times)
			c := newTestClient(t, cluster)

			_, err := c.ListVolumes(context.Background(), cluster.MRC.Addr())
			require.Error(t, err)
			_, isRedirect := fault.AsRedirect(err)
			assert.False(t, isRedirect)
			assert.True(t, fault.IsKind(err, tt.kind), "got %v", err)
			assert.Contains(t, err.Error(), tt.wantErr)

			assert.NotPanics(t, func() {
				assert.Equal(t, unix.EIO, posix.Map(err, "LSVOL").Errno)
			})
		})
	}
}

// A DIR redirect is followed by the lookup itself and never retargets the
// OSD request that needed the address.
func TestFileSizeFollowsDIRRedirect(t *testing.T) {
	cluster, _ := newVolumeCluster(t, "osd-1")
	dir2 := fakeservice.StartDIR(t)
	dir2.Register("osd-1", cluster.OSD("osd-1").Addr())
	cluster.DIR.Register("dir-2", dir2.Addr())
	c := newTestClient(t, cluster)

	_, h := mountAndOpen(t, c, cluster)
	cluster.DIR.Fail(xtfs.RedirectError("dir-2"), 1)

	size, err := h.FileSize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), size)

	assert.Equal(t, 1, dir2.Lookups())
	assert.Equal(t, 1, cluster.OSD("osd-1").Calls())
	assert.Equal(t, "osd-1", h.Target())
}

func TestFileSizeEndlessDIRRedirects(t *testing.T) {
	cluster, _ := newVolumeCluster(t, "osd-1")
	c := newTestClient(t, cluster)

	_, h := mountAndOpen(t, c, cluster)
	cluster.DIR.Fail(xtfs.RedirectError("dir-2"), -1)

	_, err := h.FileSize(context.Background())
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindIO), "got %v", err)
	assert.Contains(t, err.Error(), "too many redirects")
	assert.Equal(t, 0, cluster.OSD("osd-1").Calls())
	assert.Equal(t, "osd-1", h.Target())
}

// ============================================================================
// File size
// ============================================================================

func TestFileSize(t *testing.T) {
	cluster, _ := newVolumeCluster(t, "osd-1")
	c := newTestClient(t, cluster)

	_, h := mountAndOpen(t, c, cluster)

	size, err := h.FileSize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), size)
	assert.Equal(t, 1, cluster.OSD("osd-1").Calls())
}

// A request redirected three times before succeeding returns the result
// with no trace of the redirects.
func TestFileSizeFollowsRedirects(t *testing.T) {
	cluster, _ := newVolumeCluster(t, "osd-1", "osd-2", "osd-3")
	cluster.OSD("osd-1").RedirectTo("osd-2", 1)
	cluster.OSD("osd-2").RedirectTo("osd-3", 1)
	cluster.OSD("osd-3").RedirectTo("osd-1", 1)
	c := newTestClient(t, cluster)

	_, h := mountAndOpen(t, c, cluster)

	size, err := h.FileSize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), size)

	assert.Equal(t, 2, cluster.OSD("osd-1").Calls())
	assert.Equal(t, 1, cluster.OSD("osd-2").Calls())
	assert.Equal(t, 1, cluster.OSD("osd-3").Calls())
	assert.Equal(t, "osd-1", h.Target())
}

func TestFileSizeSwitchesTarget(t *testing.T) {
	cluster, _ := newVolumeCluster(t, "osd-1", "osd-2")
	cluster.OSD("osd-1").RedirectTo("osd-2", -1)
	c := newTestClient(t, cluster)

	_, h := mountAndOpen(t, c, cluster)

	_, err := h.FileSize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "osd-2", h.Target())

	// The next request goes straight to the new target.
	_, err = h.FileSize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, cluster.OSD("osd-1").Calls())
	assert.Equal(t, 2, cluster.OSD("osd-2").Calls())
}

// A request redirected beyond the budget surfaces an IO fault.
func TestFileSizeRedirectBudgetExhausted(t *testing.T) {
	cluster, _ := newVolumeCluster(t, "osd-1", "osd-2")
	cluster.OSD("osd-1").RedirectTo("osd-2", -1)
	cluster.OSD("osd-2").RedirectTo("osd-1", -1)
	c := newTestClient(t, cluster)

	_, h := mountAndOpen(t, c, cluster)

	_, err := h.FileSize(context.Background())
	require.Error(t, err)

	_, isRedirect := fault.AsRedirect(err)
	assert.False(t, isRedirect)
	assert.True(t, fault.IsKind(err, fault.KindIO))
	assert.Contains(t, err.Error(), "too many redirects")

	attempts := cluster.OSD("osd-1").Calls() + cluster.OSD("osd-2").Calls()
	assert.Equal(t, 6, attempts, "initial attempt plus five redirects")
	assert.Equal(t, unix.EIO, posix.Map(err, "GETATTR").Errno)
	assert.Equal(t, "osd-1", h.Target(), "no replica answered")
}

// A replica that fails after a redirect does not become the file's target.
func TestFileSizeFailedHopKeepsTarget(t *testing.T) {
	cluster, _ := newVolumeCluster(t, "osd-1", "osd-2")
	cluster.OSD("osd-1").RedirectTo("osd-2", 1)
	cluster.OSD("osd-2").Fail(xtfs.NewErrorResponse(xtfs.ErrorTypeInternalServerError, "disk on fire"), 1)
	c := newTestClient(t, cluster)

	_, h := mountAndOpen(t, c, cluster)

	_, err := h.FileSize(context.Background())
	assert.True(t, fault.IsKind(err, fault.KindInternalServerError))
	assert.Equal(t, "osd-1", h.Target())

	_, err = h.FileSize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, cluster.OSD("osd-1").Calls())
	assert.Equal(t, 1, cluster.OSD("osd-2").Calls())
}

func TestFileSizeRedirectOutsideXLocSet(t *testing.T) {
	cluster, _ := newVolumeCluster(t, "osd-1")
	cluster.AddOSD(t, "osd-stranger")
	cluster.OSD("osd-1").RedirectTo("osd-stranger", -1)
	c := newTestClient(t, cluster)

	_, h := mountAndOpen(t, c, cluster)

	_, err := h.FileSize(context.Background())
	assert.True(t, fault.IsKind(err, fault.KindUUIDNotInXlocSet))
	assert.Equal(t, 0, cluster.OSD("osd-stranger").Calls())
	assert.Equal(t, "osd-1", h.Target())
}

func TestFileSizeUnresolvableReplica(t *testing.T) {
	cluster := fakeservice.StartCluster(t)
	cluster.MRC.AddVolume(xtfs.Volume{Name: "vol1", ID: "abc"})
	cluster.MRC.AddFile("vol1", "/a", "osd-ghost")
	c := newTestClient(t, cluster)

	_, h := mountAndOpen(t, c, cluster)

	_, err := h.FileSize(context.Background())
	var notFound *fault.AddressToUUIDNotFound
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "osd-ghost", notFound.UUID())
}

func TestFileSizeRemoteFault(t *testing.T) {
	cluster, _ := newVolumeCluster(t, "osd-1")
	cluster.OSD("osd-1").Fail(xtfs.NewErrorResponse(xtfs.ErrorTypeInternalServerError, "disk on fire"), 1)
	c := newTestClient(t, cluster)

	_, h := mountAndOpen(t, c, cluster)

	_, err := h.FileSize(context.Background())
	assert.True(t, fault.IsKind(err, fault.KindInternalServerError))
	assert.Equal(t, "disk on fire", err.Error())

	size, err := h.FileSize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), size)
}

func TestFileSizeCancelled(t *testing.T) {
	cluster, _ := newVolumeCluster(t, "osd-1")
	cluster.OSD("osd-1").Silence(true)
	c := newTestClient(t, cluster)

	_, h := mountAndOpen(t, c, cluster)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := h.FileSize(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, unix.ETIMEDOUT, posix.Map(err, "GETATTR").Errno)
}

// ============================================================================
// Isolation and shutdown
// ============================================================================

func TestClientsDoNotShareCache(t *testing.T) {
	cluster, _ := newVolumeCluster(t, "osd-1")
	ctx := context.Background()

	c1 := newTestClient(t, cluster)
	_, h1 := mountAndOpen(t, c1, cluster)

	_, err := h1.FileSize(ctx)
	require.NoError(t, err)
	_, err = h1.FileSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cluster.DIR.Lookups(), "second request is served from the cache")

	c2 := newTestClient(t, cluster)
	_, h2 := mountAndOpen(t, c2, cluster)

	_, err = h2.FileSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, cluster.DIR.Lookups(), "a second client has its own cache")
	assert.NotEqual(t, c1.UUID(), c2.UUID())
}

func TestShutdown(t *testing.T) {
	cluster, _ := newVolumeCluster(t, "osd-1")
	c := newTestClient(t, cluster)
	ctx := context.Background()

	vol, h := mountAndOpen(t, c, cluster)

	require.NoError(t, c.Shutdown(ctx))
	require.NoError(t, c.Shutdown(ctx))

	_, err := c.ListVolumes(ctx, cluster.MRC.Addr())
	assert.True(t, fault.IsKind(err, fault.KindIO))

	_, err = vol.Open(ctx, "/a", 0, 0)
	assert.True(t, fault.IsKind(err, fault.KindIO))

	_, err = h.FileSize(ctx)
	assert.True(t, fault.IsKind(err, fault.KindIO))
}

func TestNewRejectsBadDIRAddress(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.DIR.Address = "http://dir"

	_, err := New(context.Background(), cfg, nil)
	assert.True(t, fault.IsKind(err, fault.KindUnknownAddressScheme))
}
