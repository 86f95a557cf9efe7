// Package client is the xtfs client library.
//
// A Client owns everything one logical client instance needs: its UUID, the
// RPC transport, the UUID→address cache, the resolver built on top of it
// and the redirect loop. Nothing is shared between Client instances, so a
// process may run several of them side by side.
//
// Lifecycle:
//  1. New() from a loaded configuration
//  2. ListVolumes() / MountVolume() to reach volumes on an MRC
//  3. Volume.Open() → FileHandle.FileSize() → FileHandle.Close()
//  4. Volume.Close() once every handle is closed
//  5. Shutdown() to release connections and the cache
//
// Errors returned by this package are faults from pkg/fault (or context
// errors). They are translated to POSIX errnos by pkg/vfs.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/marmos91/xtfs/internal/logger"
	"github.com/marmos91/xtfs/internal/protocol/xtfs"
	"github.com/marmos91/xtfs/pkg/config"
	"github.com/marmos91/xtfs/pkg/fault"
	"github.com/marmos91/xtfs/pkg/registry"
	"github.com/marmos91/xtfs/pkg/resolve"
	"github.com/marmos91/xtfs/pkg/retry"
	"github.com/marmos91/xtfs/pkg/rpc"
	"github.com/marmos91/xtfs/pkg/store/uuidcache"
	"golang.org/x/sys/unix"
)

// Client is one xtfs client instance.
//
// Thread safety:
// All methods are safe for concurrent use.
type Client struct {
	uuid string

	rpc      *rpc.Client
	cache    uuidcache.Store
	resolver *resolve.Resolver
	loop     *retry.Loop
	mounts   *registry.MountTable

	mu       sync.Mutex
	volumes  map[string]*Volume
	shutdown bool
}

// New creates a client from cfg. A nil m disables metrics.
//
// cfg is expected to have been through config.Load or
// config.GetDefaultConfig, so defaults are applied and it is valid.
func New(ctx context.Context, cfg *config.Config, m *config.MetricsResult) (*Client, error) {
	if m == nil {
		m = config.InitializeMetrics(&config.Config{})
	}

	dir, err := resolve.ParseURL(cfg.DIR.Address, xtfs.DefaultDIRPort)
	if err != nil {
		return nil, err
	}
	if err := resolve.ResolveScheme(dir); err != nil {
		return nil, err
	}

	transport, err := rpc.NewClient(cfg.RPC, m.RPC)
	if err != nil {
		return nil, fmt.Errorf("failed to create rpc client: %w", err)
	}

	cache, err := config.CreateUUIDCache(ctx, &cfg.UUIDCache, m.Cache)
	if err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("failed to create uuid cache: %w", err)
	}

	loop := retry.New(cfg.Retry, retry.WithMetrics(m.Retry))
	c := &Client{
		uuid:     uuid.NewString(),
		rpc:      transport,
		cache:    cache,
		resolver: resolve.NewResolver(transport, cache, dir.Address(), loop),
		loop:     loop,
		mounts:   registry.NewMountTable(),
		volumes:  make(map[string]*Volume),
	}

	logger.Debug("Client %s created (dir=%s, uuid_cache=%s)", c.uuid, dir, cfg.UUIDCache.Type)
	return c, nil
}

// UUID returns the identity the client presents to the MRC.
func (c *Client) UUID() string { return c.uuid }

// Resolver returns the client's resolver.
func (c *Client) Resolver() *resolve.Resolver { return c.resolver }

// ResolveLocation parses and resolves a location such as
// "oncrpc://mrc:32636/vol1", listing the MRC's volumes.
func (c *Client) ResolveLocation(ctx context.Context, location string) (*resolve.Location, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.resolver.ResolveLocation(ctx, location)
}

// ListVolumes lists the volumes of the MRC at mrcAddress. The address may
// omit the scheme and port; a volume path in it is ignored.
func (c *Client) ListVolumes(ctx context.Context, mrcAddress string) ([]xtfs.Volume, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	u, err := parseMRCAddress(mrcAddress)
	if err != nil {
		return nil, err
	}
	return c.resolver.ListVolumes(ctx, u.Address())
}

func parseMRCAddress(s string) (*resolve.URL, error) {
	u, err := resolve.ParseURL(s, xtfs.DefaultMRCPort)
	if err != nil {
		return nil, err
	}
	if err := resolve.ResolveScheme(u); err != nil {
		return nil, err
	}
	return u, nil
}

// MountVolume resolves location, which must name a volume, and mounts it.
//
// Returns:
//   - *fault.InvalidURL / *fault.UnknownAddressScheme for a bad location
//   - *fault.VolumeNotFound when the MRC has no such volume
//   - *fault.Posix(EBUSY) when the volume is already mounted by this client
func (c *Client) MountVolume(ctx context.Context, location string) (*Volume, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	u, err := parseMRCAddress(location)
	if err != nil {
		return nil, err
	}
	if u.Volume == "" {
		return nil, fault.NewInvalidURL("no volume name in '" + location + "'")
	}

	mrc := u.Address()
	info, err := c.resolver.ResolveVolume(ctx, mrc, u.Volume)
	if err != nil {
		return nil, err
	}
	name := info.Name

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shutdown {
		return nil, errClientShutdown
	}
	if err := c.mounts.RecordMount(name, mrc); err != nil {
		return nil, fault.NewPosix(unix.EBUSY, err.Error())
	}

	v := newVolume(c, info, mrc)
	c.volumes[name] = v

	logger.Info("Mounted volume '%s' from %s", name, mrc)
	return v, nil
}

// Volume returns the mounted volume name.
//
// Returns *fault.VolumeNotFound when it is not mounted.
func (c *Client) Volume(name string) (*Volume, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.volumes[name]
	if !ok {
		return nil, fault.NewVolumeNotFound(name)
	}
	return v, nil
}

// Mounts returns the mount records of this client.
func (c *Client) Mounts() []registry.MountInfo {
	return c.mounts.ListMounts()
}

// unmount is called by Volume.Close.
func (c *Client) unmount(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.volumes, name)
	c.mounts.RemoveMount(name)
	logger.Info("Unmounted volume '%s'", name)
}

// Shutdown closes every mounted volume, then the transport and the cache.
//
// Volumes that still have open handles are closed regardless; their handles
// become unusable. The returned error joins every failure; the client is
// shut down in any case. Safe to call twice.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return nil
	}
	c.shutdown = true
	volumes := make([]*Volume, 0, len(c.volumes))
	for _, v := range c.volumes {
		volumes = append(volumes, v)
	}
	c.mu.Unlock()

	var errs []error
	for _, v := range volumes {
		if n := v.handles.Len(); n > 0 {
			logger.Warn("Volume '%s' shut down with %d open file handles", v.Name(), n)
		}
		v.forceClose()
	}

	if err := c.rpc.Close(); err != nil {
		errs = append(errs, fmt.Errorf("rpc client: %w", err))
	}
	if err := c.cache.Close(); err != nil {
		errs = append(errs, fmt.Errorf("uuid cache: %w", err))
	}

	logger.Debug("Client %s shut down", c.uuid)
	return errors.Join(errs...)
}

func (c *Client) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return errClientShutdown
	}
	return nil
}

var errClientShutdown = fault.NewIO("client was shut down")
