package resolve

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/xtfs/internal/logger"
	"github.com/marmos91/xtfs/internal/protocol/xtfs"
	"github.com/marmos91/xtfs/pkg/fault"
	"github.com/marmos91/xtfs/pkg/retry"
	"github.com/marmos91/xtfs/pkg/store/uuidcache"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Caller sends one RPC. *rpc.Client implements it.
type Caller interface {
	Call(ctx context.Context, endpoint string, program, procedure uint32, args, result any) error
}

// Location is a resolved location string.
type Location struct {
	URL *URL

	// Volumes are all volumes served by the MRC at URL.
	Volumes []xtfs.Volume

	// Volume is the volume URL names, or nil when it names none.
	Volume *xtfs.Volume
}

// Resolver resolves UUIDs through the directory service and volume names
// through an MRC.
//
// Every request it sends to the DIR or an MRC runs in its own retry.Do, so
// a redirect from either service is followed here and never reaches the
// caller. Redirects of directory lookups and of MRC calls are separate
// requests with separate budgets.
//
// Thread safety:
// Safe for concurrent use. The cache is owned by the caller and must itself
// be safe for concurrent use; concurrent misses for the same UUID share a
// single directory lookup.
type Resolver struct {
	caller     Caller
	cache      uuidcache.Store
	dirAddress string
	loop       *retry.Loop

	lookups singleflight.Group
}

// NewResolver creates a resolver that asks the directory service at
// dirAddress (host:port) and caches answers in cache. Redirects are
// followed under loop's policy; a nil loop uses retry.DefaultPolicy.
func NewResolver(caller Caller, cache uuidcache.Store, dirAddress string, loop *retry.Loop) *Resolver {
	if loop == nil {
		loop = retry.New(retry.DefaultPolicy())
	}
	return &Resolver{
		caller:     caller,
		cache:      cache,
		dirAddress: dirAddress,
		loop:       loop,
	}
}

// Call sends one request to the service at endpoint (host:port) and follows
// the redirects it answers with. A redirect names the UUID of the service
// to ask instead; that UUID is resolved through the directory service.
//
// Returns the fault of the last service asked, *fault.IO when the redirect
// budget is exhausted, or a resolution fault for a redirect target.
func (r *Resolver) Call(ctx context.Context, endpoint string, program, procedure uint32, args, result any) error {
	_, err := retry.Do(ctx, r.loop, endpoint, func(ctx context.Context, target string) (struct{}, error) {
		address := target
		if target != endpoint {
			entry, err := r.ResolveUUID(ctx, target)
			if err != nil {
				return struct{}{}, err
			}
			address = entry.Address()
		}
		return struct{}{}, r.caller.Call(ctx, address, program, procedure, args, result)
	})
	return err
}

// ResolveLocation parses s, checks its scheme and, if it names a volume,
// looks the volume up on the MRC.
//
// A location without a volume (host only, or a root "/" path) skips the
// volume stage and never yields *fault.VolumeNotFound.
func (r *Resolver) ResolveLocation(ctx context.Context, s string) (*Location, error) {
	u, err := ParseURL(s, xtfs.DefaultMRCPort)
	if err != nil {
		return nil, err
	}
	if err := ResolveScheme(u); err != nil {
		return nil, err
	}

	volumes, err := r.ListVolumes(ctx, u.Address())
	if err != nil {
		return nil, err
	}

	loc := &Location{URL: u, Volumes: volumes}
	if u.Volume == "" {
		return loc, nil
	}

	v, err := findVolume(volumes, u.Volume)
	if err != nil {
		return nil, err
	}
	loc.Volume = &v
	return loc, nil
}

// ListVolumes returns every volume of the MRC at endpoint.
func (r *Resolver) ListVolumes(ctx context.Context, endpoint string) ([]xtfs.Volume, error) {
	var set xtfs.VolumeSet
	if err := r.Call(ctx, endpoint, xtfs.ProgramMRC, xtfs.ProcLsVol, &xtfs.LsVolRequest{}, &set); err != nil {
		return nil, err
	}
	return set.Volumes, nil
}

// ResolveVolume looks name up on the MRC at endpoint.
//
// Returns *fault.VolumeNotFound when the MRC does not serve it.
func (r *Resolver) ResolveVolume(ctx context.Context, endpoint, name string) (xtfs.Volume, error) {
	volumes, err := r.ListVolumes(ctx, endpoint)
	if err != nil {
		return xtfs.Volume{}, err
	}
	return findVolume(volumes, name)
}

func findVolume(volumes []xtfs.Volume, name string) (xtfs.Volume, error) {
	set := xtfs.VolumeSet{Volumes: volumes}
	v, ok := set.Find(name)
	if !ok {
		return xtfs.Volume{}, fault.NewVolumeNotFound(name)
	}
	return v, nil
}

// ResolveUUID returns the address registered for uuid, from the cache when
// possible.
//
// Returns:
//   - *fault.AddressToUUIDNotFound if the directory service knows no mapping
//   - *fault.UnknownAddressScheme if no mapping uses a known protocol
//   - the RPC fault if the directory service cannot be asked
func (r *Resolver) ResolveUUID(ctx context.Context, uuid string) (uuidcache.Entry, error) {
	if uuid == "" {
		return uuidcache.Entry{}, fault.NewIO("cannot resolve an empty UUID")
	}

	entry, ok, err := r.cache.Get(ctx, uuid)
	if err != nil {
		logger.Warn("UUID cache lookup for %s failed: %v", uuid, err)
	} else if ok {
		return entry, nil
	}

	ch := r.lookups.DoChan(uuid, func() (any, error) {
		// Detached from the first caller: its cancellation must not fail
		// the others waiting on the same lookup.
		return r.lookup(context.WithoutCancel(ctx), uuid)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return uuidcache.Entry{}, res.Err
		}
		return res.Val.(uuidcache.Entry), nil
	case <-ctx.Done():
		return uuidcache.Entry{}, ctx.Err()
	}
}

func (r *Resolver) lookup(ctx context.Context, uuid string) (uuidcache.Entry, error) {
	logger.Debug("Resolving UUID %s via directory service %s", uuid, r.dirAddress)

	set, err := retry.Do(ctx, r.loop, r.dirAddress, func(ctx context.Context, target string) (xtfs.AddressMappingSet, error) {
		address := target
		if target != r.dirAddress {
			// Another directory replica. Its address comes from the
			// configured directory service, asked once without the cache.
			dir, err := r.fetchEntry(ctx, r.dirAddress, target)
			if err != nil {
				return xtfs.AddressMappingSet{}, err
			}
			address = dir.Address()
		}
		return r.fetchMappings(ctx, address, uuid)
	})
	if err != nil {
		return uuidcache.Entry{}, err
	}

	entry, mapping, err := entryFor(uuid, set)
	if err != nil {
		return uuidcache.Entry{}, err
	}

	ttl := time.Duration(mapping.TTLSeconds) * time.Second
	if err := r.cache.Put(ctx, entry, ttl); err != nil {
		logger.Warn("Cannot cache address of UUID %s: %v", uuid, err)
	}
	return entry, nil
}

func (r *Resolver) fetchMappings(ctx context.Context, address, uuid string) (xtfs.AddressMappingSet, error) {
	var set xtfs.AddressMappingSet
	req := &xtfs.AddressMappingsGetRequest{UUID: uuid}
	if err := r.caller.Call(ctx, address, xtfs.ProgramDIR, xtfs.ProcAddressMappingsGet, req, &set); err != nil {
		return xtfs.AddressMappingSet{}, err
	}
	return set, nil
}

func (r *Resolver) fetchEntry(ctx context.Context, address, uuid string) (uuidcache.Entry, error) {
	set, err := r.fetchMappings(ctx, address, uuid)
	if err != nil {
		return uuidcache.Entry{}, err
	}
	entry, _, err := entryFor(uuid, set)
	return entry, err
}

// entryFor picks the mapping of uuid to use from set.
func entryFor(uuid string, set xtfs.AddressMappingSet) (uuidcache.Entry, xtfs.AddressMapping, error) {
	if len(set.Mappings) == 0 {
		return uuidcache.Entry{}, xtfs.AddressMapping{}, fault.NewAddressToUUIDNotFound(uuid)
	}

	mapping, ok := pickMapping(set.Mappings)
	if !ok {
		return uuidcache.Entry{}, xtfs.AddressMapping{}, fault.NewUnknownAddressScheme(
			fmt.Sprintf("no mapping for UUID %s uses a known protocol (got '%s')", uuid, set.Mappings[0].Protocol))
	}

	entry := uuidcache.Entry{
		UUID:    uuid,
		Scheme:  mapping.Protocol,
		Host:    mapping.Address,
		Port:    mapping.Port,
		Version: mapping.Version,
	}
	return entry, mapping, nil
}

// pickMapping prefers a mapping valid from any network and otherwise takes
// the first one with a known protocol.
func pickMapping(mappings []xtfs.AddressMapping) (xtfs.AddressMapping, bool) {
	var first *xtfs.AddressMapping
	for i := range mappings {
		m := &mappings[i]
		if !IsKnownScheme(m.Protocol) || m.Address == "" {
			continue
		}
		if m.MatchNetwork == "*" {
			return *m, true
		}
		if first == nil {
			first = m
		}
	}
	if first == nil {
		return xtfs.AddressMapping{}, false
	}
	return *first, true
}

// ResolveXLocSet resolves the head OSD of every replica concurrently. The
// first failure wins and cancels the remaining lookups.
func (r *Resolver) ResolveXLocSet(ctx context.Context, xloc xtfs.XLocSet) (map[string]uuidcache.Entry, error) {
	heads := xloc.HeadOSDs()

	var mu sync.Mutex
	resolved := make(map[string]uuidcache.Entry, len(heads))

	g, gctx := errgroup.WithContext(ctx)
	for _, uuid := range heads {
		g.Go(func() error {
			entry, err := r.ResolveUUID(gctx, uuid)
			if err != nil {
				return err
			}
			mu.Lock()
			resolved[uuid] = entry
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return resolved, nil
}

// Forget drops the cached address of uuid so the next ResolveUUID asks the
// directory service again.
func (r *Resolver) Forget(ctx context.Context, uuid string) error {
	return r.cache.Invalidate(ctx, uuid)
}
