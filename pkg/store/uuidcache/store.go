// Package uuidcache defines the UUID to address cache used by the resolver.
//
// Every server in an xtfs installation is known by a UUID. The directory
// service maps UUIDs to network addresses; the client caches those mappings
// for the TTL the directory service hands out. A cache is owned by exactly
// one client and passed explicitly to the resolver, so clients in the same
// process never share entries.
//
// Implementations:
//   - memory: RWMutex-guarded map of immutable entries
//   - badger: persistent, survives restarts, one transaction per update
package uuidcache

import (
	"context"
	"net"
	"strconv"
	"time"
)

// DefaultTTL applies when a mapping carries no TTL of its own.
const DefaultTTL = 10 * time.Minute

// Entry is one resolved UUID. Entries are values; a store replaces whole
// entries and never mutates one in place.
type Entry struct {
	UUID    string
	Scheme  string
	Host    string
	Port    uint32
	Version uint64
}

// Address returns host:port.
func (e Entry) Address() string {
	return net.JoinHostPort(e.Host, strconv.FormatUint(uint64(e.Port), 10))
}

// Store caches resolved UUIDs.
//
// Thread safety:
// Implementations must allow concurrent Get calls and make Put atomic per
// entry: a reader observes either the old or the new entry, never a mix.
type Store interface {
	// Get returns the entry for uuid. The boolean is false on a miss or when
	// the entry has expired.
	Get(ctx context.Context, uuid string) (Entry, bool, error)

	// Put stores entry for ttl. A ttl <= 0 means DefaultTTL.
	Put(ctx context.Context, entry Entry, ttl time.Duration) error

	// Invalidate drops the entry for uuid, if any.
	Invalidate(ctx context.Context, uuid string) error

	// Close releases resources held by the store.
	Close() error
}

// EffectiveTTL normalizes a caller supplied TTL.
func EffectiveTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}
