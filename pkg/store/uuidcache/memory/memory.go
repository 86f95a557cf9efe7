package memory

import (
	"context"
	"sync"
	"time"

	"github.com/marmos91/xtfs/pkg/metrics"
	"github.com/marmos91/xtfs/pkg/store/uuidcache"
)

const storeName = "memory"

// DefaultMaxEntries is the size the config layer gives a memory cache when
// none is configured.
const DefaultMaxEntries = 4096

// Config configures the in-memory cache.
type Config struct {
	// MaxEntries bounds the cache size. 0 means unbounded. When full, the
	// entry closest to expiry is evicted.
	MaxEntries int `mapstructure:"max_entries"`
}

type item struct {
	entry     uuidcache.Entry
	expiresAt time.Time
}

// Store is an in-memory uuidcache.Store.
//
// Thread Safety:
// Reads take the read lock. Updates replace the whole item under the write
// lock, so readers never observe a partially written entry.
type Store struct {
	mu         sync.RWMutex
	items      map[string]item
	maxEntries int
	metrics    metrics.CacheMetrics
	now        func() time.Time
}

// New creates an empty in-memory cache. A nil m disables metrics.
func New(cfg Config, m metrics.CacheMetrics) *Store {
	if m == nil {
		m = metrics.NewNoopCacheMetrics()
	}
	return &Store{
		items:      make(map[string]item),
		maxEntries: cfg.MaxEntries,
		metrics:    m,
		now:        time.Now,
	}
}

func (s *Store) Get(ctx context.Context, uuid string) (uuidcache.Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return uuidcache.Entry{}, false, err
	}

	s.mu.RLock()
	it, ok := s.items[uuid]
	s.mu.RUnlock()

	if !ok {
		s.metrics.RecordCacheMiss(storeName)
		return uuidcache.Entry{}, false, nil
	}

	if !s.now().Before(it.expiresAt) {
		s.expire(uuid, it.expiresAt)
		s.metrics.RecordCacheMiss(storeName)
		return uuidcache.Entry{}, false, nil
	}

	s.metrics.RecordCacheHit(storeName)
	return it.entry, true, nil
}

// expire removes uuid unless it was refreshed since the caller looked.
func (s *Store) expire(uuid string, seen time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.items[uuid]; ok && cur.expiresAt.Equal(seen) {
		delete(s.items, uuid)
		s.metrics.RecordCacheEviction(storeName)
	}
}

func (s *Store) Put(ctx context.Context, entry uuidcache.Entry, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[entry.UUID]; !exists && s.maxEntries > 0 && len(s.items) >= s.maxEntries {
		s.evictOldestLocked()
	}

	s.items[entry.UUID] = item{
		entry:     entry,
		expiresAt: s.now().Add(uuidcache.EffectiveTTL(ttl)),
	}
	return nil
}

// evictOldestLocked drops the entry that expires first. Caller holds mu.
func (s *Store) evictOldestLocked() {
	var (
		victim string
		oldest time.Time
	)
	for uuid, it := range s.items {
		if victim == "" || it.expiresAt.Before(oldest) {
			victim, oldest = uuid, it.expiresAt
		}
	}
	if victim != "" {
		delete(s.items, victim)
		s.metrics.RecordCacheEviction(storeName)
	}
}

func (s *Store) Invalidate(ctx context.Context, uuid string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.items, uuid)
	s.mu.Unlock()
	return nil
}

// Len returns the number of cached entries, expired or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.items = make(map[string]item)
	s.mu.Unlock()
	return nil
}

var _ uuidcache.Store = (*Store)(nil)
