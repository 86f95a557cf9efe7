// Package badger implements a persistent UUID cache on BadgerDB.
//
// Key Namespace:
//
//	Prefix   Key Format    Value
//	"u:"     u:<uuid>      XDR-encoded entry, expires with the mapping TTL
//
// Expiry is delegated to Badger's per-entry TTL, so an expired mapping is
// invisible to readers without any sweeping on our side.
package badger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/marmos91/xtfs/pkg/metrics"
	"github.com/marmos91/xtfs/pkg/store/uuidcache"
	xdr "github.com/rasky/go-xdr/xdr2"
)

const (
	storeName = "badger"
	keyPrefix = "u:"
)

// Config configures the BadgerDB cache.
type Config struct {
	// DBPath is the directory holding the database files. Required unless
	// InMemory is set.
	DBPath string `mapstructure:"db_path"`

	// InMemory keeps the database in memory only. Mostly useful in tests.
	InMemory bool `mapstructure:"in_memory"`
}

// record is the stored form of an entry.
type record struct {
	UUID    string
	Scheme  string
	Host    string
	Port    uint32
	Version uint64
}

// Store is a BadgerDB-backed uuidcache.Store.
//
// Thread Safety:
// BadgerDB transactions are isolated; every Put is a single Update
// transaction, so a concurrent Get sees either the old or the new entry.
type Store struct {
	db      *badger.DB
	metrics metrics.CacheMetrics
}

// New opens (or creates) the cache database. A nil m disables metrics.
func New(ctx context.Context, cfg Config, m metrics.CacheMetrics) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.DBPath == "" {
			return nil, fmt.Errorf("badger uuid cache: db_path is required")
		}
		opts = badger.DefaultOptions(cfg.DBPath)
	}
	opts = opts.WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", cfg.DBPath, err)
	}

	if m == nil {
		m = metrics.NewNoopCacheMetrics()
	}
	return &Store{db: db, metrics: m}, nil
}

func keyFor(uuid string) []byte {
	return []byte(keyPrefix + uuid)
}

func encodeEntry(e uuidcache.Entry) ([]byte, error) {
	var buf bytes.Buffer
	rec := record{UUID: e.UUID, Scheme: e.Scheme, Host: e.Host, Port: e.Port, Version: e.Version}
	if _, err := xdr.Marshal(&buf, &rec); err != nil {
		return nil, fmt.Errorf("failed to encode cache entry: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeEntry(data []byte) (uuidcache.Entry, error) {
	var rec record
	if _, err := xdr.Unmarshal(bytes.NewReader(data), &rec); err != nil {
		return uuidcache.Entry{}, fmt.Errorf("failed to decode cache entry: %w", err)
	}
	return uuidcache.Entry{UUID: rec.UUID, Scheme: rec.Scheme, Host: rec.Host, Port: rec.Port, Version: rec.Version}, nil
}

func (s *Store) Get(ctx context.Context, uuid string) (uuidcache.Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return uuidcache.Entry{}, false, err
	}

	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyFor(uuid))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		s.metrics.RecordCacheMiss(storeName)
		return uuidcache.Entry{}, false, nil
	}
	if err != nil {
		return uuidcache.Entry{}, false, fmt.Errorf("uuid cache lookup: %w", err)
	}

	entry, err := decodeEntry(data)
	if err != nil {
		return uuidcache.Entry{}, false, err
	}
	s.metrics.RecordCacheHit(storeName)
	return entry, true, nil
}

func (s *Store) Put(ctx context.Context, entry uuidcache.Entry, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := encodeEntry(entry)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(keyFor(entry.UUID), data).WithTTL(uuidcache.EffectiveTTL(ttl))
		return txn.SetEntry(e)
	})
}

func (s *Store) Invalidate(ctx context.Context, uuid string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(keyFor(uuid))
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}

var _ uuidcache.Store = (*Store)(nil)
