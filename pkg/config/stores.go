package config

import (
	"context"
	"fmt"

	"github.com/marmos91/xtfs/internal/logger"
	"github.com/marmos91/xtfs/pkg/metrics"
	"github.com/marmos91/xtfs/pkg/store/uuidcache"
	cachebadger "github.com/marmos91/xtfs/pkg/store/uuidcache/badger"
	cachememory "github.com/marmos91/xtfs/pkg/store/uuidcache/memory"
	"github.com/mitchellh/mapstructure"
)

// CreateUUIDCache creates the UUID cache selected by cfg.Type.
//
// The type-specific map is decoded into the store's own Config struct and
// passed to its constructor.
//
// Supported types:
//   - "memory": pkg/store/uuidcache/memory (per-process, lost on exit)
//   - "badger": pkg/store/uuidcache/badger (persistent, shared by runs)
//
// A nil m disables cache metrics.
func CreateUUIDCache(ctx context.Context, cfg *UUIDCacheConfig, m metrics.CacheMetrics) (uuidcache.Store, error) {
	switch cfg.Type {
	case "memory":
		return createMemoryUUIDCache(cfg.Memory, m)
	case "badger":
		return createBadgerUUIDCache(ctx, cfg.Badger, m)
	default:
		return nil, fmt.Errorf("unknown uuid cache type: %q", cfg.Type)
	}
}

func createMemoryUUIDCache(options map[string]any, m metrics.CacheMetrics) (uuidcache.Store, error) {
	var storeCfg cachememory.Config
	if err := mapstructure.Decode(options, &storeCfg); err != nil {
		return nil, fmt.Errorf("failed to decode memory uuid cache config: %w", err)
	}
	if storeCfg.MaxEntries < 0 {
		return nil, fmt.Errorf("memory uuid cache: max_entries must be >= 0")
	}

	logger.Debug("Using in-memory UUID cache (max_entries=%d)", storeCfg.MaxEntries)
	return cachememory.New(storeCfg, m), nil
}

func createBadgerUUIDCache(ctx context.Context, options map[string]any, m metrics.CacheMetrics) (uuidcache.Store, error) {
	storeCfg, err := decodeBadgerConfig(options)
	if err != nil {
		return nil, err
	}

	store, err := cachebadger.New(ctx, storeCfg, m)
	if err != nil {
		return nil, fmt.Errorf("failed to create badger uuid cache: %w", err)
	}

	logger.Debug("Using BadgerDB UUID cache at %s", storeCfg.DBPath)
	return store, nil
}

func decodeBadgerConfig(options map[string]any) (cachebadger.Config, error) {
	var storeCfg cachebadger.Config
	if err := mapstructure.Decode(options, &storeCfg); err != nil {
		return storeCfg, fmt.Errorf("failed to decode badger uuid cache config: %w", err)
	}
	return storeCfg, nil
}
