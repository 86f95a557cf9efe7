package config

import (
	"path/filepath"
	"strings"

	"github.com/marmos91/xtfs/internal/protocol/xtfs"
	"github.com/marmos91/xtfs/pkg/retry"
	"github.com/marmos91/xtfs/pkg/store/uuidcache/memory"
)

// DefaultMetricsPort is the port of the /metrics endpoint when enabled.
const DefaultMetricsPort = 9090

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Store-specific defaults are handled by store implementations
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	cfg.RPC.ApplyDefaults()
	applyRetryDefaults(&cfg.Retry)
	applyDIRDefaults(&cfg.DIR)
	applyUUIDCacheDefaults(&cfg.UUIDCache)
	applyMetricsDefaults(&cfg.Metrics)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		// The CLI prints results on stdout; logs must not mix with them.
		cfg.Output = "stderr"
	}
}

// applyRetryDefaults sets redirect handling defaults.
//
// A zero MaxRedirects is indistinguishable from "not configured", so it
// becomes the default. Disabling redirects altogether is not supported.
func applyRetryDefaults(cfg *retry.Policy) {
	if cfg.MaxRedirects == 0 {
		cfg.MaxRedirects = retry.DefaultMaxRedirects
	}
	// RedirectRate 0 means unpaced; RedirectBurst only matters with a rate.
	if cfg.RedirectRate > 0 && cfg.RedirectBurst == 0 {
		cfg.RedirectBurst = 1
	}
}

// applyDIRDefaults sets the directory service location.
func applyDIRDefaults(cfg *DIRConfig) {
	if cfg.Address == "" {
		cfg.Address = xtfs.SchemeONCRPC + "://localhost:32638"
	}
}

// applyUUIDCacheDefaults sets UUID cache defaults.
func applyUUIDCacheDefaults(cfg *UUIDCacheConfig) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}

	if cfg.Memory == nil {
		cfg.Memory = make(map[string]any)
	}
	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}

	// Apply defaults for all store types (for config file generation)
	if _, ok := cfg.Memory["max_entries"]; !ok {
		cfg.Memory["max_entries"] = memory.DefaultMaxEntries
	}
	if _, ok := cfg.Badger["db_path"]; !ok {
		cfg.Badger["db_path"] = filepath.Join(getConfigDir(), "uuidcache")
	}
}

// applyMetricsDefaults sets metrics defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = DefaultMetricsPort
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		UUIDCache: UUIDCacheConfig{
			Memory: make(map[string]any),
			Badger: make(map[string]any),
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
