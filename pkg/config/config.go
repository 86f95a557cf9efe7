package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/marmos91/xtfs/pkg/retry"
	"github.com/marmos91/xtfs/pkg/rpc"
	"github.com/spf13/viper"
)

// Config represents the complete xtfs client configuration.
//
// This structure captures all configurable aspects of the client:
//   - Logging configuration
//   - RPC transport timeouts and limits
//   - Redirect handling
//   - Directory service location
//   - UUID cache selection and configuration (store-specific)
//   - Metrics exposure
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (XTFS_*)
//  3. Configuration file (YAML or TOML)
//  4. Default values (lowest priority)
//
// Store Configuration Pattern:
// Each cache implementation defines its own configuration type. The
// UUIDCache section contains type-specific maps (uuid_cache.memory,
// uuid_cache.badger) and only the one matching the selected type is used.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// RPC configures the connection to every xtfs service.
	// Uses the rpc.ClientConfig type directly to avoid duplication.
	RPC rpc.ClientConfig `mapstructure:"rpc"`

	// Retry bounds how replica redirects are followed.
	Retry retry.Policy `mapstructure:"retry"`

	// DIR locates the directory service
	DIR DIRConfig `mapstructure:"dir"`

	// UUIDCache specifies the UUID cache type and type-specific configuration
	UUIDCache UUIDCacheConfig `mapstructure:"uuid_cache"`

	// Metrics controls the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format is "text" or "json"
	Format string `mapstructure:"format" validate:"required,oneof=text json"`

	// Output is "stdout", "stderr" or a file path (appended to)
	Output string `mapstructure:"output" validate:"required"`
}

// DIRConfig locates the directory service.
type DIRConfig struct {
	// Address is [oncrpc://]host[:port] of the directory service.
	// The port defaults to 32638.
	Address string `mapstructure:"address" validate:"required"`
}

// UUIDCacheConfig selects the UUID→address cache.
//
// Type picks the implementation; of the two option maps only the one named
// by Type is decoded (see CreateUUIDCache).
type UUIDCacheConfig struct {
	// Type is "memory" (per process) or "badger" (persisted across runs)
	Type string `mapstructure:"type" validate:"required,oneof=memory badger"`

	// Memory holds memory.Config options, e.g. max_entries
	Memory map[string]any `mapstructure:"memory"`

	// Badger holds badger.Config options, e.g. db_path
	Badger map[string]any `mapstructure:"badger"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled turns metrics collection and the HTTP endpoint on
	Enabled bool `mapstructure:"enabled"`

	// Port is the HTTP port serving /metrics
	Port int `mapstructure:"port" validate:"min=0,max=65535"`
}

// envKeys lists the leaf keys that can be overridden from the environment.
// Viper only maps environment variables onto keys it already knows about,
// so keys absent from the config file must be bound explicitly.
var envKeys = []string{
	"logging.level",
	"logging.format",
	"logging.output",
	"rpc.connect_timeout",
	"rpc.request_timeout",
	"rpc.connection_timeout",
	"rpc.max_reconnect",
	"rpc.max_record_size",
	"retry.max_redirects",
	"retry.redirect_rate",
	"retry.redirect_burst",
	"dir.address",
	"uuid_cache.type",
	"metrics.enabled",
	"metrics.port",
}

// Load reads configPath (or the default location when empty), overlays
// XTFS_* environment variables, fills in defaults and validates the result.
//
// A missing config file is not an error: the defaults describe a client
// talking to a directory service on localhost.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper wires the environment and file sources into v.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use XTFS_ prefix and underscores
	// Example: XTFS_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("XTFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/xtfs/config.{yaml,toml}
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the config file, tolerating its absence.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		// An explicit path that does not exist is also acceptable.
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns $XDG_CONFIG_HOME/xtfs, ~/.config/xtfs, or "." when
// no home directory is known.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "xtfs")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "xtfs")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists reports whether GetDefaultConfigPath names an existing file.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir exposes getConfigDir for commands that print it.
func GetConfigDir() string {
	return getConfigDir()
}
