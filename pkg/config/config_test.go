package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	// Write minimal config
	configContent := `
logging:
  level: "INFO"

dir:
  address: "dir.example.com"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	// Verify defaults were applied
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Logging.Output != "stderr" {
		t.Errorf("Expected default output 'stderr', got %q", cfg.Logging.Output)
	}
	if cfg.RPC.RequestTimeout != 30*time.Second {
		t.Errorf("Expected default request_timeout 30s, got %v", cfg.RPC.RequestTimeout)
	}
	if cfg.RPC.ConnectionTimeout != 10*time.Minute {
		t.Errorf("Expected default connection_timeout 10m, got %v", cfg.RPC.ConnectionTimeout)
	}
	if cfg.Retry.MaxRedirects != 5 {
		t.Errorf("Expected default max_redirects 5, got %d", cfg.Retry.MaxRedirects)
	}
	if cfg.DIR.Address != "dir.example.com" {
		t.Errorf("Expected dir address from file, got %q", cfg.DIR.Address)
	}
	if cfg.UUIDCache.Type != "memory" {
		t.Errorf("Expected default uuid cache 'memory', got %q", cfg.UUIDCache.Type)
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	// A non-existent explicit path keeps the user's own config out of the test.
	tmpDir := t.TempDir()
	nonExistentPath := filepath.Join(tmpDir, "nonexistent.yaml")

	cfg, err := Load(nonExistentPath)
	if err != nil {
		t.Fatalf("Expected no error with missing config file, got: %v", err)
	}

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected default level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.DIR.Address != "oncrpc://localhost:32638" {
		t.Errorf("Expected default dir address, got %q", cfg.DIR.Address)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	configContent := `
logging:
  level: INFO
  invalid yaml here [[[
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected error with invalid YAML, got nil")
	}
}

func TestLoad_TOML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	configContent := `
[logging]
level = "WARN"
format = "json"

[rpc]
request_timeout = "5s"
connection_timeout = "1m"

[uuid_cache]
type = "badger"

[uuid_cache.badger]
in_memory = true
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load TOML config: %v", err)
	}

	if cfg.Logging.Level != "WARN" {
		t.Errorf("Expected level 'WARN', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Expected format 'json', got %q", cfg.Logging.Format)
	}
	if cfg.RPC.RequestTimeout != 5*time.Second {
		t.Errorf("Expected request_timeout 5s, got %v", cfg.RPC.RequestTimeout)
	}
	if cfg.UUIDCache.Type != "badger" {
		t.Errorf("Expected uuid cache 'badger', got %q", cfg.UUIDCache.Type)
	}
	if cfg.UUIDCache.Badger["in_memory"] != true {
		t.Errorf("Expected badger in_memory true, got %v", cfg.UUIDCache.Badger["in_memory"])
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
logging:
  level: "INFO"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	t.Setenv("XTFS_LOGGING_LEVEL", "debug")
	t.Setenv("XTFS_RETRY_MAX_REDIRECTS", "2")
	t.Setenv("XTFS_DIR_ADDRESS", "oncrpc://dir.env:4000")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Expected env level normalized to 'DEBUG', got %q", cfg.Logging.Level)
	}
	if cfg.Retry.MaxRedirects != 2 {
		t.Errorf("Expected env max_redirects 2, got %d", cfg.Retry.MaxRedirects)
	}
	if cfg.DIR.Address != "oncrpc://dir.env:4000" {
		t.Errorf("Expected env dir address, got %q", cfg.DIR.Address)
	}
}

func TestLoad_InvalidTimeouts(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
rpc:
  request_timeout: 10s
  connection_timeout: 10s
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected error when request_timeout is not below connection_timeout")
	}
}

func TestGetConfigDir_XDG(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmpDir)

	if got := GetConfigDir(); got != filepath.Join(tmpDir, "xtfs") {
		t.Errorf("Expected config dir under XDG_CONFIG_HOME, got %q", got)
	}
	if got := GetDefaultConfigPath(); got != filepath.Join(tmpDir, "xtfs", "config.yaml") {
		t.Errorf("Unexpected default config path %q", got)
	}
	if ConfigExists() {
		t.Error("Expected no config file in a fresh directory")
	}
}
