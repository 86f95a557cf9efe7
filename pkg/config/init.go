package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// InitConfig writes a commented default configuration file to the default
// location and returns its path.
//
// Fails with an "already exists" error unless force is set.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes a commented default configuration file to path,
// creating parent directories as needed.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content, err := generateYAMLWithComments(GetDefaultConfig())
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// generateYAMLWithComments renders cfg as YAML with a comment above every
// section. Durations are written in their human form ("30s"), which viper
// decodes back into time.Duration.
func generateYAMLWithComments(cfg *Config) (string, error) {
	var b strings.Builder

	b.WriteString("# xtfs Client Configuration File\n")
	b.WriteString("#\n")
	b.WriteString("# Every value can be overridden with an XTFS_<SECTION>_<KEY> environment\n")
	b.WriteString("# variable, e.g. XTFS_LOGGING_LEVEL=DEBUG.\n\n")

	b.WriteString("# Logging: level is DEBUG, INFO, WARN or ERROR; format is text or json;\n")
	b.WriteString("# output is stdout, stderr or a file path.\n")
	b.WriteString("logging:\n")
	fmt.Fprintf(&b, "  level: %q\n", cfg.Logging.Level)
	fmt.Fprintf(&b, "  format: %q\n", cfg.Logging.Format)
	fmt.Fprintf(&b, "  output: %q\n\n", cfg.Logging.Output)

	b.WriteString("# RPC transport. request_timeout must be smaller than\n")
	b.WriteString("# connection_timeout minus 500ms.\n")
	b.WriteString("rpc:\n")
	fmt.Fprintf(&b, "  connect_timeout: %s\n", cfg.RPC.ConnectTimeout)
	fmt.Fprintf(&b, "  request_timeout: %s\n", cfg.RPC.RequestTimeout)
	fmt.Fprintf(&b, "  connection_timeout: %s\n", cfg.RPC.ConnectionTimeout)
	fmt.Fprintf(&b, "  max_reconnect: %d\n", cfg.RPC.MaxReconnect)
	fmt.Fprintf(&b, "  max_record_size: %d\n\n", cfg.RPC.MaxRecordSize)

	b.WriteString("# Replica redirects. redirect_rate 0 resubmits without pacing.\n")
	b.WriteString("retry:\n")
	fmt.Fprintf(&b, "  max_redirects: %d\n", cfg.Retry.MaxRedirects)
	fmt.Fprintf(&b, "  redirect_rate: %d\n", cfg.Retry.RedirectRate)
	fmt.Fprintf(&b, "  redirect_burst: %d\n\n", cfg.Retry.RedirectBurst)

	b.WriteString("# Directory service: [oncrpc://]host[:port]\n")
	b.WriteString("dir:\n")
	fmt.Fprintf(&b, "  address: %q\n\n", cfg.DIR.Address)

	b.WriteString("# UUID to address cache: memory or badger. Only the section matching\n")
	b.WriteString("# the type is used.\n")
	b.WriteString("uuid_cache:\n")
	fmt.Fprintf(&b, "  type: %q\n", cfg.UUIDCache.Type)
	if err := writeSection(&b, "memory", cfg.UUIDCache.Memory); err != nil {
		return "", err
	}
	if err := writeSection(&b, "badger", cfg.UUIDCache.Badger); err != nil {
		return "", err
	}
	b.WriteString("\n")

	b.WriteString("# Prometheus metrics served at http://localhost:<port>/metrics\n")
	b.WriteString("metrics:\n")
	fmt.Fprintf(&b, "  enabled: %t\n", cfg.Metrics.Enabled)
	fmt.Fprintf(&b, "  port: %d\n", cfg.Metrics.Port)

	return b.String(), nil
}

// writeSection marshals a store-specific map as a nested block.
func writeSection(b *strings.Builder, name string, values map[string]any) error {
	if len(values) == 0 {
		fmt.Fprintf(b, "  %s: {}\n", name)
		return nil
	}

	out, err := yaml.Marshal(map[string]any{name: values})
	if err != nil {
		return fmt.Errorf("failed to marshal %s section: %w", name, err)
	}
	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		b.WriteString("  " + line + "\n")
	}
	return nil
}
