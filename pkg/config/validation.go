package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/marmos91/xtfs/internal/protocol/xtfs"
	"github.com/marmos91/xtfs/pkg/resolve"
)

var validate = validator.New()

// Validate checks cfg: first the struct tags, then the rules that span
// fields or need parsing (timeouts, the DIR address, cache options).
//
// It does not normalize anything; ApplyDefaults does that.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules checks what struct tags cannot express.
func validateCustomRules(cfg *Config) error {
	// Request timeout vs. connection timeout, max_reconnect >= 1
	if err := cfg.RPC.Validate(); err != nil {
		return fmt.Errorf("rpc: %w", err)
	}

	u, err := resolve.ParseURL(cfg.DIR.Address, xtfs.DefaultDIRPort)
	if err != nil {
		return fmt.Errorf("dir.address: %w", err)
	}
	if err := resolve.ResolveScheme(u); err != nil {
		return fmt.Errorf("dir.address: %w", err)
	}

	if cfg.UUIDCache.Type == "badger" {
		badgerCfg, err := decodeBadgerConfig(cfg.UUIDCache.Badger)
		if err != nil {
			return fmt.Errorf("uuid_cache.badger: %w", err)
		}
		if badgerCfg.DBPath == "" && !badgerCfg.InMemory {
			return fmt.Errorf("uuid_cache.badger: db_path is required unless in_memory is set")
		}
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Port == 0 {
		return fmt.Errorf("metrics: port is required when metrics are enabled")
	}

	return nil
}

// formatValidationError reports the first failing field by its namespace.
func formatValidationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		e := fieldErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
