package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/BurntSushi/toml"
)

// LoaderOptions controls how configuration is loaded.
type LoaderOptions struct {
	// ConfigPath is the path to a TOML config file (optional).
	// If set but the file is missing or invalid, loading fails.
	ConfigPath string

	// FlagOverrides are CLI flag values that override file values.
	FlagOverrides FlagOverrides

	// Logger is used for warnings (e.g. unknown keys). Nil uses slog.Default().
	Logger *slog.Logger
}

// FlagOverrides holds CLI flag values. Nil or empty values leave the file
// value in place.
type FlagOverrides struct {
	ListenAddr   *string
	PublicOrigin *string
	StoreDriver  *string
	CacheDriver  *string
	LogLevel     *string
}

// Load builds the effective configuration with precedence:
// defaults -> TOML file -> CLI flags.
func Load(opts LoaderOptions) (*Config, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg := DefaultConfig()

	if opts.ConfigPath != "" {
		data, err := os.ReadFile(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", opts.ConfigPath, err)
		}

		meta, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", opts.ConfigPath, err)
		}

		for _, key := range meta.Undecoded() {
			logger.Warn("unknown config key ignored", "key", key.String())
		}
	}

	applyOverride(&cfg.ListenAddr, opts.FlagOverrides.ListenAddr)
	applyOverride(&cfg.PublicOrigin, opts.FlagOverrides.PublicOrigin)
	applyOverride(&cfg.Store.Driver, opts.FlagOverrides.StoreDriver)
	applyOverride(&cfg.Cache.Driver, opts.FlagOverrides.CacheDriver)
	applyOverride(&cfg.Logging.Level, opts.FlagOverrides.LogLevel)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyOverride(dst *string, src *string) {
	if src != nil && *src != "" {
		*dst = *src
	}
}
