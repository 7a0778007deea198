// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Config holds the server configuration.
type Config struct {
	// ListenAddr is the address the HTTP server binds to, e.g. ":9500".
	ListenAddr string `toml:"listen_addr"`

	// PublicOrigin is the public origin (scheme + host + optional port) under
	// which federation peers reach this instance, e.g. "https://talk.example.org".
	// It is also this server's identity in outbound notification payloads.
	PublicOrigin string `toml:"public_origin"`

	// ExternalBasePath is an optional path prefix for all app endpoints.
	ExternalBasePath string `toml:"external_base_path"`

	Logging    LoggingConfig    `toml:"logging"`
	TLS        TLSConfig        `toml:"tls"`
	Store      StoreConfig      `toml:"store"`
	Cache      CacheConfig      `toml:"cache"`
	Federation FederationConfig `toml:"federation"`
	Outbound   OutboundConfig   `toml:"outbound_http"`
	Users      []BootstrapUser  `toml:"users"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is one of: debug, info, warn, error.
	Level string `toml:"level"`
}

// TLSConfig holds TLS settings for the listener.
// TLS is usually terminated by the conversation host in front of this
// service; static mode exists for standalone deployments.
type TLSConfig struct {
	// Mode is one of: off, static.
	Mode     string `toml:"mode"`
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
}

// StoreConfig selects and configures the persistence driver.
type StoreConfig struct {
	// Driver is one of: memory, sqlite.
	Driver string `toml:"driver"`

	// DataDir is the directory for data files (sqlite database).
	DataDir string `toml:"data_dir"`
}

// CacheConfig selects and configures the cache driver.
type CacheConfig struct {
	// Driver is one of: memory, valkey.
	Driver string `toml:"driver"`

	// Options are driver-specific settings, decoded by the driver.
	Options map[string]any `toml:"options"`
}

// FederationConfig holds the federation feature flags and policy knobs.
type FederationConfig struct {
	// Enabled gates all federation processing, inbound and outbound.
	Enabled bool `toml:"enabled"`

	// IncomingEnabled gates acceptance of shares and notifications from peers.
	IncomingEnabled bool `toml:"incoming_enabled"`

	// OutgoingEnabled gates inviting remote users and sending notifications.
	OutgoingEnabled bool `toml:"outgoing_enabled"`

	// OnlyTrustedServers restricts outgoing invites to TrustedServers.
	OnlyTrustedServers bool `toml:"only_trusted_servers"`

	// TrustedServers is the host[:port] allowlist for OnlyTrustedServers mode.
	TrustedServers []string `toml:"trusted_servers"`

	// MaxDeliveryAttempts caps how often a failed notification is retried
	// before it is dropped.
	MaxDeliveryAttempts int `toml:"max_delivery_attempts"`

	// RetrySweepSeconds is the interval of the background retry sweep.
	RetrySweepSeconds int `toml:"retry_sweep_seconds"`
}

// OutboundConfig holds settings for outbound HTTP requests to peers.
type OutboundConfig struct {
	// TimeoutMS is the overall request timeout in milliseconds.
	TimeoutMS int `toml:"timeout_ms"`

	// MaxResponseBytes caps the response body size read from peers.
	MaxResponseBytes int64 `toml:"max_response_bytes"`

	// InsecureSkipVerify disables TLS verification (dev-only).
	InsecureSkipVerify bool `toml:"insecure_skip_verify"`
}

// BootstrapUser describes a local user created at startup if absent.
type BootstrapUser struct {
	Username          string `toml:"username"`
	Password          string `toml:"password"`
	DisplayName       string `toml:"display_name"`
	FederationEnabled bool   `toml:"federation_enabled"`
}

// DefaultConfig returns a Config with sensible defaults for local development.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:       ":9500",
		PublicOrigin:     "https://localhost:9500",
		ExternalBasePath: "",
		Logging:          LoggingConfig{Level: "info"},
		TLS:              TLSConfig{Mode: "off"},
		Store:            StoreConfig{Driver: "sqlite", DataDir: "./data"},
		Cache:            CacheConfig{Driver: "memory"},
		Federation: FederationConfig{
			Enabled:             true,
			IncomingEnabled:     true,
			OutgoingEnabled:     true,
			MaxDeliveryAttempts: 20,
			RetrySweepSeconds:   300,
		},
		Outbound: OutboundConfig{
			TimeoutMS:        10000,
			MaxResponseBytes: 1 << 20,
		},
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}

	u, err := url.Parse(c.PublicOrigin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("public_origin %q must be an absolute URL", c.PublicOrigin)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("public_origin scheme must be http or https, got %q", u.Scheme)
	}

	if c.ExternalBasePath != "" && !strings.HasPrefix(c.ExternalBasePath, "/") {
		return fmt.Errorf("external_base_path must start with '/'")
	}

	switch c.TLS.Mode {
	case "", "off":
	case "static":
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls mode static requires cert_file and key_file")
		}
	default:
		return fmt.Errorf("invalid tls mode %q: must be off or static", c.TLS.Mode)
	}

	if c.Federation.MaxDeliveryAttempts <= 0 {
		return fmt.Errorf("federation.max_delivery_attempts must be positive")
	}
	if c.Federation.RetrySweepSeconds <= 0 {
		return fmt.Errorf("federation.retry_sweep_seconds must be positive")
	}

	return nil
}

// PublicScheme returns the scheme of PublicOrigin, or "https" when unparsable.
func (c *Config) PublicScheme() string {
	if u, err := url.Parse(c.PublicOrigin); err == nil && u.Scheme != "" {
		return u.Scheme
	}
	return "https"
}

// Redacted returns a copy safe for logging: bootstrap passwords and cache
// credentials are masked.
func (c *Config) Redacted() Config {
	out := *c

	out.Users = make([]BootstrapUser, len(c.Users))
	for i, u := range c.Users {
		u.Password = "***"
		out.Users[i] = u
	}

	if c.Cache.Options != nil {
		opts := make(map[string]any, len(c.Cache.Options))
		for k, v := range c.Cache.Options {
			if k == "password" {
				opts[k] = "***"
				continue
			}
			opts[k] = v
		}
		out.Cache.Options = opts
	}

	return out
}
