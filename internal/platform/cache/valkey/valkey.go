// Package valkey provides a Valkey/Redis cache driver.
// It lets several application servers behind one load balancer share the
// federation coordination entries (see cache package doc).
package valkey

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/talkmesh/talkmesh-go/internal/platform/cache"
	"github.com/talkmesh/talkmesh-go/internal/platform/cfg"
	"github.com/talkmesh/talkmesh-go/internal/platform/logutil"
)

func init() {
	cache.RegisterDriver("valkey", func(options map[string]any, logger *slog.Logger) (cache.Cache, error) {
		var s Settings
		if err := cfg.Decode(options, &s); err != nil {
			return nil, err
		}
		return New(&s, logger)
	})
}

// Settings holds the valkey driver options.
type Settings struct {
	Addr              string `mapstructure:"addr"`
	Password          string `mapstructure:"password"`
	DB                int    `mapstructure:"db"`
	DefaultTTLSeconds int    `mapstructure:"default_ttl_seconds"`
	ConnectAttempts   int    `mapstructure:"connect_attempts"`
}

func (s *Settings) ApplyDefaults() {
	if s.Addr == "" {
		s.Addr = "localhost:6379"
	}
	if s.DefaultTTLSeconds <= 0 {
		s.DefaultTTLSeconds = 900
	}
	if s.ConnectAttempts <= 0 {
		s.ConnectAttempts = 5
	}
}

// Cache is a Valkey-backed cache.
type Cache struct {
	client     valkeygo.Client
	defaultTTL time.Duration
	logger     *slog.Logger
}

// New connects to the configured Valkey server. The initial connection is
// retried with exponential backoff so that the server and its cache can be
// started in any order.
func New(s *Settings, logger *slog.Logger) (*Cache, error) {
	logger = logutil.NoopIfNil(logger)

	opt := valkeygo.ClientOption{
		InitAddress:  []string{s.Addr},
		Password:     s.Password,
		SelectDB:     s.DB,
		DisableCache: true,
	}

	client, err := backoff.Retry(context.Background(), func() (valkeygo.Client, error) {
		c, err := valkeygo.NewClient(opt)
		if err != nil {
			logger.Warn("valkey connection failed, retrying", "addr", s.Addr, "error", err)
			return nil, err
		}
		return c, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(uint(s.ConnectAttempts)))
	if err != nil {
		return nil, err
	}

	logger.Info("valkey cache connected", "addr", s.Addr, "db", s.DB)

	return &Cache{
		client:     client,
		defaultTTL: time.Duration(s.DefaultTTLSeconds) * time.Second,
		logger:     logger,
	}, nil
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	resp := c.client.Do(ctx, c.client.B().Get().Key(key).Build())
	b, err := resp.AsBytes()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			return nil, cache.ErrNotFound
		}
		return nil, err
	}
	return b, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	cmd := c.client.B().Set().Key(key).Value(valkeygo.BinaryString(value)).Ex(ttl).Build()
	return c.client.Do(ctx, cmd).Error()
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.client.Do(ctx, c.client.B().Del().Key(key).Build()).Error()
}

func (c *Cache) Close() error {
	c.client.Close()
	return nil
}
