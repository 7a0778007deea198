// Package memory provides an in-memory cache driver with TTL support.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/talkmesh/talkmesh-go/internal/platform/cache"
	"github.com/talkmesh/talkmesh-go/internal/platform/cfg"
)

func init() {
	cache.RegisterDriver("memory", func(options map[string]any, _ *slog.Logger) (cache.Cache, error) {
		var s Settings
		if err := cfg.Decode(options, &s); err != nil {
			return nil, err
		}
		return New(s.DefaultTTL(), s.CleanupInterval()), nil
	})
}

// Settings holds the memory driver options.
type Settings struct {
	DefaultTTLSeconds      int `mapstructure:"default_ttl_seconds"`
	CleanupIntervalSeconds int `mapstructure:"cleanup_interval_seconds"`
}

func (s *Settings) ApplyDefaults() {
	if s.DefaultTTLSeconds <= 0 {
		s.DefaultTTLSeconds = 900
	}
	if s.CleanupIntervalSeconds <= 0 {
		s.CleanupIntervalSeconds = 300
	}
}

func (s *Settings) DefaultTTL() time.Duration {
	return time.Duration(s.DefaultTTLSeconds) * time.Second
}

func (s *Settings) CleanupInterval() time.Duration {
	return time.Duration(s.CleanupIntervalSeconds) * time.Second
}

type item struct {
	value     []byte
	expiresAt time.Time
}

func (i *item) expired(now time.Time) bool {
	return now.After(i.expiresAt)
}

// Cache is an in-memory TTL cache.
type Cache struct {
	mu         sync.RWMutex
	items      map[string]*item
	defaultTTL time.Duration
	stopClean  chan struct{}
	stopOnce   sync.Once
}

// New creates an in-memory cache. cleanupInterval controls how often expired
// entries are swept (0 disables the sweeper; expired entries still miss on Get).
func New(defaultTTL, cleanupInterval time.Duration) *Cache {
	c := &Cache{
		items:      make(map[string]*item),
		defaultTTL: defaultTTL,
		stopClean:  make(chan struct{}),
	}

	if cleanupInterval > 0 {
		go c.cleanupLoop(cleanupInterval)
	}

	return c
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	it, ok := c.items[key]
	c.mu.RUnlock()

	if !ok || it.expired(time.Now()) {
		return nil, cache.ErrNotFound
	}

	// Copy so callers cannot mutate the stored value.
	out := make([]byte, len(it.value))
	copy(out, it.value)
	return out, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	c.mu.Lock()
	c.items[key] = &item{value: stored, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}

func (c *Cache) Close() error {
	c.stopOnce.Do(func() { close(c.stopClean) })
	return nil
}

func (c *Cache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for k, it := range c.items {
				if it.expired(now) {
					delete(c.items, k)
				}
			}
			c.mu.Unlock()
		case <-c.stopClean:
			return
		}
	}
}
