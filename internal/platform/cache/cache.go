// Package cache provides TTL-based key-value caching behind named drivers.
// The federation layer uses it for short-lived coordination state, such as
// the highest remote message id seen per federated room.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrNotFound = errors.New("key not found")
)

// Cache provides TTL-based key-value storage.
// Implementations must be safe for concurrent use. The cache is advisory:
// callers degrade gracefully when an entry is missing.
type Cache interface {
	// Get retrieves a value by key. Returns ErrNotFound if not present or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with the given TTL. A zero TTL uses the driver default.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases driver resources.
	Close() error
}

// Factory creates a cache driver from its raw options map.
type Factory func(options map[string]any, logger *slog.Logger) (Cache, error)

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Factory)
)

// RegisterDriver registers a cache driver factory by name.
// Called from init() in driver packages.
func RegisterDriver(name string, factory Factory) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[name] = factory
}

// New creates a cache driver by name.
func New(name string, options map[string]any, logger *slog.Logger) (Cache, error) {
	driversMu.RLock()
	factory, ok := drivers[name]
	driversMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown cache driver: %s", name)
	}

	return factory(options, logger)
}
