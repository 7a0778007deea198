package valkey_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/talkmesh/talkmesh-go/internal/platform/cache"
	"github.com/talkmesh/talkmesh-go/internal/platform/cache/valkey"
)

func newTestCache(t *testing.T) (*miniredis.Miniredis, cache.Cache) {
	t.Helper()

	srv := miniredis.RunT(t)

	c, err := valkey.New(&valkey.Settings{
		Addr:              srv.Addr(),
		DefaultTTLSeconds: 60,
		ConnectAttempts:   1,
	}, nil)
	if err != nil {
		t.Fatalf("connect to miniredis: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	return srv, c
}

func TestSetGetDelete(t *testing.T) {
	_, c := newTestCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "room/42", []byte("1337"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := c.Get(ctx, "room/42")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "1337" {
		t.Errorf("got %q, want %q", got, "1337")
	}

	if err := c.Delete(ctx, "room/42"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := c.Get(ctx, "room/42"); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestExpiry(t *testing.T) {
	srv, c := newTestCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), time.Second); err != nil {
		t.Fatalf("set: %v", err)
	}

	srv.FastForward(2 * time.Second)

	if _, err := c.Get(ctx, "k"); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("expected ErrNotFound after TTL elapsed, got %v", err)
	}
}

func TestMissingKey(t *testing.T) {
	_, c := newTestCache(t)

	if _, err := c.Get(context.Background(), "absent"); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
