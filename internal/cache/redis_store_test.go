package cache

import (
	"bytes"
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) *RedisStore {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRedisStoreRoundTrip(t *testing.T) {
	store := setupTestRedis(t)
	ctx := context.Background()
	key := Key{OrganizationID: "org-a", ContentID: "ct-1"}

	if _, ok, err := store.Get(ctx, key); err != nil || ok {
		t.Fatalf("expected clean miss, got ok=%v err=%v", ok, err)
	}

	payload := []byte(`{"content":{"id":"ct-1"},"version":{"version":3}}`)
	if err := store.Set(ctx, key, payload); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, ok, err := store.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("cached payload differs: %s", got)
	}
}

func TestRedisStoreInvalidate(t *testing.T) {
	store := setupTestRedis(t)
	ctx := context.Background()
	key := Key{OrganizationID: "org-a", ContentID: "ct-1"}

	_ = store.Set(ctx, key, []byte("payload"))
	if err := store.Invalidate(ctx, key); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if _, ok, _ := store.Get(ctx, key); ok {
		t.Error("invalidated entry still present")
	}
}

func TestRedisStorePing(t *testing.T) {
	store := setupTestRedis(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}
