package router

import (
	"context"
	"testing"
	"time"

	"oss.nandlabs.io/dispatch/clock"
	"oss.nandlabs.io/dispatch/owner"
)

func TestRouterDiscoversAndRoutes(t *testing.T) {
	ctx := context.Background()
	disc := StaticDiscovery{Stores: []StoreConfig{
		{Key: "tenant-a", ConnectionString: ":memory:"},
		{Key: "tenant-b", ConnectionString: ":memory:"},
	}}
	r := New(disc, owner.MustNew(), clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	t.Cleanup(func() { _ = r.Stop() })

	if err := r.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	keys := r.Keys()
	if len(keys) != 2 {
		t.Fatalf("expected 2 stores, got %d: %v", len(keys), keys)
	}

	if _, err := r.GetOutbox("tenant-a"); err != nil {
		t.Fatalf("get outbox for tenant-a: %v", err)
	}
	if _, err := r.GetOutbox("nonexistent"); err == nil {
		t.Fatalf("expected error for unknown store key")
	}

	if _, err := r.Outbox(); err != ErrAmbiguousStore {
		t.Fatalf("expected ErrAmbiguousStore with two stores configured, got %v", err)
	}
}

func TestRouterRoundRobinVisitsEachStore(t *testing.T) {
	ctx := context.Background()
	disc := StaticDiscovery{Stores: []StoreConfig{
		{Key: "a", ConnectionString: ":memory:"},
		{Key: "b", ConnectionString: ":memory:"},
		{Key: "c", ConnectionString: ":memory:"},
	}}
	r := New(disc, owner.MustNew(), clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	t.Cleanup(func() { _ = r.Stop() })
	if err := r.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	seen := map[string]int{}
	for i := 0; i < 6; i++ {
		key, ok := r.Next()
		if !ok {
			t.Fatalf("expected a key at iteration %d", i)
		}
		seen[key]++
	}
	for _, key := range []string{"a", "b", "c"} {
		if seen[key] != 2 {
			t.Fatalf("expected store %q visited exactly twice over two laps, got %d", key, seen[key])
		}
	}
}

func TestRouterSingleStoreConvenience(t *testing.T) {
	ctx := context.Background()
	disc := StaticDiscovery{Stores: []StoreConfig{{Key: "only", ConnectionString: ":memory:"}}}
	r := New(disc, owner.MustNew(), clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	t.Cleanup(func() { _ = r.Stop() })
	if err := r.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if _, err := r.Outbox(); err != nil {
		t.Fatalf("expected the single store convenience path to succeed: %v", err)
	}
}

func TestRouterRefreshDropsRemovedStore(t *testing.T) {
	ctx := context.Background()
	stores := []StoreConfig{
		{Key: "a", ConnectionString: ":memory:"},
		{Key: "b", ConnectionString: ":memory:"},
	}
	disc := &mutableDiscovery{stores: stores}
	r := New(disc, owner.MustNew(), clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	t.Cleanup(func() { _ = r.Stop() })
	if err := r.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	disc.stores = stores[:1]
	if err := r.Refresh(ctx); err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if _, err := r.GetOutbox("b"); err == nil {
		t.Fatalf("expected store b to be dropped after refresh")
	}
	if len(r.Keys()) != 1 {
		t.Fatalf("expected exactly one store remaining, got %v", r.Keys())
	}
}

type mutableDiscovery struct {
	stores []StoreConfig
}

func (d *mutableDiscovery) Discover(ctx context.Context) ([]StoreConfig, error) {
	return d.stores, nil
}
