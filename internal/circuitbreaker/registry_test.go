package circuitbreaker

import (
	"testing"
	"time"
)

func TestRegistry_GetOrCreate(t *testing.T) {
	t.Parallel()

	r := NewRegistry(DefaultConfig(), nil)

	b1 := r.GetOrCreate("service-a")
	if b1 == nil {
		t.Fatal("GetOrCreate returned nil")
	}

	b2 := r.GetOrCreate("service-a")
	if b1 != b2 {
		t.Fatal("GetOrCreate returned different instance")
	}

	b3 := r.GetOrCreate("service-b")
	if b1 == b3 {
		t.Fatal("different services should get different breakers")
	}
}

func TestRegistry_Get(t *testing.T) {
	t.Parallel()

	r := NewRegistry(DefaultConfig(), nil)

	if b := r.Get("unknown"); b != nil {
		t.Fatal("Get should return nil for unknown service")
	}

	r.GetOrCreate("known")
	if b := r.Get("known"); b == nil {
		t.Fatal("Get should return breaker after GetOrCreate")
	}
}

func TestRegistry_All(t *testing.T) {
	t.Parallel()

	r := NewRegistry(DefaultConfig(), nil)
	r.GetOrCreate("a")
	r.GetOrCreate("b")

	all := r.All()
	if len(all) != 2 {
		t.Fatalf("len(All()) = %d, want 2", len(all))
	}
}

func TestRegistry_EvictStale(t *testing.T) {
	t.Parallel()

	r := NewRegistry(DefaultConfig(), nil)
	r.GetOrCreate("active")
	r.GetOrCreate("stale")

	r.Get("active").Allow()

	cutoff := time.Now().Add(1 * time.Hour)
	evicted := r.EvictStale(cutoff)
	if evicted != 2 {
		t.Fatalf("evicted = %d, want 2", evicted)
	}

	if b := r.Get("active"); b != nil {
		t.Fatal("active should be evicted (cutoff is in future)")
	}
}

func TestRegistry_EvictStale_KeepsFresh(t *testing.T) {
	t.Parallel()

	r := NewRegistry(DefaultConfig(), nil)
	r.GetOrCreate("fresh")

	cutoff := time.Now().Add(-1 * time.Hour)
	evicted := r.EvictStale(cutoff)
	if evicted != 0 {
		t.Fatalf("evicted = %d, want 0", evicted)
	}

	if b := r.Get("fresh"); b == nil {
		t.Fatal("fresh breaker should still exist")
	}
}
