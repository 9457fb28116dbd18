package circuitbreaker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/portcullis-gw/portcullis/internal/store"
)

func newTestStore(t *testing.T) *store.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	c, err := store.New(context.Background(), store.Options{Addr: mr.Addr(), Namespace: "cb"})
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestBreaker_SyncsOpenStateToStore(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	cfg := Config{FailureThreshold: 2, SuccessThreshold: 1, RecoveryTimeout: 30 * time.Second, HalfOpenProbeBudget: 1}
	b := NewBreaker("orders", cfg, s)

	b.RecordError()
	b.RecordError()
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	rec, ok, err := s.GetCircuitRecord(context.Background(), "orders")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected a circuit record to have been written to the store")
	}
	if rec.State != StateOpen.storeName() {
		t.Errorf("stored state = %q, want %q", rec.State, StateOpen.storeName())
	}
}

func TestBreaker_HydratesFromExistingStoreRecord(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.CASCircuitRecord(ctx, "payments", "closed", "open", time.Now().Unix(), 5, 0, 0); err != nil {
		t.Fatal(err)
	}

	b := NewBreaker("payments", DefaultConfig(), s)
	if b.State() != StateOpen {
		t.Errorf("state = %v, want open (hydrated from the existing store record)", b.State())
	}
}

func TestBreaker_ResetClearsStoreRecord(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	cfg := Config{FailureThreshold: 1, SuccessThreshold: 1, RecoveryTimeout: 30 * time.Second, HalfOpenProbeBudget: 1}
	b := NewBreaker("catalog", cfg, s)

	b.RecordError()
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	b.Reset()
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed after reset", b.State())
	}

	_, ok, err := s.GetCircuitRecord(context.Background(), "catalog")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected reset to clear the store record")
	}
}
