package ratelimit

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/portcullis-gw/portcullis/internal/store"
)

func TestTokenBucketLimiter_AllowsWithinCapacity(t *testing.T) {
	s, _ := newTestStore(t)
	l := NewTokenBucketLimiter(s, nil)
	ctx := context.Background()

	for i := range 5 {
		res, err := l.Consume(ctx, "alice", 5, 1, 1)
		if err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
		if !res.Allowed {
			t.Errorf("consume %d should be allowed against a 5-token bucket", i)
		}
	}
}

func TestTokenBucketLimiter_RejectsWhenExhausted(t *testing.T) {
	s, _ := newTestStore(t)
	l := NewTokenBucketLimiter(s, nil)
	ctx := context.Background()

	for range 2 {
		if _, err := l.Consume(ctx, "bob", 2, 0.01, 1); err != nil {
			t.Fatal(err)
		}
	}
	res, err := l.Consume(ctx, "bob", 2, 0.01, 1)
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed {
		t.Error("3rd consume against a near-zero-refill 2-token bucket should be rejected")
	}
	if res.RetryAfterSeconds <= 0 {
		t.Error("expected a positive retry-after when rejected")
	}
}

func TestTokenBucketLimiter_FailsOpenOnStoreError(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	s, err := store.New(context.Background(), store.Options{Addr: mr.Addr()})
	if err != nil {
		t.Fatal(err)
	}
	mr.Close()

	writer := &recordingWriter{}
	l := NewTokenBucketLimiter(s, writer)

	res, err := l.Consume(context.Background(), "carol", 5, 1, 1)
	if err != nil {
		t.Fatalf("Consume should not return an error on store failure: %v", err)
	}
	if !res.Allowed {
		t.Error("expected the request to fail open when the store is unreachable")
	}
	if !res.FailedOpen {
		t.Error("expected FailedOpen to be set")
	}
	if len(writer.pushed) != 1 {
		t.Errorf("expected the failed write to be queued for retry, got %d pushes", len(writer.pushed))
	}
}
