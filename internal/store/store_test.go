package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	c, err := New(context.Background(), Options{Addr: mr.Addr(), Namespace: "test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestNew_HealthCheck(t *testing.T) {
	c, _ := newTestClient(t)
	if err := c.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}
}

func TestNew_ConnectFailure(t *testing.T) {
	_, err := New(context.Background(), Options{Addr: "127.0.0.1:1"})
	if err == nil {
		t.Fatal("expected connect error against an unreachable address")
	}
}

func TestIncrWithExpire_FirstInsertSetsTTL(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	count, err := c.IncrWithExpire(ctx, "counter", 30*time.Second)
	if err != nil {
		t.Fatalf("IncrWithExpire: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}

	ttl := mr.TTL("test:counter")
	if ttl <= 0 {
		t.Errorf("expected a TTL on first insert, got %v", ttl)
	}
}

func TestIncrWithExpire_SubsequentIncrementsKeepOriginalTTL(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	if _, err := c.IncrWithExpire(ctx, "counter", 30*time.Second); err != nil {
		t.Fatalf("first incr: %v", err)
	}
	mr.FastForward(5 * time.Second)

	count, err := c.IncrWithExpire(ctx, "counter", 30*time.Second)
	if err != nil {
		t.Fatalf("second incr: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}

	ttl := mr.TTL("test:counter")
	if ttl <= 0 || ttl > 25*time.Second {
		t.Errorf("ttl = %v, want roughly 25s remaining (unchanged by the second increment)", ttl)
	}
}

func TestIncrWithExpire_NamespaceIsolation(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()

	a, err := New(ctx, Options{Addr: mr.Addr(), Namespace: "a"})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := New(ctx, Options{Addr: mr.Addr(), Namespace: "b"})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if _, err := a.IncrWithExpire(ctx, "counter", time.Minute); err != nil {
		t.Fatal(err)
	}
	count, err := b.IncrWithExpire(ctx, "counter", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("namespace b count = %d, want 1 (isolated from namespace a)", count)
	}
}

func TestConsumeTokenBucket_AllowsWithinCapacity(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	now := time.Now()

	res, err := c.ConsumeTokenBucket(ctx, "bucket", 10, 1, 1, now, time.Minute)
	if err != nil {
		t.Fatalf("ConsumeTokenBucket: %v", err)
	}
	if !res.Allowed {
		t.Error("expected first consume from a full bucket to be allowed")
	}
	if res.Remaining != 9 {
		t.Errorf("remaining = %v, want 9", res.Remaining)
	}
}

func TestConsumeTokenBucket_RejectsWhenExhausted(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	now := time.Now()

	for range 3 {
		if _, err := c.ConsumeTokenBucket(ctx, "bucket", 3, 0, 1, now, time.Minute); err != nil {
			t.Fatal(err)
		}
	}
	res, err := c.ConsumeTokenBucket(ctx, "bucket", 3, 0, 1, now, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed {
		t.Error("expected 4th consume against a 3-capacity zero-refill bucket to be rejected")
	}
	if res.Remaining != 0 {
		t.Errorf("remaining = %v, want 0", res.Remaining)
	}
}

func TestConsumeTokenBucket_RefillsOverTime(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	now := time.Now()

	for range 5 {
		if _, err := c.ConsumeTokenBucket(ctx, "bucket", 5, 1, 1, now, time.Minute); err != nil {
			t.Fatal(err)
		}
	}
	later := now.Add(3 * time.Second)
	res, err := c.ConsumeTokenBucket(ctx, "bucket", 5, 1, 1, later, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed {
		t.Error("expected a consume to be allowed after 3 seconds of refill at 1/s")
	}
}

func TestCASCircuitRecord_FirstWriteHasNoExpectedState(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	applied, err := c.CASCircuitRecord(ctx, "svc", "closed", "open", 100, 5, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !applied {
		t.Error("expected CAS to apply when no record exists yet")
	}

	rec, ok, err := c.GetCircuitRecord(ctx, "svc")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected a record to exist after CAS")
	}
	if rec.State != "open" {
		t.Errorf("state = %q, want open", rec.State)
	}
	if rec.ConsecutiveFailure != 5 {
		t.Errorf("consecutive failures = %d, want 5", rec.ConsecutiveFailure)
	}
}

func TestCASCircuitRecord_RejectsStaleExpectedState(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	if _, err := c.CASCircuitRecord(ctx, "svc", "closed", "open", 100, 5, 0, 0); err != nil {
		t.Fatal(err)
	}

	applied, err := c.CASCircuitRecord(ctx, "svc", "closed", "half_open", 200, 0, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Error("CAS should be rejected: stored state is open, not the expected closed")
	}

	rec, _, err := c.GetCircuitRecord(ctx, "svc")
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != "open" {
		t.Errorf("state = %q, want unchanged open after a lost CAS", rec.State)
	}
}

func TestGetCircuitRecord_MissingReturnsNotOK(t *testing.T) {
	c, _ := newTestClient(t)
	_, ok, err := c.GetCircuitRecord(context.Background(), "nonexistent")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected ok=false for a service with no prior record")
	}
}

func TestDeleteCircuitRecord(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	if _, err := c.CASCircuitRecord(ctx, "svc", "closed", "open", 100, 5, 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := c.DeleteCircuitRecord(ctx, "svc"); err != nil {
		t.Fatal(err)
	}
	_, ok, err := c.GetCircuitRecord(ctx, "svc")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected no record after delete")
	}
}
