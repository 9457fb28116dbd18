package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/portcullis-gw/portcullis/internal/store"
)

// TokenBucketLimiter refills tokens continuously at a
// configured rate and are decremented on each admitted request. The
// refill/consume arithmetic runs atomically in the store via a Lua script
// (internal/store's tokenBucketScript) so concurrent gateway instances
// never race on the same bucket.
type TokenBucketLimiter struct {
	store       *store.Client
	writeBehind pendingWriter
}

// NewTokenBucketLimiter returns a limiter backed by s.
func NewTokenBucketLimiter(s *store.Client, writeBehind pendingWriter) *TokenBucketLimiter {
	return &TokenBucketLimiter{store: s, writeBehind: writeBehind}
}

// Consume charges cost tokens against identity's bucket. identity is the
// principal subject or client IP; cost is the number of tokens this
// request consumes (typically 1). On store failure it fails open.
func (l *TokenBucketLimiter) Consume(ctx context.Context, identity string, capacity, refillPerSecond, cost float64) (Result, error) {
	key := fmt.Sprintf("tb:%s", identity)
	ttl := time.Duration(capacity/refillPerSecond*2) * time.Second
	now := time.Now()

	res, err := l.store.ConsumeTokenBucket(ctx, key, capacity, refillPerSecond, cost, now, ttl)
	if err != nil {
		if l.writeBehind != nil {
			l.writeBehind.Push(func(ctx context.Context) error {
				_, err := l.store.ConsumeTokenBucket(ctx, key, capacity, refillPerSecond, cost, time.Now(), ttl)
				return err
			})
		}
		return Result{Allowed: true, Remaining: int64(capacity), FailedOpen: true}, nil
	}

	out := Result{Allowed: res.Allowed, Remaining: int64(res.Remaining)}
	if !res.Allowed {
		deficit := cost - res.Remaining
		if deficit < 0 {
			deficit = 0
		}
		retryAfter := deficit / refillPerSecond
		out.RetryAfterSeconds = int64(retryAfter) + 1
	}
	return out, nil
}
