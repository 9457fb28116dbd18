package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/portcullis-gw/portcullis/internal/store"
)

// pendingWriter is the narrow interface the write-behind queue satisfies;
// declared locally so this package does not import internal/worker.
type pendingWriter interface {
	Push(apply func(ctx context.Context) error)
}

// SlidingWindowLimiter is a fixed-window counter keyed by
// identity:floor(now/windowSeconds), incremented atomically in the store.
type SlidingWindowLimiter struct {
	store       *store.Client
	writeBehind pendingWriter // nil disables retry of failed writes
}

// NewSlidingWindowLimiter returns a limiter backed by s. Pass a nil
// writeBehind queue to disable retry of lost writes on store failure.
func NewSlidingWindowLimiter(s *store.Client, writeBehind pendingWriter) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{store: s, writeBehind: writeBehind}
}

// Check admits or rejects a request against the window. identity is the
// principal subject or client IP. On store failure it fails open.
func (l *SlidingWindowLimiter) Check(ctx context.Context, identity string, limit, windowSeconds int64) (Result, error) {
	now := time.Now().Unix()
	bucket := now / windowSeconds
	key := fmt.Sprintf("sw:%s:%d", identity, bucket)
	ttl := time.Duration(windowSeconds) * time.Second

	count, err := l.store.IncrWithExpire(ctx, key, ttl)
	resetIn := windowSeconds - (now % windowSeconds)
	if err != nil {
		if l.writeBehind != nil {
			l.writeBehind.Push(func(ctx context.Context) error {
				_, err := l.store.IncrWithExpire(ctx, key, ttl)
				return err
			})
		}
		return Result{Allowed: true, Remaining: limit, ResetInSeconds: resetIn, FailedOpen: true}, nil
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	allowed := count <= limit
	res := Result{Allowed: allowed, Remaining: remaining, ResetInSeconds: resetIn}
	if !allowed {
		res.RetryAfterSeconds = resetIn
	}
	return res, nil
}
