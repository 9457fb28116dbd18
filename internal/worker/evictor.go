package worker

import (
	"context"
	"log/slog"
	"time"
)

// Evictable is any in-process cache that can drop entries last used before
// a cutoff, matching the circuitbreaker.Registry signature of
// EvictStale(cutoff time.Time) int.
type Evictable interface {
	EvictStale(cutoff time.Time) int
}

// StaleEvictor periodically evicts entries idle longer than maxAge from a
// set of in-process caches, bounding their memory growth.
type StaleEvictor struct {
	targets  []Evictable
	interval time.Duration
	maxAge   time.Duration
}

// NewStaleEvictor returns an evictor running every interval, evicting
// entries idle longer than maxAge, across all given targets.
func NewStaleEvictor(interval, maxAge time.Duration, targets ...Evictable) *StaleEvictor {
	return &StaleEvictor{targets: targets, interval: interval, maxAge: maxAge}
}

// Name identifies this worker for logging.
func (e *StaleEvictor) Name() string { return "stale_evictor" }

// Run evicts stale entries every interval until ctx is cancelled.
func (e *StaleEvictor) Run(ctx context.Context) error {
	t := time.NewTicker(e.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			cutoff := time.Now().Add(-e.maxAge)
			for _, target := range e.targets {
				if n := target.EvictStale(cutoff); n > 0 {
					slog.Info("stale entries evicted", "count", n)
				}
			}
		}
	}
}
