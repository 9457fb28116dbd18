package circuitbreaker

import (
	"sync"
	"time"

	"github.com/portcullis-gw/portcullis/internal/store"
)

// Registry manages per-service Breaker instances, one per ServiceRoute.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
	store    *store.Client
}

// NewRegistry creates a circuit breaker registry with the given config,
// mirroring every breaker's state into s. Pass a nil store to run the
// whole registry in-process only (e.g. in tests).
func NewRegistry(cfg Config, s *store.Client) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   cfg,
		store:    s,
	}
}

// Get returns the breaker for the given service name, or nil if none exists.
func (r *Registry) Get(service string) *Breaker {
	r.mu.RLock()
	b := r.breakers[service]
	r.mu.RUnlock()
	return b
}

// GetOrCreate returns the breaker for service, creating one if needed.
// Uses double-checked locking to minimize write-lock contention.
func (r *Registry) GetOrCreate(service string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[service]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[service]; ok {
		return b
	}
	b = NewBreaker(service, r.config, r.store)
	r.breakers[service] = b
	return b
}

// All returns a snapshot of every known service name and its breaker,
// used by the admin circuit-listing endpoint.
func (r *Registry) All() map[string]*Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Breaker, len(r.breakers))
	for k, v := range r.breakers {
		out[k] = v
	}
	return out
}

// EvictStale removes breakers not used since cutoff, satisfying
// worker.Evictable. Phase 1: RLock to snapshot stale keys. Phase 2: Lock to
// delete them, re-checking LastUsed since it may have changed concurrently.
func (r *Registry) EvictStale(cutoff time.Time) int {
	r.mu.RLock()
	var staleKeys []string
	for k, b := range r.breakers {
		if b.LastUsed().Before(cutoff) {
			staleKeys = append(staleKeys, k)
		}
	}
	r.mu.RUnlock()

	if len(staleKeys) == 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for _, k := range staleKeys {
		if b, ok := r.breakers[k]; ok && b.LastUsed().Before(cutoff) {
			delete(r.breakers, k)
			evicted++
		}
	}
	return evicted
}
