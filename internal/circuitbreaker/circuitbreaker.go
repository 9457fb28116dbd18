// Package circuitbreaker implements a per-service circuit breaker:
// a {Closed, Open, Half-Open} state machine that fast-rejects requests to
// a known-bad upstream, reducing failover latency from seconds (timeout +
// network) to nanoseconds (state check). State transitions are mirrored
// into the shared store via compare-and-set so every gateway instance
// converges on the same breaker state. The in-process Breaker reads the
// shared record when it is created and re-reads the stored state only
// after losing a compare-and-set; it does not refresh on a timer, so a
// transition made by another instance is seen only at that point.
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/portcullis-gw/portcullis/internal/store"
)

// State is one of {Closed, Open, Half-Open}.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

func (s State) storeName() string {
	return s.String()
}

func parseState(s string) State {
	switch s {
	case "open":
		return StateOpen
	case "half_open":
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Config holds circuit breaker parameters.
type Config struct {
	FailureThreshold  int           // consecutive failures in Closed before tripping to Open
	SuccessThreshold  int           // consecutive successes in Half-Open before closing
	RecoveryTimeout   time.Duration // time in Open before admitting a probe
	HalfOpenProbeBudget int         // concurrent in-flight probes admitted in Half-Open
}

// DefaultConfig returns the gateway's default breaker tuning.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    1,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenProbeBudget: 1,
	}
}

// Breaker is a per-service circuit breaker state machine implementing the
// transition table below. All state transitions happen under mu, then
// (if a store is configured) are mirrored to the shared store via CAS so
// concurrent gateway instances agree on one state.
type Breaker struct {
	mu       sync.Mutex
	service  string
	state    State
	consecutiveFailures  int
	consecutiveSuccesses int
	halfOpenInFlight     int
	openedAt time.Time
	lastUsed time.Time

	cfg Config

	store       *store.Client // nil disables shared-store mirroring (in-process only)
	storedState string        // last state this instance observed persisted in the store; "" means no record observed yet
}

// NewBreaker creates a breaker for service with the given config. Pass a
// nil store to run purely in-process (e.g. in tests). If s is non-nil, the
// breaker hydrates its initial state from the shared record so a gateway
// instance restarting mid-outage doesn't reopen a circuit another instance
// already has in Half-Open or Closed.
func NewBreaker(service string, cfg Config, s *store.Client) *Breaker {
	if cfg.HalfOpenProbeBudget <= 0 {
		cfg.HalfOpenProbeBudget = 1
	}
	b := &Breaker{
		service:  service,
		state:    StateClosed,
		cfg:      cfg,
		store:    s,
		lastUsed: time.Now(),
	}
	if s == nil {
		return b
	}
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	if rec, ok, err := s.GetCircuitRecord(ctx, service); err == nil && ok {
		b.state = parseState(rec.State)
		b.storedState = rec.State
		b.consecutiveFailures = rec.ConsecutiveFailure
		b.consecutiveSuccesses = rec.ConsecutiveSuccess
		b.halfOpenInFlight = rec.HalfOpenInFlight
		if rec.OpenedAtUnix > 0 {
			b.openedAt = time.Unix(rec.OpenedAtUnix, 0)
		}
	}
	return b
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	s := b.state
	b.mu.Unlock()
	return s
}

// OpenedAt returns when the breaker last transitioned to Open, or the zero
// time if it has never opened.
func (b *Breaker) OpenedAt() time.Time {
	b.mu.Lock()
	t := b.openedAt
	b.mu.Unlock()
	return t
}

// RecoveryTimeout returns the configured Open->HalfOpen delay, used to
// compute the Retry-After header on a fast-reject.
func (b *Breaker) RecoveryTimeout() time.Duration {
	return b.cfg.RecoveryTimeout
}

// Allow is the request admission check. Returns true
// if the request may proceed (and, for a Half-Open probe, reserves one
// in-flight slot that must be released via RecordSuccess, RecordError, or
// ReleaseProbe).
func (b *Breaker) Allow() bool {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
			b.transitionTo(StateHalfOpen, now)
			b.halfOpenInFlight = 0
			b.consecutiveSuccesses = 0
			b.halfOpenInFlight++
			b.sync(now)
			return true
		}
		return false
	case StateHalfOpen:
		if b.halfOpenInFlight < b.cfg.HalfOpenProbeBudget {
			b.halfOpenInFlight++
			b.sync(now)
			return true
		}
		return false
	default:
		return false
	}
}

// ReleaseProbe releases one half-open in-flight slot without recording a
// success or failure, used when a client disconnects mid-probe (a
// cancellation counts as neither success nor failure).
func (b *Breaker) ReleaseProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
		b.sync(time.Now())
	}
}

// RecordSuccess records a successful request outcome.
func (b *Breaker) RecordSuccess() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now

	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0
	case StateHalfOpen:
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
			b.resetClosed(now)
		} else {
			b.halfOpenInFlight--
		}
	}
	b.sync(now)
}

// RecordError records a failed request outcome.
func (b *Breaker) RecordError() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.transitionTo(StateOpen, now)
		}
	case StateHalfOpen:
		b.transitionTo(StateOpen, now)
		b.halfOpenInFlight = 0
	}
	b.sync(now)
}

// Reset forces Closed with zero counters, used by the idempotent admin
// reset endpoint regardless of prior state.
func (b *Breaker) Reset() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetClosed(now)
	if b.store != nil {
		_ = b.store.DeleteCircuitRecord(context.Background(), b.service)
		b.storedState = ""
	}
}

func (b *Breaker) resetClosed(now time.Time) {
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.halfOpenInFlight = 0
	b.openedAt = time.Time{}
	b.lastUsed = now
}

func (b *Breaker) transitionTo(s State, now time.Time) {
	b.state = s
	if s == StateOpen {
		b.openedAt = now
	}
}

// syncRetries bounds how many times sync re-reads and retries a lost CAS
// before giving up for this call; the in-process state still governs local
// admission decisions regardless; the next transition tries again.
const syncRetries = 2

// sync mirrors the current in-memory state into the shared store via CAS,
// best-effort: if the store is unreachable, the in-process state still
// governs local admission decisions. The CAS is keyed off storedState, the
// last state this instance observed persisted; if another instance wrote a
// newer state first, the CAS is lost, so sync re-reads the current record
// and retries against the refreshed expected state.
func (b *Breaker) sync(now time.Time) {
	if b.store == nil {
		return
	}
	var openedAtUnix int64
	if !b.openedAt.IsZero() {
		openedAtUnix = b.openedAt.Unix()
	}
	newState := b.state.storeName()
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()

	for attempt := 0; attempt < syncRetries; attempt++ {
		applied, err := b.store.CASCircuitRecord(ctx, b.service, b.storedState, newState,
			openedAtUnix, b.consecutiveFailures, b.consecutiveSuccesses, b.halfOpenInFlight)
		if err != nil {
			return
		}
		if applied {
			b.storedState = newState
			return
		}
		rec, ok, err := b.store.GetCircuitRecord(ctx, b.service)
		if err != nil {
			return
		}
		if !ok {
			b.storedState = ""
			continue
		}
		b.storedState = rec.State
	}
}

// LastUsed returns the time of last activity, for stale eviction.
func (b *Breaker) LastUsed() time.Time {
	b.mu.Lock()
	t := b.lastUsed
	b.mu.Unlock()
	return t
}
