// Package store provides a thin adapter over Redis acting as the shared
// key-value store: atomic increments with TTL for the sliding-window
// limiter, a scripted compare-and-set for the token-bucket limiter, and a
// scripted compare-and-set for circuit-breaker state transitions. All
// gateway instances converge on the same state because every mutating
// operation here is atomic in Redis.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DB index allocation, one database per stateful guardian so that a FLUSHDB
// against one concern (e.g. testing rate limits) never disturbs another.
const (
	DBRateLimit      = 1
	DBCircuitBreaker = 4
)

// Client wraps a redis.Client scoped to one DB and key namespace.
type Client struct {
	rdb       *redis.Client
	namespace string
}

// Options configures a new Client.
type Options struct {
	Addr      string
	Password  string
	DB        int
	Namespace string
}

// New dials Redis and verifies connectivity with a bounded ping.
func New(ctx context.Context, opts Options) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}

	return &Client{rdb: rdb, namespace: opts.Namespace}, nil
}

func (c *Client) key(k string) string {
	if c.namespace == "" {
		return k
	}
	return c.namespace + ":" + k
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// HealthCheck pings Redis with the given context's deadline.
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// IncrWithExpire atomically increments key and, only on first creation
// (the counter was 0 before the increment), sets its TTL. This implements
// the "increments the counter and sets TTL on first insert" contract
// without a round-trip race between INCR and EXPIRE: both run in one Lua
// script.
func (c *Client) IncrWithExpire(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return incrExpireScript.Run(ctx, c.rdb, []string{c.key(key)}, ttl.Milliseconds()).Int64()
}

// incrExpireScript: KEYS[1] = counter key, ARGV[1] = TTL in milliseconds.
var incrExpireScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// tokenBucketScript implements the atomic read-modify-write: refill to
// now, decrement by cost if enough tokens are available, persist with TTL.
// KEYS[1] = bucket key. ARGV: capacity, refillPerSecond, cost, nowUnixNano, ttlSeconds.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local raw = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(raw[1])
local lastRefill = tonumber(raw[2])
if tokens == nil then
  tokens = capacity
  lastRefill = now
end

local elapsedSeconds = (now - lastRefill) / 1e9
if elapsedSeconds < 0 then elapsedSeconds = 0 end
tokens = math.min(capacity, tokens + elapsedSeconds * refill)

local allowed = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "last_refill", now)
redis.call("EXPIRE", key, ttl)

return {allowed, tostring(tokens)}
`)

// TokenBucketResult is the outcome of one Consume call.
type TokenBucketResult struct {
	Allowed   bool
	Remaining float64
}

// ConsumeTokenBucket runs the token-bucket script atomically in the store.
func (c *Client) ConsumeTokenBucket(ctx context.Context, key string, capacity, refillPerSecond, cost float64, now time.Time, ttl time.Duration) (TokenBucketResult, error) {
	res, err := tokenBucketScript.Run(ctx, c.rdb, []string{c.key(key)},
		capacity, refillPerSecond, cost, now.UnixNano(), int64(ttl.Seconds()),
	).Result()
	if err != nil {
		return TokenBucketResult{}, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return TokenBucketResult{}, fmt.Errorf("store: unexpected token bucket script result %#v", res)
	}
	allowed, _ := arr[0].(int64)
	var remaining float64
	fmt.Sscanf(fmt.Sprint(arr[1]), "%f", &remaining)
	return TokenBucketResult{Allowed: allowed == 1, Remaining: remaining}, nil
}

// circuitCASScript applies a breaker transition only if the stored state
// still matches expectedState, serializing concurrent transitions across
// gateway instances converge on the same breaker state.
var circuitCASScript = redis.NewScript(`
local key = KEYS[1]
local expected = ARGV[1]
local newState = ARGV[2]
local openedAt = ARGV[3]
local consecFailures = ARGV[4]
local consecSuccesses = ARGV[5]
local inFlight = ARGV[6]

local current = redis.call("HGET", key, "state")
if current ~= false and current ~= expected then
  return 0
end

redis.call("HSET", key,
  "state", newState,
  "opened_at", openedAt,
  "consecutive_failures", consecFailures,
  "consecutive_successes", consecSuccesses,
  "half_open_in_flight", inFlight)
return 1
`)

// CASCircuitRecord applies a breaker state transition iff the store's
// current state matches expected. Returns false if the CAS lost.
func (c *Client) CASCircuitRecord(ctx context.Context, key string, expected, newState string, openedAtUnix int64, consecFailures, consecSuccesses, inFlight int) (bool, error) {
	res, err := circuitCASScript.Run(ctx, c.rdb, []string{c.key(key)},
		expected, newState, openedAtUnix, consecFailures, consecSuccesses, inFlight,
	).Result()
	if err != nil {
		return false, err
	}
	applied, _ := res.(int64)
	return applied == 1, nil
}

// CircuitRecordFields is the raw hash read back from the store.
type CircuitRecordFields struct {
	State              string
	OpenedAtUnix       int64
	ConsecutiveFailure int
	ConsecutiveSuccess int
	HalfOpenInFlight   int
}

// GetCircuitRecord reads the current breaker hash for key. Returns
// ok=false if no record exists yet (service never transitioned).
func (c *Client) GetCircuitRecord(ctx context.Context, key string) (rec CircuitRecordFields, ok bool, err error) {
	res, err := c.rdb.HGetAll(ctx, c.key(key)).Result()
	if err != nil {
		return rec, false, err
	}
	if len(res) == 0 {
		return rec, false, nil
	}
	rec.State = res["state"]
	fmt.Sscanf(res["opened_at"], "%d", &rec.OpenedAtUnix)
	fmt.Sscanf(res["consecutive_failures"], "%d", &rec.ConsecutiveFailure)
	fmt.Sscanf(res["consecutive_successes"], "%d", &rec.ConsecutiveSuccess)
	fmt.Sscanf(res["half_open_in_flight"], "%d", &rec.HalfOpenInFlight)
	return rec, true, nil
}

// DeleteCircuitRecord removes a breaker record, used by the idempotent
// reset admin endpoint to force Closed with zero counters.
func (c *Client) DeleteCircuitRecord(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, c.key(key)).Err()
}
