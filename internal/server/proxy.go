package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	gateway "github.com/portcullis-gw/portcullis/internal"
	"github.com/portcullis-gw/portcullis/internal/circuitbreaker"
	"github.com/portcullis-gw/portcullis/internal/ratelimit"
)

// handleProxy implements the reverse-proxy path: resolve the service route,
// enforce auth (unless the route is public), apply the sliding-window and
// token-bucket limiters, check the circuit breaker, dispatch the request
// upstream, and report the outcome back to the breaker and metrics.
func (s *server) handleProxy(w http.ResponseWriter, r *http.Request) {
	route, rest, ok := s.deps.Resolver.Resolve(r.URL.Path)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse("no matching service route"))
		return
	}

	var principal *gateway.Principal
	if !route.Public {
		p, err := s.authenticateBearer(r)
		if err != nil {
			writeAuthError(w, err)
			return
		}
		if !p.HasScopes(route.RequiredScopes) {
			writeJSON(w, http.StatusForbidden, errorResponse("insufficient scope"))
			return
		}
		principal = p
	}

	limitKey := rateLimitKey(principal, r)

	if s.deps.SlidingLimiter != nil && s.deps.RateLimit.WindowRequests > 0 {
		res, err := s.deps.SlidingLimiter.Check(r.Context(), limitKey, s.deps.RateLimit.WindowRequests, s.deps.RateLimit.WindowSeconds)
		if err == nil {
			setWindowHeaders(w, s.deps.RateLimit.WindowRequests, res)
			if !res.Allowed {
				if s.deps.Metrics != nil {
					s.deps.Metrics.RateLimitRejects.WithLabelValues("window").Inc()
				}
				writeRateLimited(w, res)
				return
			}
		}
	}

	if s.deps.TokenLimiter != nil && s.deps.RateLimit.TokenBucketCap > 0 {
		res, err := s.deps.TokenLimiter.Consume(r.Context(), limitKey, s.deps.RateLimit.TokenBucketCap, s.deps.RateLimit.TokenBucketRefill, 1)
		if err == nil {
			setTokenBucketHeaders(w, res)
			if !res.Allowed {
				if s.deps.Metrics != nil {
					s.deps.Metrics.RateLimitRejects.WithLabelValues("token_bucket").Inc()
				}
				writeRateLimited(w, res)
				return
			}
		}
	}

	breaker := s.deps.Breakers.GetOrCreate(route.Name)
	if !breaker.Allow() {
		if s.deps.Metrics != nil {
			s.deps.Metrics.CircuitBreakerRejects.WithLabelValues(route.Name).Inc()
		}
		writeCircuitOpen(w, route.Name, breaker.RecoveryTimeout()-time.Since(breaker.OpenedAt()))
		return
	}

	clientIP := clientIP(r)
	requestID := gateway.RequestIDFromContext(r.Context())
	outcome := s.deps.Dispatcher.Dispatch(r.Context(), route, rest, clientIP, requestID, w, r)

	if r.Context().Err() != nil {
		// The client went away: neither a success nor a failure.
		breaker.ReleaseProbe()
	} else if circuitbreaker.IsFailure(outcome.Err, outcome.Status) {
		breaker.RecordError()
	} else {
		breaker.RecordSuccess()
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.CircuitBreakerState.WithLabelValues(route.Name).Set(float64(stateGauge(breaker.State())))
	}
}

func stateGauge(st circuitbreaker.State) int {
	switch st {
	case circuitbreaker.StateOpen:
		return 1
	case circuitbreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// rateLimitKey identifies the caller for rate limiting: the authenticated
// subject when present, otherwise the client IP.
func rateLimitKey(p *gateway.Principal, r *http.Request) string {
	if p != nil && p.Subject != "" {
		return "sub:" + p.Subject
	}
	return "ip:" + clientIP(r)
}

// clientIP returns the first entry of X-Forwarded-For if present, else
// strips the port from RemoteAddr.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		return host[:i]
	}
	return host
}

func setWindowHeaders(w http.ResponseWriter, limit int64, res ratelimit.Result) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.FormatInt(limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
	h.Set("X-RateLimit-Window", strconv.FormatInt(res.ResetInSeconds, 10))
}

func setTokenBucketHeaders(w http.ResponseWriter, res ratelimit.Result) {
	w.Header().Set("X-TokenBucket-Remaining", strconv.FormatInt(res.Remaining, 10))
}

func writeRateLimited(w http.ResponseWriter, res ratelimit.Result) {
	if res.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(res.RetryAfterSeconds, 10))
	}
	writeJSON(w, http.StatusTooManyRequests, errorResponse("rate limit exceeded"))
}

// writeCircuitOpen answers a fast-reject; remaining is the time left until
// the breaker admits a probe.
func writeCircuitOpen(w http.ResponseWriter, service string, remaining time.Duration) {
	if remaining > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(remaining.Seconds())+1))
	}
	writeJSON(w, http.StatusServiceUnavailable, errorResponse("circuit open for service "+service))
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func errorResponse(msg string) apiError {
	var e apiError
	e.Error.Message = msg
	return e
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, gateway.ErrMalformed):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrUnauthorized), errors.Is(err, gateway.ErrTokenExpired), errors.Is(err, gateway.ErrTokenNotYetValid):
		return http.StatusUnauthorized
	case errors.Is(err, gateway.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, gateway.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, gateway.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, gateway.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, gateway.ErrUpstreamUnreach):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// avoids the []string{v} alloc that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode response", "error", err)
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	w.Write(data)
}
