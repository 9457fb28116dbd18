// Package server implements the HTTP transport layer for the Portcullis gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"go.opentelemetry.io/otel/trace"

	"github.com/portcullis-gw/portcullis/internal/auth"
	"github.com/portcullis-gw/portcullis/internal/circuitbreaker"
	"github.com/portcullis-gw/portcullis/internal/proxy"
	"github.com/portcullis-gw/portcullis/internal/ratelimit"
	"github.com/portcullis-gw/portcullis/internal/router"
	"github.com/portcullis-gw/portcullis/internal/storage"
	"github.com/portcullis-gw/portcullis/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// RateLimitSettings carries the default sliding-window and token-bucket
// parameters applied to every route.
type RateLimitSettings struct {
	WindowRequests    int64
	WindowSeconds     int64
	TokenBucketCap    float64
	TokenBucketRefill float64
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Resolver       *router.Resolver
	Dispatcher     *proxy.Dispatcher
	Breakers       *circuitbreaker.Registry
	Verifier       *auth.Verifier
	Issuer         *auth.Issuer
	Users          storage.UserStore // nil disables /api/auth/login and /api/auth/register
	SlidingLimiter *ratelimit.SlidingWindowLimiter
	TokenLimiter   *ratelimit.TokenBucketLimiter
	RateLimit      RateLimitSettings
	Metrics        *telemetry.Metrics // nil = no Prometheus metrics
	MetricsHandler http.Handler       // nil = no /metrics/prometheus endpoint
	Tracer         trace.Tracer       // nil = no distributed tracing
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.securityHeaders)
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	if deps.Tracer != nil {
		r.Use(tracingMiddleware(deps.Tracer))
	}

	// System endpoints (no auth)
	r.Get("/health", s.handleHealth)
	r.Get("/health/detailed", s.handleHealthDetailed)
	r.Get("/metrics", s.handleMetricsSummary)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics/prometheus", deps.MetricsHandler)
	}

	// Login and registration are unauthenticated by construction.
	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/login", s.handleLogin)
		r.Post("/register", s.handleRegister)
	})

	// Operational endpoints require a valid bearer token but no particular
	// service scope.
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/api/services", s.handleListServices)
		r.Get("/api/circuits", s.handleListCircuits)
		r.Post("/api/circuits/{service}/reset", s.handleResetCircuit)
	})

	// Proxied traffic. Authentication, rate limiting, and circuit breaking
	// for this path are resolved per-route inside handleProxy, since which
	// of those apply depends on the matched route (public vs protected).
	r.HandleFunc("/api/*", s.handleProxy)

	return r
}

type server struct {
	deps Deps
}
