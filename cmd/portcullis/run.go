package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"
	"go.opentelemetry.io/otel/trace"

	"github.com/portcullis-gw/portcullis/internal/auth"
	"github.com/portcullis-gw/portcullis/internal/circuitbreaker"
	"github.com/portcullis-gw/portcullis/internal/config"
	"github.com/portcullis-gw/portcullis/internal/proxy"
	"github.com/portcullis-gw/portcullis/internal/ratelimit"
	"github.com/portcullis-gw/portcullis/internal/router"
	"github.com/portcullis-gw/portcullis/internal/server"
	"github.com/portcullis-gw/portcullis/internal/storage/sqlite"
	"github.com/portcullis-gw/portcullis/internal/store"
	"github.com/portcullis-gw/portcullis/internal/telemetry"
	"github.com/portcullis-gw/portcullis/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting portcullis", "version", version, "addr", cfg.Server.Addr)

	ctx := context.Background()

	// Shared Redis store, one namespace, two logical DBs (rate limits and
	// circuit breaker state) so a flush of one concern never disturbs the
	// other.
	rateStore, err := store.New(ctx, store.Options{
		Addr:      cfg.Store.Addr,
		Password:  cfg.Store.Password,
		DB:        store.DBRateLimit,
		Namespace: cfg.Store.Namespace,
	})
	if err != nil {
		return err
	}
	defer rateStore.Close()

	breakerStore, err := store.New(ctx, store.Options{
		Addr:      cfg.Store.Addr,
		Password:  cfg.Store.Password,
		DB:        store.DBCircuitBreaker,
		Namespace: cfg.Store.Namespace,
	})
	if err != nil {
		return err
	}
	defer breakerStore.Close()

	slog.Info("shared store connected", "addr", cfg.Store.Addr, "namespace", cfg.Store.Namespace)

	// User registry.
	users, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer users.Close()

	slog.Info("user registry opened", "dsn", cfg.Database.DSN)

	// Token issuance/verification.
	issuer := auth.NewIssuer(cfg.Auth.SigningSecret, cfg.Auth.TokenTTL)
	verifier := auth.NewVerifier(cfg.Auth.SigningSecret, cfg.Auth.ClockSkew)

	// Immutable route table.
	routes := cfg.ServiceRoutes()
	resolver := router.NewResolver(routes)
	for _, r := range routes {
		slog.Info("route configured",
			"name", r.Name,
			"upstream", r.UpstreamBaseURL,
			"public", r.Public,
			"required_scopes", r.RequiredScopes,
		)
	}

	// Shared DNS cache for the upstream HTTP client.
	dnsResolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			dnsResolver.Refresh(true)
		}
	}()

	transport := proxy.NewTransport(dnsResolver, true)
	dispatcher := proxy.NewDispatcher(transport)

	// Write-behind queue absorbs limiter/breaker store writes during a
	// brief Redis outage instead of failing the request.
	writeBehind := worker.NewWriteBehindQueue(cfg.WriteBehind.MaxPending, cfg.WriteBehind.Interval)

	slidingLimiter := ratelimit.NewSlidingWindowLimiter(rateStore, writeBehind)
	tokenLimiter := ratelimit.NewTokenBucketLimiter(rateStore, writeBehind)
	slog.Info("rate limits configured",
		"window_requests", cfg.RateLimit.WindowRequests,
		"window_seconds", cfg.RateLimit.WindowSeconds,
		"token_bucket_capacity", cfg.RateLimit.TokenBucketCap,
		"token_bucket_refill_per_second", cfg.RateLimit.TokenBucketRefill,
	)

	breakerCfg := circuitbreaker.Config{
		FailureThreshold:    cfg.CircuitBreaker.FailureThreshold,
		SuccessThreshold:    cfg.CircuitBreaker.SuccessThreshold,
		RecoveryTimeout:     cfg.CircuitBreaker.RecoveryTimeout,
		HalfOpenProbeBudget: cfg.CircuitBreaker.HalfOpenProbeBudget,
	}
	breakers := circuitbreaker.NewRegistry(breakerCfg, breakerStore)
	slog.Info("circuit breaker configured",
		"failure_threshold", breakerCfg.FailureThreshold,
		"success_threshold", breakerCfg.SuccessThreshold,
		"recovery_timeout", breakerCfg.RecoveryTimeout,
		"half_open_probe_budget", breakerCfg.HalfOpenProbeBudget,
	)

	evictor := worker.NewStaleEvictor(cfg.Eviction.Interval, cfg.Eviction.MaxAge, breakers)
	runner := worker.NewRunner(writeBehind, evictor)

	// Prometheus metrics.
	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promRegistry.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(promRegistry)
		metricsHandler = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
		slog.Info("prometheus metrics enabled")
	}

	// OpenTelemetry tracing.
	var tracer trace.Tracer
	var tracingShutdown func(context.Context) error
	if cfg.Telemetry.Tracing.Enabled {
		endpoint := cfg.Telemetry.Tracing.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		sampleRate := cfg.Telemetry.Tracing.SampleRate
		if sampleRate == 0 {
			sampleRate = 0.1
		}
		shutdown, err := telemetry.SetupTracing(ctx, endpoint, sampleRate)
		if err != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			tracingShutdown = shutdown
			tracer = telemetry.Tracer("portcullis/server")
			slog.Info("opentelemetry tracing enabled", "endpoint", endpoint, "sample_rate", sampleRate)
		}
	}

	handler := server.New(server.Deps{
		Resolver:       resolver,
		Dispatcher:     dispatcher,
		Breakers:       breakers,
		Verifier:       verifier,
		Issuer:         issuer,
		Users:          users,
		SlidingLimiter: slidingLimiter,
		TokenLimiter:   tokenLimiter,
		RateLimit: server.RateLimitSettings{
			WindowRequests:    cfg.RateLimit.WindowRequests,
			WindowSeconds:     cfg.RateLimit.WindowSeconds,
			TokenBucketCap:    cfg.RateLimit.TokenBucketCap,
			TokenBucketRefill: cfg.RateLimit.TokenBucketRefill,
		},
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Tracer:         tracer,
		ReadyCheck:     rateStore.HealthCheck,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(workerCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("portcullis ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}

	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			slog.Error("tracing shutdown error", "error", err)
		}
	}

	slog.Info("portcullis stopped")
	return nil
}
