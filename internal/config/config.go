// Package config handles gateway configuration: a YAML file (the route
// table and tunables) with ${VAR} environment expansion, plus a small set
// of security-sensitive scalars that are only ever read from the
// environment via struct `env` tags, never from the file, so a secret
// can't accidentally end up checked into a config repo.
package config

import (
	"fmt"
	"os"
	"reflect"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Store          StoreConfig          `yaml:"store"`
	Database       DatabaseConfig       `yaml:"database"`
	Auth           AuthConfig           `yaml:"auth"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	WriteBehind    WriteBehindConfig    `yaml:"write_behind"`
	Eviction       EvictionConfig       `yaml:"eviction"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	Routes         []RouteEntry         `yaml:"routes"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig holds shared-store (Redis) connection settings. Addr and
// Password are environment-only (see their env tags and applyEnvOverrides) so a
// checked-in config file never carries a credential.
type StoreConfig struct {
	Addr      string `yaml:"-" env:"PORTCULLIS_STORE_ADDR" default:"localhost:6379"`
	Password  string `yaml:"-" env:"PORTCULLIS_STORE_PASSWORD"`
	Namespace string `yaml:"namespace"`
}

// DatabaseConfig holds the SQLite user-registry settings.
type DatabaseConfig struct {
	DSN string `yaml:"-" env:"PORTCULLIS_DB_DSN" default:"portcullis.db"`
}

// AuthConfig holds authentication settings. SigningSecret is required and
// has no default: the process refuses to start without one configured.
type AuthConfig struct {
	SigningSecret    string        `yaml:"-" env:"PORTCULLIS_SIGNING_SECRET"`
	TokenTTL         time.Duration `yaml:"token_ttl"`
	ClockSkew        time.Duration `yaml:"clock_skew"`
}

// RateLimitConfig holds limiter settings, applied to every route alike;
// routes carry no per-route override.
type RateLimitConfig struct {
	WindowRequests    int64   `yaml:"window_requests"`
	WindowSeconds     int64   `yaml:"window_seconds"`
	TokenBucketCap    float64 `yaml:"token_bucket_capacity"`
	TokenBucketRefill float64 `yaml:"token_bucket_refill_per_second"`
}

// CircuitBreakerConfig holds breaker settings, applied to every service
// alike; routes carry no per-route override.
type CircuitBreakerConfig struct {
	FailureThreshold    int           `yaml:"failure_threshold"`
	SuccessThreshold    int           `yaml:"success_threshold"`
	RecoveryTimeout     time.Duration `yaml:"recovery_timeout"`
	HalfOpenProbeBudget int           `yaml:"half_open_probe_budget"`
}

// WriteBehindConfig bounds the retry queue used when the shared store is
// briefly unreachable.
type WriteBehindConfig struct {
	MaxPending int           `yaml:"max_pending"`
	Interval   time.Duration `yaml:"interval"`
}

// EvictionConfig controls the background sweep of stale in-process cache
// entries (the circuit breaker registry).
type EvictionConfig struct {
	Interval time.Duration `yaml:"interval"`
	MaxAge   time.Duration `yaml:"max_age"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sample_rate"`
}

// RouteEntry is one service route definition in the config file.
type RouteEntry struct {
	Name            string        `yaml:"name"`
	UpstreamBaseURL string        `yaml:"upstream_base_url"`
	Timeout         time.Duration `yaml:"timeout"`
	Public          bool          `yaml:"public"`
	RequiredScopes  []string      `yaml:"required_scopes"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding ${VAR} references,
// then overlays the environment-only scalars (store address/password,
// database DSN, signing secret) read directly via `env` struct tags.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyEnvOverrides(cfg)

	if cfg.Auth.SigningSecret == "" {
		return nil, fmt.Errorf("config: PORTCULLIS_SIGNING_SECRET is required")
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Auth: AuthConfig{
			TokenTTL:  time.Hour,
			ClockSkew: 5 * time.Second,
		},
		RateLimit: RateLimitConfig{
			WindowRequests:    100,
			WindowSeconds:     60,
			TokenBucketCap:    50,
			TokenBucketRefill: 10,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold:    5,
			SuccessThreshold:    1,
			RecoveryTimeout:     30 * time.Second,
			HalfOpenProbeBudget: 1,
		},
		WriteBehind: WriteBehindConfig{
			MaxPending: 256,
			Interval:   5 * time.Second,
		},
		Eviction: EvictionConfig{
			Interval: time.Minute,
			MaxAge:   10 * time.Minute,
		},
	}
}

// applyEnvOverrides walks the subset of Config fields tagged `env:"..."`
// and sets them from the environment when present, falling back to the
// tag's `default:"..."` when the variable is unset. This mirrors the
// reflection-based env loading pattern used for scalar settings, scoped
// to the handful of fields that must never come from a checked-in file.
func applyEnvOverrides(cfg *Config) {
	applyEnvStruct(reflect.ValueOf(cfg).Elem())
}

func applyEnvStruct(v reflect.Value) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fv := v.Field(i)
		if !fv.CanSet() {
			continue
		}
		if fv.Kind() == reflect.Struct {
			applyEnvStruct(fv)
			continue
		}
		envName, hasEnv := field.Tag.Lookup("env")
		if !hasEnv {
			continue
		}
		val, ok := os.LookupEnv(envName)
		if !ok {
			if def, hasDefault := field.Tag.Lookup("default"); hasDefault {
				val = def
			} else {
				continue
			}
		}
		if val == "" {
			continue
		}
		fv.SetString(val)
	}
}
