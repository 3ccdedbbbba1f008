// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Gateway drivers.
const (
	GatewayHTTP  = "http"
	GatewayLocal = "local"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Outcome store drivers.
const (
	OutcomesMemory = "memory"
	OutcomesRedis  = "redis"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Engine        EngineConfig        `yaml:"engine"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	Store         StoreConfig         `yaml:"store"`
	Events        EventsConfig        `yaml:"events"`
	Policy        PolicyConfig        `yaml:"policy"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// AwaitTimeout bounds how long a request waits for a command outcome.
	AwaitTimeout time.Duration `yaml:"await_timeout"`
	CORS         CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT verification. With Disabled set every
// request runs as the anonymous subject, which is meant for local use.
type IdentityConfig struct {
	Disabled     bool              `yaml:"disabled"`
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
	// DefaultTenant is used when the token carries no tenant claim.
	DefaultTenant string `yaml:"default_tenant"`
}

// EngineConfig tunes the per-dashboard command engine.
type EngineConfig struct {
	GridColumns     int           `yaml:"grid_columns"`
	HistoryDepth    int           `yaml:"history_depth"`
	OutcomeTTL      time.Duration `yaml:"outcome_ttl"`
	SessionIdle     time.Duration `yaml:"session_idle_timeout"`
	ReaperInterval  time.Duration `yaml:"reaper_interval"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// GatewayConfig selects and tunes the backend gateway.
type GatewayConfig struct {
	Driver         string               `yaml:"driver"`
	BaseURL        string               `yaml:"base_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Cache          CacheConfig          `yaml:"cache"`
	// FixturesDir holds the YAML catalog and insight fixtures of the local
	// gateway.
	FixturesDir string `yaml:"fixtures_dir"`
}

// CircuitBreakerConfig describes circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// RetryConfig describes retry settings for backend calls.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	IdempotentOnly    bool          `yaml:"idempotent_only"`
}

// CacheConfig describes cache settings. A zero TTL disables the cache.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// StoreConfig selects where the local gateway keeps dashboards.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// EventsConfig describes the outcome store and stream fan-out.
type EventsConfig struct {
	Outcomes  string        `yaml:"outcomes"`
	RedisAddr string        `yaml:"redis_addr"`
	RedisDB   int           `yaml:"redis_db"`
	KeyPrefix string        `yaml:"key_prefix"`
	Stream    StreamConfig  `yaml:"stream"`
	Buffer    int           `yaml:"buffer"`
	Timeout   time.Duration `yaml:"timeout"`
}

// StreamConfig enables forwarding of events to Redis streams.
type StreamConfig struct {
	Enabled bool  `yaml:"enabled"`
	MaxLen  int64 `yaml:"max_len"`
}

// PolicyConfig points at the role to capability policy.
type PolicyConfig struct {
	File string `yaml:"file"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			AwaitTimeout:    20 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id", "X-Request-Id"},
				MaxAge:         86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"tenant_id":  "tenant_id",
				"email":      "email",
				"roles":      "roles",
			},
		},
		Engine: EngineConfig{
			GridColumns:     12,
			HistoryDepth:    100,
			OutcomeTTL:      10 * time.Minute,
			SessionIdle:     30 * time.Minute,
			ReaperInterval:  time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
		Gateway: GatewayConfig{
			Driver:  GatewayLocal,
			Timeout: 10 * time.Second,
			Retry: RetryConfig{
				MaxAttempts:       3,
				BackoffInitial:    100 * time.Millisecond,
				BackoffMultiplier: 2,
				BackoffMax:        2 * time.Second,
				IdempotentOnly:    true,
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
			Cache: CacheConfig{
				TTL:        5 * time.Minute,
				MaxEntries: 10000,
			},
			FixturesDir: "fixtures",
		},
		Store: StoreConfig{
			Driver:          StoreMemory,
			DSNEnv:          "TESSERA_DATABASE_URL",
			MaxOpenConns:    10,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Events: EventsConfig{
			Outcomes:  OutcomesMemory,
			KeyPrefix: "tessera",
			Stream:    StreamConfig{MaxLen: 10000},
			Buffer:    1024,
			Timeout:   2 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates the result. An empty path loads the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid. Every
// problem is reported, not only the first.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if !c.Identity.Disabled {
		if c.Identity.Issuer == "" {
			errs = append(errs, "identity.issuer is required")
		}
		if c.Identity.JWKSURL == "" {
			errs = append(errs, "identity.jwks_url is required")
		}
		if c.Identity.Audience == "" {
			errs = append(errs, "identity.audience is required")
		}
	}
	if c.Engine.GridColumns < 1 {
		errs = append(errs, "engine.grid_columns must be positive")
	}
	if c.Engine.HistoryDepth < 0 {
		errs = append(errs, "engine.history_depth must not be negative")
	}

	switch c.Gateway.Driver {
	case GatewayHTTP:
		if c.Gateway.BaseURL == "" {
			errs = append(errs, "gateway.base_url is required for the http driver")
		}
	case GatewayLocal:
	default:
		errs = append(errs, fmt.Sprintf("gateway.driver %q is not one of http, local", c.Gateway.Driver))
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StorePostgres:
		if c.Store.DSNEnv == "" {
			errs = append(errs, "store.dsn_env is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of memory, postgres", c.Store.Driver))
	}

	switch c.Events.Outcomes {
	case OutcomesMemory:
		if c.Events.Stream.Enabled {
			errs = append(errs, "events.stream requires the redis outcome store")
		}
	case OutcomesRedis:
		if c.Events.RedisAddr == "" {
			errs = append(errs, "events.redis_addr is required for the redis outcome store")
		}
	default:
		errs = append(errs, fmt.Sprintf("events.outcomes %q is not one of memory, redis", c.Events.Outcomes))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads TESSERA_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TESSERA_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("TESSERA_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("TESSERA_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("TESSERA_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("TESSERA_IDENTITY_DISABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Identity.Disabled = b
		}
	}
	if v := os.Getenv("TESSERA_GATEWAY_DRIVER"); v != "" {
		cfg.Gateway.Driver = v
	}
	if v := os.Getenv("TESSERA_GATEWAY_BASE_URL"); v != "" {
		cfg.Gateway.BaseURL = v
	}
	if v := os.Getenv("TESSERA_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("TESSERA_EVENTS_REDIS_ADDR"); v != "" {
		cfg.Events.RedisAddr = v
	}
	if v := os.Getenv("TESSERA_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
