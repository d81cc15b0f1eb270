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

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Event bus drivers.
const (
	EventsMemory = "memory"
	EventsNATS   = "nats"
)

// Notification drivers.
const (
	NotifyLog  = "log"
	NotifyNATS = "nats"
	NotifyNone = "none"
)

// Idempotency drivers.
const (
	IdempotencyMemory = "memory"
	IdempotencyRedis  = "redis"
)

// Rollback modes.
const (
	RollbackAppend       = "append"
	RollbackClearHistory = "clear_history"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Authorization AuthorizationConfig `yaml:"authorization"`
	Store         StoreConfig         `yaml:"store"`
	Events        EventsConfig        `yaml:"events"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Workflow      WorkflowConfig      `yaml:"workflow"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT verification settings. Tokens are verified
// against JWKSURL when set, otherwise against HMACSecret.
type IdentityConfig struct {
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	HMACSecret   string            `yaml:"hmac_secret"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
}

// AuthorizationConfig points at the static role policy. An empty PolicyFile
// grants every authenticated caller every capability.
type AuthorizationConfig struct {
	PolicyFile string        `yaml:"policy_file"`
	CacheTTL   time.Duration `yaml:"cache_ttl"`
}

// StoreConfig describes task and project persistence.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// EventsConfig describes the task change feed.
type EventsConfig struct {
	Driver        string `yaml:"driver"`
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// NotificationsConfig describes where notifications go.
type NotificationsConfig struct {
	Driver  string        `yaml:"driver"`
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig describes the circuit breaker guarding a notification sink.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// IdempotencyConfig describes the transition idempotency store.
type IdempotencyConfig struct {
	Driver   string        `yaml:"driver"`
	RedisURL string        `yaml:"redis_url"`
	TTL      time.Duration `yaml:"ttl"`
}

// WorkflowConfig describes engine settings.
type WorkflowConfig struct {
	DefinitionsDir string         `yaml:"definitions_dir"`
	Watch          bool           `yaml:"watch"`
	WatchDebounce  time.Duration  `yaml:"watch_debounce"`
	Rollback       RollbackConfig `yaml:"rollback"`
}

// RollbackConfig selects how rollback treats stage history.
type RollbackConfig struct {
	Mode string `yaml:"mode"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	ServiceName string        `yaml:"service_name"`
	LogLevel    string        `yaml:"log_level"`
	MetricsPath string        `yaml:"metrics_path"`
	Tracing     TracingConfig `yaml:"tracing"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
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
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"organization_id": "organization_id",
				"user_id":         "sub",
				"email":           "email",
				"roles":           "roles",
			},
		},
		Authorization: AuthorizationConfig{
			CacheTTL: 5 * time.Minute,
		},
		Store: StoreConfig{
			Driver:          StoreMemory,
			MaxOpenConns:    25,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Events: EventsConfig{
			Driver:        EventsMemory,
			SubjectPrefix: "stageflow",
		},
		Notifications: NotificationsConfig{
			Driver: NotifyLog,
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 1,
				OpenTimeout:      30 * time.Second,
			},
		},
		Idempotency: IdempotencyConfig{
			Driver: IdempotencyMemory,
			TTL:    24 * time.Hour,
		},
		Workflow: WorkflowConfig{
			WatchDebounce: 500 * time.Millisecond,
			Rollback:      RollbackConfig{Mode: RollbackAppend},
		},
		Observability: ObservabilityConfig{
			ServiceName: "stageflow",
			LogLevel:    "info",
			MetricsPath: "/metrics",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates the result. An empty path loads defaults plus environment.
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

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}
	if c.Identity.JWKSURL == "" && c.Identity.HMACSecret == "" {
		errs = append(errs, "identity.jwks_url or identity.hmac_secret is required")
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StorePostgres, StoreSQLite:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Sprintf("store.dsn is required for driver %q", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}

	switch c.Events.Driver {
	case EventsMemory:
	case EventsNATS:
		if c.Events.NATSURL == "" {
			errs = append(errs, "events.nats_url is required for driver \"nats\"")
		}
	default:
		errs = append(errs, fmt.Sprintf("events.driver %q is not supported", c.Events.Driver))
	}

	switch c.Notifications.Driver {
	case NotifyLog, NotifyNone:
	case NotifyNATS:
		if c.Events.NATSURL == "" {
			errs = append(errs, "events.nats_url is required for notifications driver \"nats\"")
		}
	default:
		errs = append(errs, fmt.Sprintf("notifications.driver %q is not supported", c.Notifications.Driver))
	}

	switch c.Idempotency.Driver {
	case IdempotencyMemory:
	case IdempotencyRedis:
		if c.Idempotency.RedisURL == "" {
			errs = append(errs, "idempotency.redis_url is required for driver \"redis\"")
		}
	default:
		errs = append(errs, fmt.Sprintf("idempotency.driver %q is not supported", c.Idempotency.Driver))
	}

	switch c.Workflow.Rollback.Mode {
	case RollbackAppend, RollbackClearHistory:
	default:
		errs = append(errs, fmt.Sprintf("workflow.rollback.mode %q is not supported", c.Workflow.Rollback.Mode))
	}

	if c.Authorization.PolicyFile != "" && c.Authorization.CacheTTL <= 0 {
		errs = append(errs, "authorization.cache_ttl must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads STAGEFLOW_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STAGEFLOW_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("STAGEFLOW_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("STAGEFLOW_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("STAGEFLOW_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("STAGEFLOW_IDENTITY_HMAC_SECRET"); v != "" {
		cfg.Identity.HMACSecret = v
	}
	if v := os.Getenv("STAGEFLOW_AUTHORIZATION_POLICY_FILE"); v != "" {
		cfg.Authorization.PolicyFile = v
	}
	if v := os.Getenv("STAGEFLOW_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("STAGEFLOW_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("STAGEFLOW_EVENTS_DRIVER"); v != "" {
		cfg.Events.Driver = v
	}
	if v := os.Getenv("STAGEFLOW_EVENTS_NATS_URL"); v != "" {
		cfg.Events.NATSURL = v
	}
	if v := os.Getenv("STAGEFLOW_IDEMPOTENCY_REDIS_URL"); v != "" {
		cfg.Idempotency.RedisURL = v
	}
	if v := os.Getenv("STAGEFLOW_WORKFLOW_DEFINITIONS_DIR"); v != "" {
		cfg.Workflow.DefinitionsDir = v
	}
	if v := os.Getenv("STAGEFLOW_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
