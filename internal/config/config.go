// Package config loads the enforcer's configuration from the environment,
// with an optional Vault KV2 overlay for secrets (PG_URL, REDIS_PASSWORD,
// NATS credentials). Every knob has a production default; validation
// failures are fatal configuration errors (exit code 2).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// EventSecurity values accepted for EVENT_SECURITY.
const (
	SecurityPlaintext = "PLAINTEXT"
	SecuritySASLSSL   = "SASL_SSL"
)

// EventConfig binds the session-event consumer.
type EventConfig struct {
	Addr          string // EVENT_SOURCE_ADDR
	Topic         string // EVENT_SOURCE_TOPIC (subject filter)
	ConsumerGroup string // CONSUMER_GROUP (durable name)
	Security      string // EVENT_SECURITY
	Credentials   string // EVENT_CREDENTIALS (creds file, SASL_SSL only)
}

// FacadeConfig tunes the rule-facade client and executor.
type FacadeConfig struct {
	URL         string
	Timeout     time.Duration
	MaxRetries  int
	MaxInFlight int64
}

// IndexConfig tunes the in-memory session index.
type IndexConfig struct {
	Shards     int
	SessionTTL time.Duration
}

// DispatchConfig tunes the per-subscriber dispatcher.
type DispatchConfig struct {
	Workers             int
	QueueCap            int
	BackpressureTimeout time.Duration
}

// ReconcileConfig tunes the background mapping verification sweep.
type ReconcileConfig struct {
	Interval  time.Duration
	Staleness time.Duration
	Batch     int
}

// Config is the full enforcer configuration.
type Config struct {
	Event     EventConfig
	Facade    FacadeConfig
	Index     IndexConfig
	Dispatch  DispatchConfig
	Reconcile ReconcileConfig

	PolicyCacheTTL time.Duration
	ShutdownGrace  time.Duration

	PGURL         string
	RedisAddr     string // optional; empty disables the index replica
	RedisPassword string

	HTTPAddr string
	LogLevel string
	OTLPAddr string
}

// Load reads configuration from the environment. It returns an error for
// values that cannot be parsed or that fail validation.
func Load() (*Config, error) {
	cfg := &Config{
		Event: EventConfig{
			Addr:          getenv("EVENT_SOURCE_ADDR", "nats://127.0.0.1:4222"),
			Topic:         getenv("EVENT_SOURCE_TOPIC", "sessions.>"),
			ConsumerGroup: getenv("CONSUMER_GROUP", "parental-control-enforcer"),
			Security:      getenv("EVENT_SECURITY", SecurityPlaintext),
			Credentials:   os.Getenv("EVENT_CREDENTIALS"),
		},
		PGURL:         os.Getenv("PG_URL"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		LogLevel:      getenv("LOG_LEVEL", "INFO"),
		OTLPAddr:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	var err error
	cfg.Facade.URL = getenv("FACADE_URL", "http://localhost:5000")
	if cfg.Facade.Timeout, err = getDuration("FACADE_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.Facade.MaxRetries, err = getInt("FACADE_MAX_RETRIES", 5); err != nil {
		return nil, err
	}
	maxInflight, err := getInt("FACADE_MAX_INFLIGHT", 32)
	if err != nil {
		return nil, err
	}
	cfg.Facade.MaxInFlight = int64(maxInflight)

	if cfg.Index.Shards, err = getInt("INDEX_SHARDS", 16); err != nil {
		return nil, err
	}
	if cfg.Index.SessionTTL, err = getDuration("SESSION_TTL", 24*time.Hour); err != nil {
		return nil, err
	}

	if cfg.Dispatch.Workers, err = getInt("DISPATCH_WORKERS", 8); err != nil {
		return nil, err
	}
	if cfg.Dispatch.QueueCap, err = getInt("DISPATCH_QUEUE_CAP", 10000); err != nil {
		return nil, err
	}
	if cfg.Dispatch.BackpressureTimeout, err = getDuration("DISPATCH_BACKPRESSURE_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}

	if cfg.PolicyCacheTTL, err = getDuration("POLICY_CACHE_TTL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.ShutdownGrace, err = getDuration("SHUTDOWN_GRACE", 60*time.Second); err != nil {
		return nil, err
	}

	if cfg.Reconcile.Interval, err = getDuration("RECONCILE_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.Reconcile.Staleness, err = getDuration("VERIFY_STALENESS", time.Hour); err != nil {
		return nil, err
	}
	if cfg.Reconcile.Batch, err = getInt("RECONCILE_BATCH", 100); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Event.Security != SecurityPlaintext && c.Event.Security != SecuritySASLSSL {
		return fmt.Errorf("EVENT_SECURITY must be %s or %s, got %q",
			SecurityPlaintext, SecuritySASLSSL, c.Event.Security)
	}
	if c.Index.Shards < 1 {
		return fmt.Errorf("INDEX_SHARDS must be >= 1, got %d", c.Index.Shards)
	}
	if c.Dispatch.Workers < 1 {
		return fmt.Errorf("DISPATCH_WORKERS must be >= 1, got %d", c.Dispatch.Workers)
	}
	if c.Dispatch.QueueCap < 1 {
		return fmt.Errorf("DISPATCH_QUEUE_CAP must be >= 1, got %d", c.Dispatch.QueueCap)
	}
	if c.Facade.MaxInFlight < 1 {
		return fmt.Errorf("FACADE_MAX_INFLIGHT must be >= 1, got %d", c.Facade.MaxInFlight)
	}
	if c.Facade.MaxRetries < 0 {
		return fmt.Errorf("FACADE_MAX_RETRIES must be >= 0, got %d", c.Facade.MaxRetries)
	}
	switch c.LogLevel {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("LOG_LEVEL must be DEBUG, INFO, WARN or ERROR, got %q", c.LogLevel)
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	// Accept plain seconds for compatibility with the legacy deployment.
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
