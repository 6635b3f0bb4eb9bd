// Package config provides gateway configuration with hot-reload support.
// Configuration comes from a YAML file with ${ENV} expansion; the handful of
// operational knobs that must work without a file are read from the
// environment directly.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete gateway configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Relay    RelayConfig    `yaml:"relay"`
	Pricing  PricingConfig  `yaml:"pricing"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Vault    VaultConfig    `yaml:"vault"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// VaultConfig enables vault:// credential references. Empty address
// disables vault resolution.
type VaultConfig struct {
	Address  string `yaml:"address"`
	Token    string `yaml:"token"`
	RoleID   string `yaml:"role_id"`
	SecretID string `yaml:"secret_id"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	// DrainTimeout bounds how long shutdown waits for in-flight requests.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
	// AdminToken protects the /admin endpoints. Empty disables them.
	AdminToken string `yaml:"admin_token"`
}

// PostgresConfig holds the row-store DSN.
type PostgresConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the shared fast-store connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// InvalidationChannel is the pub/sub channel broadcasting provider
	// cache invalidations across instances.
	InvalidationChannel string `yaml:"invalidation_channel"`
	KeyPrefix           string `yaml:"key_prefix"`
}

// RelayConfig contains hot-path behavior knobs.
type RelayConfig struct {
	// MaxRetryAttempts caps retries across alternate providers when a
	// provider does not set its own limit.
	MaxRetryAttempts int `yaml:"max_retry_attempts"`
	// RegistryTTL bounds provider cache staleness when pub/sub is down.
	RegistryTTL time.Duration `yaml:"registry_ttl"`
	// SessionTTL bounds session affinity pins.
	SessionTTL time.Duration `yaml:"session_ttl"`
	// RecorderTimeout bounds best-effort accounting after client abort.
	RecorderTimeout time.Duration `yaml:"recorder_timeout"`
}

// PricingConfig controls cost computation defaults.
type PricingConfig struct {
	// DefaultCacheTTL resolves a provider's "inherit" cache tier
	// preference. Either "5m" or "1h".
	DefaultCacheTTL string `yaml:"default_cache_ttl"`
}

// ArchiveConfig controls the optional S3 usage-log archive.
type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Bucket        string        `yaml:"bucket"`
	Region        string        `yaml:"region"`
	Endpoint      string        `yaml:"endpoint"`
	AccessKeyID   string        `yaml:"access_key_id"`
	SecretKey     string        `yaml:"secret_key"`
	PathPrefix    string        `yaml:"path_prefix"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BatchSize     int           `yaml:"batch_size"`
	Compression   bool          `yaml:"compression"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig contains OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	Insecure    bool    `yaml:"insecure"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0, // streaming responses manage their own deadlines
			IdleTimeout:  60 * time.Second,
			DrainTimeout: 30 * time.Second,
		},
		Postgres: PostgresConfig{
			MaxOpenConns: 20,
			MaxIdleConns: 5,
		},
		Redis: RedisConfig{
			Addr:                "localhost:6379",
			InvalidationChannel: "providerCacheInvalidation",
			KeyPrefix:           "llmgate",
		},
		Relay: RelayConfig{
			MaxRetryAttempts: 3,
			RegistryTTL:      60 * time.Second,
			SessionTTL:       30 * time.Minute,
			RecorderTimeout:  2 * time.Second,
		},
		Pricing: PricingConfig{
			DefaultCacheTTL: "5m",
		},
		Archive: ArchiveConfig{
			FlushInterval: 10 * time.Second,
			BatchSize:     100,
			Compression:   true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4318",
			ServiceName: "llmgate",
			SampleRate:  1.0,
			Insecure:    true,
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file. Environment
// variables in the format ${VAR_NAME} are expanded before parsing.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Redis.InvalidationChannel == "" {
		return fmt.Errorf("redis.invalidation_channel is required")
	}
	if c.Relay.MaxRetryAttempts < 0 {
		return fmt.Errorf("relay.max_retry_attempts cannot be negative")
	}
	switch c.Pricing.DefaultCacheTTL {
	case "5m", "1h":
	default:
		return fmt.Errorf("pricing.default_cache_ttl must be 5m or 1h, got %q", c.Pricing.DefaultCacheTTL)
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("archive.bucket is required when archive is enabled")
	}
	return nil
}

// Connectivity-test timeout bounds. The admin test endpoint honors the
// API_TEST_TIMEOUT_MS env var clamped to this range; the Gemini admin test
// always uses GeminiTestTimeout.
const (
	minTestTimeout     = 5 * time.Second
	maxTestTimeout     = 120 * time.Second
	defaultTestTimeout = 15 * time.Second

	// GeminiTestTimeout is fixed: Gemini cold starts routinely exceed the
	// generic bound.
	GeminiTestTimeout = 60 * time.Second
)

// TestTimeout returns the admin connectivity test timeout from the
// environment, clamped to [5s, 120s].
func TestTimeout() time.Duration {
	raw := os.Getenv("API_TEST_TIMEOUT_MS")
	if raw == "" {
		return defaultTestTimeout
	}
	ms, err := strconv.Atoi(raw)
	if err != nil {
		return defaultTestTimeout
	}
	d := time.Duration(ms) * time.Millisecond
	if d < minTestTimeout {
		return minTestTimeout
	}
	if d > maxTestTimeout {
		return maxTestTimeout
	}
	return d
}
