// Package store implements the PostgreSQL row stores backing the gateway:
// providers, keys, users, model prices, and usage logs. Counters, breaker
// state, and sessions live in redis (see the ratelimit, breaker, and
// session packages).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// Store wraps the shared database handle.
type Store struct {
	db *sql.DB
}

// Config contains PostgreSQL connection settings.
type Config struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	ConnLifetime time.Duration
}

// Open connects to PostgreSQL and verifies connectivity.
func Open(cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle, used by tests with sqlmock-style
// fakes.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the row-store tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS providers (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	url TEXT NOT NULL,
	type TEXT NOT NULL,
	credential TEXT NOT NULL DEFAULT '',
	unified_client_id TEXT NOT NULL DEFAULT '',
	priority INT NOT NULL DEFAULT 0,
	weight INT NOT NULL DEFAULT 1,
	cost_multiplier DOUBLE PRECISION NOT NULL DEFAULT 1,
	group_tags JSONB NOT NULL DEFAULT '["default"]',
	allowed_models JSONB NOT NULL DEFAULT '[]',
	model_redirects JSONB NOT NULL DEFAULT '{}',
	join_claude_pool BOOLEAN NOT NULL DEFAULT FALSE,
	limits JSONB NOT NULL DEFAULT '{}',
	concurrent_sessions INT NOT NULL DEFAULT 0,
	breaker JSONB NOT NULL DEFAULT '{}',
	proxy_url TEXT NOT NULL DEFAULT '',
	proxy_fallback_to_direct BOOLEAN NOT NULL DEFAULT FALSE,
	timeouts JSONB NOT NULL DEFAULT '{}',
	tpm_limit BIGINT NOT NULL DEFAULT 0,
	rpm_limit BIGINT NOT NULL DEFAULT 0,
	rpd_limit BIGINT NOT NULL DEFAULT 0,
	cache_ttl_preference TEXT NOT NULL DEFAULT 'inherit',
	max_retry_attempts INT NOT NULL DEFAULT 0,
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	limits JSONB NOT NULL DEFAULT '{}',
	rpm BIGINT NOT NULL DEFAULT 0,
	provider_groups JSONB NOT NULL DEFAULT '["all"]',
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS keys (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id),
	name TEXT NOT NULL,
	hash TEXT NOT NULL UNIQUE,
	limits JSONB NOT NULL DEFAULT '{}',
	concurrent_sessions INT NOT NULL DEFAULT 0,
	provider_groups JSONB NOT NULL DEFAULT '["default"]',
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS model_prices (
	model TEXT PRIMARY KEY,
	input DOUBLE PRECISION NOT NULL DEFAULT 0,
	output DOUBLE PRECISION NOT NULL DEFAULT 0,
	cache_write_5m DOUBLE PRECISION NOT NULL DEFAULT 0,
	cache_write_1h DOUBLE PRECISION NOT NULL DEFAULT 0,
	cache_read DOUBLE PRECISION NOT NULL DEFAULT 0,
	has_1m_context BOOLEAN NOT NULL DEFAULT FALSE,
	input_1m_mult DOUBLE PRECISION NOT NULL DEFAULT 2,
	output_1m_mult DOUBLE PRECISION NOT NULL DEFAULT 1.5,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS usage_logs (
	id TEXT PRIMARY KEY,
	key_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	provider_id TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	original_model TEXT NOT NULL DEFAULT '',
	endpoint TEXT NOT NULL,
	status INT NOT NULL DEFAULT 0,
	usage JSONB NOT NULL DEFAULT '{}',
	cache_ttl_applied TEXT NOT NULL DEFAULT '',
	context_1m BOOLEAN NOT NULL DEFAULT FALSE,
	cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
	billable BOOLEAN NOT NULL DEFAULT TRUE,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	ttfb_ms BIGINT NOT NULL DEFAULT 0,
	provider_chain JSONB NOT NULL DEFAULT '[]',
	blocked_by TEXT NOT NULL DEFAULT '',
	blocked_reason TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS usage_logs_key_created_idx ON usage_logs (key_id, created_at);
CREATE INDEX IF NOT EXISTS usage_logs_provider_created_idx ON usage_logs (provider_id, created_at);
`
