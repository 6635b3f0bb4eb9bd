package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFromFileDefaults(t *testing.T) {
	path := writeConfig(t, `
postgres:
  dsn: postgres://localhost/llmgate
redis:
  addr: localhost:6379
`)
	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "providerCacheInvalidation", cfg.Redis.InvalidationChannel)
	assert.Equal(t, 60*time.Second, cfg.Relay.RegistryTTL)
	assert.Equal(t, 30*time.Minute, cfg.Relay.SessionTTL)
	assert.Equal(t, "5m", cfg.Pricing.DefaultCacheTTL)
}

func TestLoadFromFileEnvExpansion(t *testing.T) {
	t.Setenv("TEST_PG_DSN", "postgres://db.internal/gw")
	path := writeConfig(t, `
postgres:
  dsn: ${TEST_PG_DSN}
redis:
  addr: localhost:6379
`)
	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://db.internal/gw", cfg.Postgres.DSN)
}

func TestValidateRejectsMissingDSN(t *testing.T) {
	path := writeConfig(t, `
redis:
  addr: localhost:6379
`)
	_, err := LoadFromFile(path)
	assert.ErrorContains(t, err, "postgres.dsn")
}

func TestValidateRejectsBadCacheTTL(t *testing.T) {
	path := writeConfig(t, `
postgres:
  dsn: postgres://localhost/llmgate
pricing:
  default_cache_ttl: 2h
`)
	_, err := LoadFromFile(path)
	assert.ErrorContains(t, err, "default_cache_ttl")
}

func TestTestTimeoutClamping(t *testing.T) {
	t.Setenv("API_TEST_TIMEOUT_MS", "1000")
	assert.Equal(t, 5*time.Second, TestTimeout())

	t.Setenv("API_TEST_TIMEOUT_MS", "300000")
	assert.Equal(t, 120*time.Second, TestTimeout())

	t.Setenv("API_TEST_TIMEOUT_MS", "30000")
	assert.Equal(t, 30*time.Second, TestTimeout())

	t.Setenv("API_TEST_TIMEOUT_MS", "not-a-number")
	assert.Equal(t, 15*time.Second, TestTimeout())
}
