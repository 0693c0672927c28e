package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Limits.Rate.MaxRequests)
	assert.Equal(t, time.Minute, cfg.Limits.Rate.Window)
	assert.Equal(t, "sequential", cfg.Ledger.Mode)
	assert.Equal(t, "order", cfg.Idempotency.KeyPolicy)
	assert.Equal(t, 10000.0, cfg.Accounts.StartingCash)
}

func TestLoadFromFile(t *testing.T) {
	yamlContent := []byte(`
server:
  port: "9000"
ledger:
  mode: atomic
  lock_wait: 2s
limits:
  rate:
    max_requests: 3
    window: 30s
  daily:
    max_trades: 5
    timezone: America/New_York
idempotency:
  ttl: 5m
  key_policy: client
pricing:
  provider: simulated
  simulated:
    ACME: 50
`)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, yamlContent, 0o600))

	t.Setenv("PORT", "")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, "atomic", cfg.Ledger.Mode)
	assert.Equal(t, 2*time.Second, cfg.Ledger.LockWait)
	assert.Equal(t, 30*time.Second, cfg.Ledger.LockTTL)
	assert.Equal(t, 3, cfg.Limits.Rate.MaxRequests)
	assert.Equal(t, 30*time.Second, cfg.Limits.Rate.Window)
	assert.Equal(t, "America/New_York", cfg.Limits.Daily.Timezone)
	assert.Equal(t, 5*time.Minute, cfg.Idempotency.TTL)
	assert.Equal(t, "client", cfg.Idempotency.KeyPolicy)
	assert.Equal(t, 50.0, cfg.Pricing.Simulated["ACME"])
	// untouched sections keep their defaults
	assert.Equal(t, int64(1000), cfg.Limits.PerTrade.MaxShares)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7777")
	t.Setenv("STATE_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("DEBUG", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "7777", cfg.Server.Port)
	assert.Equal(t, "redis", cfg.State.Backend)
	assert.Equal(t, "redis:6380", cfg.State.RedisAddr)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Achievements.Brokers)
	assert.True(t, cfg.Server.Debug)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Ledger.Mode = "eventual"
	cfg.Ledger.LockWait = 0
	cfg.Limits.Daily.Timezone = "Mars/Olympus_Mons"
	cfg.Pricing.Provider = "carrier-pigeon"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger.mode")
	assert.Contains(t, err.Error(), "ledger.lock_ttl")
	assert.Contains(t, err.Error(), "timezone")
	assert.Contains(t, err.Error(), "pricing.provider")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
