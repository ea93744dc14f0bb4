package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"PariLedger/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pari.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// ============================================================================
// Test: Defaults validate and run in memory
// ============================================================================

func TestDefaults_Valid(t *testing.T) {
	cfg := config.Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, 100, cfg.Ledger.FeeRateBps)
	assert.False(t, cfg.SyncEnabled())
}

// ============================================================================
// Test: YAML merges over defaults
// ============================================================================

func TestLoad_YAMLOverDefaults(t *testing.T) {
	path := writeYAML(t, `
instance: eu-1
storage:
  driver: sqlite
  dsn: file:ledger.db
ledger:
  fee_rate_bps: 250
  audit_interval: 30s
nats:
  enabled: true
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "eu-1", cfg.Instance)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 250, cfg.Ledger.FeeRateBps)
	assert.Equal(t, 30*time.Second, cfg.Ledger.AuditInterval)
	assert.True(t, cfg.NATS.Enabled)
	// Untouched keys keep their defaults.
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.True(t, cfg.SyncEnabled())
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.Defaults().Instance, cfg.Instance)
}

func TestLoad_Errors(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = config.Load(writeYAML(t, "ledger: [unterminated"))
	require.Error(t, err)
}

// ============================================================================
// Test: Environment overrides win over YAML
// ============================================================================

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeYAML(t, "ledger:\n  fee_rate_bps: 250\n")
	t.Setenv("PARI_FEE_RATE_BPS", "50")
	t.Setenv("PARI_STORAGE_DRIVER", "postgres")
	t.Setenv("PARI_STORAGE_DSN", "postgres://pari@localhost/pari")
	t.Setenv("PARI_REDIS_ENABLED", "true")
	t.Setenv("PARI_AUDIT_INTERVAL", "5m")
	t.Setenv("PARI_RATE_LIMIT", "12.5")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 50, cfg.Ledger.FeeRateBps)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, "postgres://pari@localhost/pari", cfg.Storage.DSN)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, 5*time.Minute, cfg.Ledger.AuditInterval)
	assert.Equal(t, 12.5, cfg.Server.RateLimit)
}

func TestLoad_MalformedEnvIgnored(t *testing.T) {
	t.Setenv("PARI_FEE_RATE_BPS", "lots")
	t.Setenv("PARI_NATS_ENABLED", "maybe")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Ledger.FeeRateBps)
	assert.False(t, cfg.NATS.Enabled)
}

// ============================================================================
// Test: Validate collects every problem
// ============================================================================

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"fee above cap", func(c *config.Config) { c.Ledger.FeeRateBps = 501 }, "fee_rate_bps"},
		{"negative fee", func(c *config.Config) { c.Ledger.FeeRateBps = -1 }, "fee_rate_bps"},
		{"unknown driver", func(c *config.Config) { c.Storage.Driver = "mongo" }, "unknown driver"},
		{"sqlite without dsn", func(c *config.Config) { c.Storage.Driver = "sqlite" }, "dsn is required"},
		{"bad log level", func(c *config.Config) { c.LogLevel = "trace" }, "log_level"},
		{"empty instance", func(c *config.Config) { c.Instance = " " }, "instance"},
		{"zero queue", func(c *config.Config) { c.Ledger.CommandQueue = 0 }, "command_queue"},
		{"no listeners", func(c *config.Config) { c.Server.HTTPAddr, c.Server.GRPCAddr = "", "" }, "http_addr"},
		{"rate without burst", func(c *config.Config) { c.Server.RateBurst = 0 }, "rate_burst"},
		{"nats without url", func(c *config.Config) { c.NATS.Enabled, c.NATS.URL = true, "" }, "nats"},
		{"redis without addr", func(c *config.Config) { c.Redis.Enabled, c.Redis.Addr = true, "" }, "redis"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_ReportsAll(t *testing.T) {
	cfg := config.Defaults()
	cfg.Ledger.FeeRateBps = 9000
	cfg.Storage.Driver = "mongo"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fee_rate_bps")
	assert.Contains(t, err.Error(), "unknown driver")
}
