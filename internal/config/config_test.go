package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/tasksync/internal/errors"
	"github.com/kimhsiao/tasksync/internal/logging"
	"github.com/kimhsiao/tasksync/internal/sync/conflict"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(nil, "")
	require.NoError(t, err)

	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, 50, cfg.Sync.BatchSize)
	assert.Equal(t, 3, cfg.Sync.MaxRetries)
	assert.Equal(t, TransportHTTP, cfg.Sync.Transport)
	assert.Equal(t, 5*time.Second, cfg.Sync.HealthTimeout)
	assert.Equal(t, 30*time.Second, cfg.Sync.RequestTimeout)
	assert.Equal(t, 15*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, ":8090", cfg.HTTP.Addr)
	assert.False(t, cfg.Sync.Ephemeral)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, TransportSimulated, cfg.EffectiveTransport())
	assert.Equal(t, conflict.ResolutionStrategyLastWriteWins, cfg.Strategy())
}

func TestLoad_yamlFile(t *testing.T) {
	path := writeFile(t, "tasksync.yaml", `
data_dir: /var/lib/tasksync
sync:
  batch_size: 10
  endpoint: http://remote:9000
  transport: WebSocket
  conflict_strategy: operation_priority
  health_timeout: 2s
log:
  level: debug
  format: console
`)

	cfg, err := Load(New(), path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/tasksync", cfg.DataDir)
	assert.Equal(t, 10, cfg.Sync.BatchSize)
	assert.Equal(t, 3, cfg.Sync.MaxRetries, "unset keys keep defaults")
	assert.Equal(t, TransportWebSocket, cfg.EffectiveTransport())
	assert.Equal(t, conflict.ResolutionStrategyOperationPriority, cfg.Strategy())
	assert.Equal(t, 2*time.Second, cfg.Engine().HealthTimeout)
	assert.Equal(t, logging.LevelDebug, cfg.Logging().Level)
	assert.Equal(t, "console", cfg.Logging().Format)
}

func TestLoad_tomlFile(t *testing.T) {
	path := writeFile(t, "tasksync.toml", `
[sync]
batch_size = 25
interval = "1m"
`)
	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.Sync.BatchSize)
	assert.Equal(t, time.Minute, cfg.Scheduler().SyncInterval)
}

func TestLoad_envOverridesFile(t *testing.T) {
	path := writeFile(t, "tasksync.yaml", "sync:\n  batch_size: 10\n")
	t.Setenv("TASKSYNC_SYNC_BATCH_SIZE", "7")
	t.Setenv("TASKSYNC_SYNC_MAX_RETRIES", "5")

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Sync.BatchSize)
	assert.Equal(t, 5, cfg.Engine().MaxRetries)
}

func TestLoad_explicitOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	v := New()
	v.Set("sync.batch_size", 3)

	cfg, err := Load(v, "")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Sync.BatchSize)
}

func TestLoad_errors(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfigInvalid))

	path := writeFile(t, "bad.yaml", "sync: [unclosed\n")
	_, err = Load(New(), path)
	assert.True(t, errors.Is(err, errors.ErrConfigInvalid))

	path = writeFile(t, "zero.yaml", "sync:\n  batch_size: 0\n")
	_, err = Load(New(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch_size")
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	base, err := Load(nil, "")
	require.NoError(t, err)
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"data dir", func(c *Config) { c.DataDir = "" }, "data_dir"},
		{"batch size", func(c *Config) { c.Sync.BatchSize = -1 }, "batch_size"},
		{"max retries", func(c *Config) { c.Sync.MaxRetries = 0 }, "max_retries"},
		{"health timeout", func(c *Config) { c.Sync.HealthTimeout = 0 }, "health_timeout"},
		{"request timeout", func(c *Config) { c.Sync.RequestTimeout = -time.Second }, "request_timeout"},
		{"interval", func(c *Config) { c.Sync.Interval = 0 }, "sync.interval"},
		{"probe interval", func(c *Config) { c.Sync.ProbeInterval = 0 }, "probe_interval"},
		{"round timeout", func(c *Config) { c.Sync.RoundTimeout = 0 }, "round_timeout"},
		{"transport", func(c *Config) { c.Sync.Transport = "carrier-pigeon" }, "transport"},
		{"strategy", func(c *Config) { c.Sync.ConflictStrategy = "coin_flip" }, "conflict_strategy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrConfigInvalid))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
