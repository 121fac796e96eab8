package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(envMap(nil))
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", cfg.NATSURL)
	assert.Equal(t, 5*time.Second, cfg.Match.TickInterval)
	assert.True(t, cfg.Match.StartingCash.Equal(decimal.NewFromInt(10_000)))
	assert.Equal(t, 100, cfg.Matchmaking.InitialWindow)
	assert.NotEmpty(t, cfg.InstanceID)
}

func TestLoad_EnvOverrides(t *testing.T) {
	cfg, err := load(envMap(map[string]string{
		"ARENA_NATS_URL":                  "nats://nats:4222",
		"ARENA_INSTANCE_ID":               "arena-1",
		"ARENA_TICK_INTERVAL":             "2s",
		"ARENA_STARTING_CASH":             "2500.50",
		"ARENA_BREAKER_FAILURE_THRESHOLD": "3",
		"ARENA_TRADE_WORKERS":             "16",
	}))
	require.NoError(t, err)

	assert.Equal(t, "nats://nats:4222", cfg.NATSURL)
	assert.Equal(t, "arena-1", cfg.InstanceID)
	assert.Equal(t, 2*time.Second, cfg.Match.TickInterval)
	assert.True(t, cfg.Match.StartingCash.Equal(decimal.RequireFromString("2500.50")))
	assert.Equal(t, int64(3), cfg.Breakers.FailureThreshold)
	assert.Equal(t, 16, cfg.Pools.TradeWorkers)
}

func TestLoad_FileOverlayThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arena.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
kv_bucket: arena-staging
match:
  total_bars: 30
  tick_interval: 1s
  ownership_ttl: 4s
  starting_cash: 5000
matchmaking:
  initial_window: 50
`), 0o600))

	cfg, err := load(envMap(map[string]string{
		"ARENA_CONFIG_FILE": path,
		"ARENA_TOTAL_BARS":  "45",
	}))
	require.NoError(t, err)

	assert.Equal(t, "arena-staging", cfg.KVBucket)
	assert.Equal(t, 45, cfg.Match.TotalBars, "environment wins over the file")
	assert.Equal(t, time.Second, cfg.Match.TickInterval)
	assert.True(t, cfg.Match.StartingCash.Equal(decimal.NewFromInt(5000)))
	assert.Equal(t, 50, cfg.Matchmaking.InitialWindow)
	assert.Equal(t, 200, cfg.Matchmaking.ExpandedWindow, "unset keys keep defaults")
}

func TestLoad_Errors(t *testing.T) {
	_, err := load(envMap(map[string]string{"ARENA_TICK_INTERVAL": "soon"}))
	assert.ErrorContains(t, err, "ARENA_TICK_INTERVAL")

	_, err = load(envMap(map[string]string{"ARENA_CONFIG_FILE": filepath.Join(t.TempDir(), "missing.yaml")}))
	assert.ErrorContains(t, err, "read config file")

	_, err = load(envMap(map[string]string{"ARENA_OWNERSHIP_TTL": "1s"}))
	assert.ErrorContains(t, err, "must exceed tick interval")

	_, err = load(envMap(map[string]string{"ARENA_STARTING_CASH": "0"}))
	assert.ErrorContains(t, err, "starting cash")
}
