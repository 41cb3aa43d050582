package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PortfolioAutopilot/internal/model"
)

const sample = `
oracle:
  mode: mock
  mock_prices:
    ETH/USD: 2000
    USDC/USD: 1
  cache_ttl: 2s
swap:
  mode: paper
  paper_balances:
    ETH: 3.3
    USDC: 3400
triggers:
  - id: eth-pump
    asset: eth
    direction: above
    threshold_percent: 15
    baseline_price: 2000
    action_percent: 50
    schedule: "*/5 * * * *"
rebalancers:
  - id: main
    schedule: "@hourly"
    drift_threshold: 5
    enabled: false
    targets:
      - asset: ETH
        percent: 60
      - asset: usdc
        percent: 40
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_ParsesAndDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "mock", cfg.Oracle.Mode)
	assert.Equal(t, 2*time.Second, cfg.Oracle.CacheTTL)
	assert.Equal(t, 2000.0, cfg.Oracle.MockPrices["ETH/USD"])
	assert.Equal(t, "USD", cfg.Oracle.Quote)
	assert.Equal(t, "USDC", cfg.Swap.StableAsset)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 100, cfg.Scheduler.HistorySize)

	require.Len(t, cfg.Triggers, 1)
	assert.Equal(t, "ETH", cfg.Triggers[0].Asset)
	assert.Equal(t, model.DirectionAbove, cfg.Triggers[0].Direction)
	assert.True(t, cfg.Triggers[0].IsEnabled())

	require.Len(t, cfg.Rebalancers, 1)
	assert.False(t, cfg.Rebalancers[0].IsEnabled())
	assert.Equal(t, "USDC", cfg.Rebalancers[0].Targets[1].Asset)
	assert.Equal(t, 40.0, cfg.Rebalancers[0].Targets[1].TargetPercent)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "http", cfg.Oracle.Mode)
	assert.Equal(t, ":9090", cfg.Server.Listen)
	assert.Error(t, cfg.Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "tok")
	t.Setenv("TELEGRAM_CHAT_ID", "42")
	t.Setenv("DATABASE_DRIVER", "memory")
	t.Setenv("RUN_ON_START", "true")

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	assert.Equal(t, "tok", cfg.Telegram.BotToken)
	assert.Equal(t, "42", cfg.Telegram.ChatID)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.True(t, cfg.Scheduler.RunOnStart)
	assert.NoError(t, cfg.Validate())
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad schedule", func(c *Config) { c.Triggers[0].Schedule = "99 99 * * *" }, "invalid schedule"},
		{"zero threshold", func(c *Config) { c.Triggers[0].ThresholdPercent = 0 }, "threshold percent must be positive"},
		{"unknown direction", func(c *Config) { c.Triggers[0].Direction = "sideways" }, "unknown direction"},
		{"action over 100", func(c *Config) { c.Triggers[0].ActionPercent = 120 }, "action_percent"},
		{"duplicate trigger", func(c *Config) { c.Triggers = append(c.Triggers, c.Triggers[0]) }, "duplicate id"},
		{"targets sum 95", func(c *Config) { c.Rebalancers[0].Targets[0].TargetPercent = 55 }, "sum to"},
		{"stable not a target", func(c *Config) { c.Swap.StableAsset = "USDT" }, "stable asset USDT"},
		{"half telegram", func(c *Config) { c.Telegram.BotToken = "x" }, "must be set together"},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = "postgres" }, "postgres_dsn"},
		{"bad timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "scheduler.timezone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, sample))
			require.NoError(t, err)
			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestExampleConfigIsValid(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "config.example.yaml"))
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())
	assert.Len(t, cfg.Triggers, 2)
}
