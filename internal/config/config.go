// Package config loads the YAML configuration with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"PortfolioAutopilot/internal/model"
	"PortfolioAutopilot/internal/rebalance"
	"PortfolioAutopilot/internal/scheduler"
	"PortfolioAutopilot/internal/trigger"
)

// TriggerConfig defines one price trigger. Enabled defaults to true.
type TriggerConfig struct {
	ID               string          `yaml:"id"`
	Asset            string          `yaml:"asset"`
	Direction        model.Direction `yaml:"direction"`
	ThresholdPercent float64         `yaml:"threshold_percent"`
	BaselinePrice    float64         `yaml:"baseline_price"`
	ActionPercent    float64         `yaml:"action_percent"`
	Venue            string          `yaml:"venue"`
	Schedule         string          `yaml:"schedule"`
	Enabled          *bool           `yaml:"enabled"`
}

// IsEnabled reports the effective enabled flag.
func (t TriggerConfig) IsEnabled() bool { return t.Enabled == nil || *t.Enabled }

// RebalancerConfig defines one portfolio to keep on target. Enabled defaults to true.
type RebalancerConfig struct {
	ID             string                   `yaml:"id"`
	Schedule       string                   `yaml:"schedule"`
	DriftThreshold float64                  `yaml:"drift_threshold"`
	Venue          string                   `yaml:"venue"`
	Targets        []model.AllocationTarget `yaml:"targets"`
	Enabled        *bool                    `yaml:"enabled"`
}

// IsEnabled reports the effective enabled flag.
func (r RebalancerConfig) IsEnabled() bool { return r.Enabled == nil || *r.Enabled }

// Config holds all application configuration.
type Config struct {
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // console or json
	} `yaml:"log"`
	Oracle struct {
		Mode       string             `yaml:"mode"` // http or mock
		BaseURL    string             `yaml:"base_url"`
		APIKey     string             `yaml:"api_key"`
		Quote      string             `yaml:"quote"`
		RateLimit  float64            `yaml:"rate_limit"`
		Burst      int                `yaml:"burst"`
		CacheTTL   time.Duration      `yaml:"cache_ttl"`
		MockPrices map[string]float64 `yaml:"mock_prices"`
	} `yaml:"oracle"`
	Swap struct {
		Mode          string             `yaml:"mode"` // http or paper
		BaseURL       string             `yaml:"base_url"`
		APIKey        string             `yaml:"api_key"`
		StableAsset   string             `yaml:"stable_asset"`
		Slippage      float64            `yaml:"slippage"`
		PaperBalances map[string]float64 `yaml:"paper_balances"`
	} `yaml:"swap"`
	Retry struct {
		Timeout         time.Duration `yaml:"timeout"`
		Attempts        int           `yaml:"attempts"`
		InitialBackoff  time.Duration `yaml:"initial_backoff"`
		MaxBackoff      time.Duration `yaml:"max_backoff"`
		BreakerFailures uint32        `yaml:"breaker_failures"`
		BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
	} `yaml:"retry"`
	Scheduler struct {
		RunTimeout  time.Duration `yaml:"run_timeout"`
		HistorySize int           `yaml:"history_size"`
		Timezone    string        `yaml:"timezone"`
		RunOnStart  bool          `yaml:"run_on_start"`
	} `yaml:"scheduler"`
	Telegram struct {
		BotToken string `yaml:"bot_token"`
		ChatID   string `yaml:"chat_id"`
		Polling  bool   `yaml:"polling"`
	} `yaml:"telegram"`
	Database struct {
		Driver      string `yaml:"driver"` // sqlite, postgres or memory
		SQLitePath  string `yaml:"sqlite_path"`
		PostgresDSN string `yaml:"postgres_dsn"`
	} `yaml:"database"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"redis"`
	Server struct {
		Listen string `yaml:"listen"`
	} `yaml:"server"`
	Triggers    []TriggerConfig    `yaml:"triggers"`
	Rebalancers []RebalancerConfig `yaml:"rebalancers"`
	Proxy       string             `yaml:"proxy"`
}

// Load reads config from a YAML file, then applies environment variable
// overrides and defaults. A missing file yields an all-default config.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	str := map[string]*string{
		"LOG_LEVEL":          &c.Log.Level,
		"ORACLE_MODE":        &c.Oracle.Mode,
		"ORACLE_BASE_URL":    &c.Oracle.BaseURL,
		"ORACLE_API_KEY":     &c.Oracle.APIKey,
		"SWAP_MODE":          &c.Swap.Mode,
		"SWAP_BASE_URL":      &c.Swap.BaseURL,
		"SWAP_API_KEY":       &c.Swap.APIKey,
		"TELEGRAM_BOT_TOKEN": &c.Telegram.BotToken,
		"TELEGRAM_CHAT_ID":   &c.Telegram.ChatID,
		"DATABASE_DRIVER":    &c.Database.Driver,
		"SQLITE_PATH":        &c.Database.SQLitePath,
		"POSTGRES_DSN":       &c.Database.PostgresDSN,
		"REDIS_ADDR":         &c.Redis.Addr,
		"REDIS_PASSWORD":     &c.Redis.Password,
		"SERVER_LISTEN":      &c.Server.Listen,
		"HTTPS_PROXY":        &c.Proxy,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("RUN_ON_START"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Scheduler.RunOnStart = b
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.Oracle.Mode == "" {
		c.Oracle.Mode = "http"
	}
	if c.Oracle.Quote == "" {
		c.Oracle.Quote = "USD"
	}
	if c.Oracle.RateLimit == 0 {
		c.Oracle.RateLimit = 5
	}
	if c.Oracle.Burst == 0 {
		c.Oracle.Burst = 5
	}
	if c.Oracle.CacheTTL == 0 {
		c.Oracle.CacheTTL = 5 * time.Second
	}
	if c.Swap.Mode == "" {
		c.Swap.Mode = "paper"
	}
	if c.Swap.StableAsset == "" {
		c.Swap.StableAsset = "USDC"
	}
	if c.Swap.Slippage == 0 {
		c.Swap.Slippage = 0.01
	}
	if c.Scheduler.RunTimeout == 0 {
		c.Scheduler.RunTimeout = scheduler.DefaultRunTimeout
	}
	if c.Scheduler.HistorySize == 0 {
		c.Scheduler.HistorySize = 100
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.SQLitePath == "" {
		c.Database.SQLitePath = "data/autopilot.db"
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "autopilot:price:"
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":9090"
	}
	for i := range c.Triggers {
		c.Triggers[i].Asset = strings.ToUpper(c.Triggers[i].Asset)
	}
	for i := range c.Rebalancers {
		for j := range c.Rebalancers[i].Targets {
			c.Rebalancers[i].Targets[j].Asset = strings.ToUpper(c.Rebalancers[i].Targets[j].Asset)
		}
	}
}

// Location resolves the scheduler timezone. Empty means local time.
func (c *Config) Location() (*time.Location, error) {
	if c.Scheduler.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Scheduler.Timezone)
}

// Validate checks that all required fields are set and every job definition is well-formed.
func (c *Config) Validate() error {
	var errs []error
	switch c.Oracle.Mode {
	case "http":
		if c.Oracle.BaseURL == "" {
			errs = append(errs, errors.New("oracle.base_url is required in http mode"))
		}
	case "mock":
	default:
		errs = append(errs, fmt.Errorf("oracle.mode %q must be http or mock", c.Oracle.Mode))
	}
	switch c.Swap.Mode {
	case "http":
		if c.Swap.BaseURL == "" {
			errs = append(errs, errors.New("swap.base_url is required in http mode"))
		}
	case "paper":
	default:
		errs = append(errs, fmt.Errorf("swap.mode %q must be http or paper", c.Swap.Mode))
	}
	if c.Swap.Slippage < 0 || c.Swap.Slippage >= 1 {
		errs = append(errs, errors.New("swap.slippage must be in [0, 1)"))
	}
	switch c.Database.Driver {
	case "sqlite", "memory":
	case "postgres":
		if c.Database.PostgresDSN == "" {
			errs = append(errs, errors.New("database.postgres_dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver %q must be sqlite, postgres or memory", c.Database.Driver))
	}
	if (c.Telegram.BotToken == "") != (c.Telegram.ChatID == "") {
		errs = append(errs, errors.New("telegram.bot_token and telegram.chat_id must be set together"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
	}

	ids := make(map[string]bool)
	for i, t := range c.Triggers {
		if t.ID == "" {
			errs = append(errs, fmt.Errorf("triggers[%d]: id is required", i))
		} else if ids[t.ID] {
			errs = append(errs, fmt.Errorf("triggers[%d]: duplicate id %s", i, t.ID))
		}
		ids[t.ID] = true
		if t.Asset == "" {
			errs = append(errs, fmt.Errorf("trigger %s: asset is required", t.ID))
		}
		if _, err := trigger.SignedPercent(t.Direction, t.ThresholdPercent); err != nil {
			errs = append(errs, fmt.Errorf("trigger %s: %w", t.ID, err))
		}
		if t.BaselinePrice <= 0 {
			errs = append(errs, fmt.Errorf("trigger %s: baseline_price must be positive", t.ID))
		}
		if t.ActionPercent <= 0 || t.ActionPercent > 100 {
			errs = append(errs, fmt.Errorf("trigger %s: action_percent must be in (0, 100]", t.ID))
		}
		if err := scheduler.ValidateSchedule(t.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("trigger %s: %w", t.ID, err))
		}
	}

	ids = make(map[string]bool)
	for i, r := range c.Rebalancers {
		if r.ID == "" {
			errs = append(errs, fmt.Errorf("rebalancers[%d]: id is required", i))
		} else if ids[r.ID] {
			errs = append(errs, fmt.Errorf("rebalancers[%d]: duplicate id %s", i, r.ID))
		}
		ids[r.ID] = true
		if r.DriftThreshold < 0 {
			errs = append(errs, fmt.Errorf("rebalancer %s: drift_threshold must be non-negative", r.ID))
		}
		if err := rebalance.ValidateTargets(r.Targets); err != nil {
			errs = append(errs, fmt.Errorf("rebalancer %s: %w", r.ID, err))
		} else if err := rebalance.RequireStable(r.Targets, c.Swap.StableAsset); err != nil {
			errs = append(errs, fmt.Errorf("rebalancer %s: %w", r.ID, err))
		}
		if err := scheduler.ValidateSchedule(r.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("rebalancer %s: %w", r.ID, err))
		}
	}
	return errors.Join(errs...)
}
