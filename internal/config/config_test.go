package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, time.Minute, cfg.Lifecycle.ScanInterval.Duration)
	assert.False(t, cfg.Market.AllowShort)
}

func TestLoadTOMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
mode = "scheduler"
log_level = "debug"

[market]
allow_short = true
trade_rate_limit = 3
trade_rate_window = "2s"

[lifecycle]
scan_interval = "30s"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "scheduler", cfg.Mode)
	assert.True(t, cfg.Market.AllowShort)
	assert.Equal(t, 3, cfg.Market.TradeRateLimit)
	assert.Equal(t, 2*time.Second, cfg.Market.TradeRateWindow.Duration)
	assert.Equal(t, 30*time.Second, cfg.Lifecycle.ScanInterval.Duration)
	// Untouched sections keep their defaults.
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestEnvOverridesWinOverTOML(t *testing.T) {
	t.Setenv("MARKETD_MODE", "serve")
	t.Setenv("MARKETD_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("MARKETD_MARKET_ALLOW_SHORT", "true")
	t.Setenv("MARKETD_LIFECYCLE_SCAN_INTERVAL", "5m")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "serve", cfg.Mode)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.True(t, cfg.Market.AllowShort)
	assert.Equal(t, 5*time.Minute, cfg.Lifecycle.ScanInterval.Duration)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown mode", func(c *Config) { c.Mode = "turbo" }},
		{"zero rate limit", func(c *Config) { c.Market.TradeRateLimit = 0 }},
		{"zero scan interval", func(c *Config) { c.Lifecycle.ScanInterval.Duration = 0 }},
		{"bad port", func(c *Config) { c.Server.Port = -1 }},
		{"missing redis", func(c *Config) { c.Redis.Addr = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
