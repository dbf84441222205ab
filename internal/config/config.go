// Package config defines the top-level configuration for the market engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by MARKETD_* environment
// variables.
type Config struct {
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Market    MarketConfig    `toml:"market"`
	Lifecycle LifecycleConfig `toml:"lifecycle"`
	Server    ServerConfig    `toml:"server"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for ledger archival.
// Archival is disabled when Bucket is empty.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// MarketConfig holds trading-engine parameters.
type MarketConfig struct {
	// AllowShort permits selling tokens the trader does not hold, shorting
	// against the pool. The total distribution of every token still stays
	// non-negative either way.
	AllowShort bool `toml:"allow_short"`

	// TradeRateLimit caps trades per user within TradeRateWindow.
	TradeRateLimit  int      `toml:"trade_rate_limit"`
	TradeRateWindow Duration `toml:"trade_rate_window"`
}

// LifecycleConfig holds scheduler parameters.
type LifecycleConfig struct {
	// ScanInterval is how often the open/close scan runs. Scans run
	// synchronously on the tick so runs never overlap.
	ScanInterval Duration `toml:"scan_interval"`
}

// Duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "1m", "30s").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// AdminAPIKey protects the admin endpoints. Empty disables them.
	AdminAPIKey string `toml:"admin_api_key"`
}

// Defaults returns a Config populated with development defaults.
func Defaults() Config {
	return Config{
		Mode:     "full",
		LogLevel: "info",
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "marketd",
			User:          "marketd",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		S3: S3Config{
			Region: "us-east-1",
		},
		Market: MarketConfig{
			AllowShort:      false,
			TradeRateLimit:  10,
			TradeRateWindow: Duration{time.Second},
		},
		Lifecycle: LifecycleConfig{
			ScanInterval: Duration{time.Minute},
		},
		Server: ServerConfig{
			Port: 8080,
		},
	}
}

// Validate checks the configuration for inconsistencies that would prevent
// the selected mode from running.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Mode) {
	case "serve", "scheduler", "full":
	default:
		return fmt.Errorf("config: unsupported mode %q", c.Mode)
	}

	if c.Postgres.DSN == "" && (c.Postgres.Host == "" || c.Postgres.Database == "") {
		return fmt.Errorf("config: postgres dsn or host/database required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("config: redis addr required")
	}
	if c.Market.TradeRateLimit <= 0 {
		return fmt.Errorf("config: trade_rate_limit must be positive")
	}
	if c.Market.TradeRateWindow.Duration <= 0 {
		return fmt.Errorf("config: trade_rate_window must be positive")
	}
	if c.Lifecycle.ScanInterval.Duration <= 0 {
		return fmt.Errorf("config: scan_interval must be positive")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server port %d", c.Server.Port)
	}
	return nil
}
