/*
Package config loads rewardd configuration.

LAYERS (later wins):
  1. Default()
  2. TOML file (optional)
  3. REWARDS_* environment variables
  4. CLI flags (applied by the cli package)

EXAMPLE FILE:
  [server]
  addr = ":8080"

  [database]
  path = "rewards.db"

  [ledger]
  retention_days = 120
  timezone = "Asia/Seoul"

  [retry]
  interval = "1m"
  base_delay = "1m"
  max_delay = "24h"
  max_retries = 5

  [policies]
  file = "policies.yaml"

  [external]
  order_url = "http://orders.internal"
  timeout = "10s"

ENVIRONMENT:
  Every field has a variable named after its section and key, e.g.
  REWARDS_SERVER_ADDR, REWARDS_RETRY_MAX_RETRIES, REWARDS_LOG_LEVEL.
*/
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"

	"github.com/warp/reward-ledger/ledger"
)

type Config struct {
	Server     ServerConfig     `toml:"server" envPrefix:"SERVER_"`
	Database   DatabaseConfig   `toml:"database" envPrefix:"DATABASE_"`
	Ledger     LedgerConfig     `toml:"ledger" envPrefix:"LEDGER_"`
	Retry      RetryConfig      `toml:"retry" envPrefix:"RETRY_"`
	Expiration ExpirationConfig `toml:"expiration" envPrefix:"EXPIRATION_"`
	Policies   PoliciesConfig   `toml:"policies" envPrefix:"POLICIES_"`
	External   ExternalConfig   `toml:"external" envPrefix:"EXTERNAL_"`
	Telemetry  TelemetryConfig  `toml:"telemetry" envPrefix:"TELEMETRY_"`
	Log        LogConfig        `toml:"log" envPrefix:"LOG_"`
}

type ServerConfig struct {
	Addr           string   `toml:"addr" env:"ADDR"`
	AllowedOrigins []string `toml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	AdminToken     string   `toml:"admin_token" env:"ADMIN_TOKEN"`
}

type DatabaseConfig struct {
	Path string `toml:"path" env:"PATH"`
}

type LedgerConfig struct {
	RetentionDays int    `toml:"retention_days" env:"RETENTION_DAYS"`
	Timezone      string `toml:"timezone" env:"TIMEZONE"`
}

type RetryConfig struct {
	Enabled    bool          `toml:"enabled" env:"ENABLED"`
	Interval   time.Duration `toml:"interval" env:"INTERVAL"`
	BatchSize  int           `toml:"batch_size" env:"BATCH_SIZE"`
	ItemDelay  time.Duration `toml:"item_delay" env:"ITEM_DELAY"`
	BaseDelay  time.Duration `toml:"base_delay" env:"BASE_DELAY"`
	MaxDelay   time.Duration `toml:"max_delay" env:"MAX_DELAY"`
	MaxRetries int           `toml:"max_retries" env:"MAX_RETRIES"`
	StaleAfter time.Duration `toml:"stale_after" env:"STALE_AFTER"`
}

type ExpirationConfig struct {
	Enabled   bool          `toml:"enabled" env:"ENABLED"`
	Interval  time.Duration `toml:"interval" env:"INTERVAL"`
	BatchSize int           `toml:"batch_size" env:"BATCH_SIZE"`
}

type PoliciesConfig struct {
	File string `toml:"file" env:"FILE"`
}

// ExternalConfig points at the collaborating services. Empty URLs disable
// the corresponding client.
type ExternalConfig struct {
	OrderURL      string        `toml:"order_url" env:"ORDER_URL"`
	DashboardURL  string        `toml:"dashboard_url" env:"DASHBOARD_URL"`
	OccurrenceURL string        `toml:"occurrence_url" env:"OCCURRENCE_URL"`
	PolicyURL     string        `toml:"policy_url" env:"POLICY_URL"` // overrides the policy file
	Timeout       time.Duration `toml:"timeout" env:"TIMEOUT"`
}

type TelemetryConfig struct {
	OTLPEndpoint string  `toml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `toml:"service_name" env:"SERVICE_NAME"`
	SampleRatio  float64 `toml:"sample_ratio" env:"SAMPLE_RATIO"`
}

type LogConfig struct {
	Level  string `toml:"level" env:"LEVEL"`
	Format string `toml:"format" env:"FORMAT"` // text or json
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server:   ServerConfig{Addr: ":8080", AllowedOrigins: []string{"*"}},
		Database: DatabaseConfig{Path: "rewards.db"},
		Ledger:   LedgerConfig{RetentionDays: 120, Timezone: "Asia/Seoul"},
		Retry: RetryConfig{
			Enabled:    true,
			Interval:   time.Minute,
			BatchSize:  50,
			ItemDelay:  100 * time.Millisecond,
			BaseDelay:  time.Minute,
			MaxDelay:   24 * time.Hour,
			MaxRetries: 5,
			StaleAfter: 15 * time.Minute,
		},
		Expiration: ExpirationConfig{Enabled: true, Interval: time.Hour, BatchSize: 100},
		External:   ExternalConfig{Timeout: 10 * time.Second},
		Telemetry:  TelemetryConfig{ServiceName: "rewardd", SampleRatio: 1},
		Log:        LogConfig{Level: "info", Format: "text"},
	}
}

// Load applies the file (if path is non-empty) and the environment on top
// of Default, then validates.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("load config %s: unknown keys %v", path, undecoded)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "REWARDS_"}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Addr != "", "server.addr is required")
	check(c.Database.Path != "", "database.path is required")
	check(c.Ledger.RetentionDays > 0, "ledger.retention_days must be positive, got %d", c.Ledger.RetentionDays)
	if _, err := ledger.LoadLocation(c.Ledger.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("ledger.timezone: %w", err))
	}

	check(c.Retry.Interval > 0, "retry.interval must be positive")
	check(c.Retry.BatchSize > 0, "retry.batch_size must be positive, got %d", c.Retry.BatchSize)
	check(c.Retry.ItemDelay >= 0, "retry.item_delay must not be negative")
	check(c.Retry.BaseDelay > 0, "retry.base_delay must be positive")
	check(c.Retry.MaxDelay >= c.Retry.BaseDelay, "retry.max_delay must be at least retry.base_delay")
	check(c.Retry.MaxRetries > 0, "retry.max_retries must be positive, got %d", c.Retry.MaxRetries)
	check(c.Retry.StaleAfter >= 0, "retry.stale_after must not be negative")

	check(c.Expiration.Interval > 0, "expiration.interval must be positive")
	check(c.Expiration.BatchSize > 0, "expiration.batch_size must be positive, got %d", c.Expiration.BatchSize)

	check(c.External.Timeout > 0, "external.timeout must be positive")
	check(c.Telemetry.SampleRatio >= 0 && c.Telemetry.SampleRatio <= 1,
		"telemetry.sample_ratio must be within [0, 1], got %v", c.Telemetry.SampleRatio)

	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	check(c.Log.Format == "text" || c.Log.Format == "json", "log.format must be text or json, got %q", c.Log.Format)

	return errors.Join(errs...)
}

// Retention returns the ledger retention window.
func (c Config) Retention() time.Duration {
	return time.Duration(c.Ledger.RetentionDays) * 24 * time.Hour
}

func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log.level: unknown level %q", s)
}

// NewLogger builds the process logger from the log section.
func (c LogConfig) NewLogger() *slog.Logger {
	level, _ := ParseLevel(c.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
