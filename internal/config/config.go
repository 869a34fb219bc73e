// Package config handles YAML configuration loading with environment
// variable expansion and database seeding on first run.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Queue     QueueConfig     `yaml:"queue"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Billing   BillingConfig   `yaml:"billing"`
	Poller    PollerConfig    `yaml:"poller"`
	Retention RetentionConfig `yaml:"retention"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Users     []UserEntry     `yaml:"users"`
	Keys      []KeyEntry      `yaml:"keys"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	AdminToken      string        `yaml:"admin_token"` // "" disables the admin API
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"` // long: streams flow through it
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	Path string `yaml:"path"` // file path or ":memory:"
}

// RedisConfig holds the optional Redis connection. An empty addr runs the
// gateway in single-instance mode: direct usage writes, no advisory locks.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Enabled reports whether a Redis connection is configured.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

// QueueConfig tunes the usage event stream.
type QueueConfig struct {
	Stream     string        `yaml:"stream"`
	Group      string        `yaml:"group"`
	DLQ        string        `yaml:"dlq"`
	MaxLen     int64         `yaml:"max_len"`
	Batch      int64         `yaml:"batch"`
	Block      time.Duration `yaml:"block"`
	ClaimIdle  time.Duration `yaml:"claim_idle"`
	MaxRetries int64         `yaml:"max_retries"`
}

// DispatchConfig tunes the request pipeline.
type DispatchConfig struct {
	MaxCandidates     int           `yaml:"max_candidates"`
	FirstChunkTimeout time.Duration `yaml:"first_chunk_timeout"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`
	SmootherChars     int           `yaml:"smoother_chars"`
	SmootherDelay     time.Duration `yaml:"smoother_delay"`
	LogLevel          string        `yaml:"log_level"` // "basic", "headers", "full"
	GeminiProject     string        `yaml:"gemini_project"`
	UserAgent         string        `yaml:"user_agent"`
}

// BillingConfig controls cost settlement.
type BillingConfig struct {
	Strict bool `yaml:"strict"` // missing required dimension fails the row
}

// PollerConfig tunes the async video-task poller.
type PollerConfig struct {
	Enabled     *bool         `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	Batch       int           `yaml:"batch"`
	Concurrency int           `yaml:"concurrency"`
	LockTTL     time.Duration `yaml:"lock_ttl"`
}

// IsEnabled defaults to true when unset.
func (p PollerConfig) IsEnabled() bool { return p.Enabled == nil || *p.Enabled }

// RetentionConfig holds the staged usage-row age thresholds in days.
// A zero stage is skipped.
type RetentionConfig struct {
	CompressAfterDays     int `yaml:"compress_after_days"`
	DropCompressedDays    int `yaml:"drop_compressed_days"`
	ClearHeadersAfterDays int `yaml:"clear_headers_after_days"`
	DeleteAfterDays       int `yaml:"delete_after_days"`
}

// ScheduleConfig controls the cron jobs. Crons fire in Timezone; storage
// timestamps stay UTC.
type ScheduleConfig struct {
	Timezone          string        `yaml:"timezone"`
	AggregationCron   string        `yaml:"aggregation_cron"`
	AggregationResync time.Duration `yaml:"aggregation_resync"` // backfill check interval
	RetentionCron     string        `yaml:"retention_cron"`
	ReaperInterval    time.Duration `yaml:"reaper_interval"`
	NodeSweepInterval time.Duration `yaml:"node_sweep_interval"`
	KeyCleanupCron    string        `yaml:"key_cleanup_cron"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// UserEntry seeds a tenant on first run.
type UserEntry struct {
	Name     string   `yaml:"name"`
	Role     string   `yaml:"role"`
	QuotaUSD *float64 `yaml:"quota_usd"`
}

// KeyEntry seeds an API key on first run. The plaintext is hashed at
// bootstrap and never persisted.
type KeyEntry struct {
	Name          string   `yaml:"name"`
	Key           string   `yaml:"key"`
	User          string   `yaml:"user"` // seeded user name
	AllowedModels []string `yaml:"allowed_models"`
	RPMLimit      *int64   `yaml:"rpm_limit"`
}

// envPattern matches ${VAR} and ${VAR:default}.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::([^}]*))?\}`)

// expandEnv replaces ${VAR} with the environment value and ${VAR:default}
// with the default when the variable is unset. An unset variable without a
// default keeps the literal text.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		groups := envPattern.FindSubmatch(match)
		if val, ok := os.LookupEnv(string(groups[1])); ok {
			return []byte(val)
		}
		if strings.Contains(string(match), ":") {
			return groups[2]
		}
		return match
	})
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    10 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{Path: "aether.db"},
		Queue: QueueConfig{
			Stream:     "aether:usage",
			Group:      "aether-usage",
			DLQ:        "aether:usage:dlq",
			MaxLen:     100_000,
			Batch:      100,
			Block:      2 * time.Second,
			ClaimIdle:  time.Minute,
			MaxRetries: 3,
		},
		Dispatch: DispatchConfig{
			MaxCandidates:     10,
			FirstChunkTimeout: 30 * time.Second,
			MaxBodyBytes:      32 << 20,
			SmootherChars:     5,
			SmootherDelay:     15 * time.Millisecond,
			LogLevel:          "basic",
		},
		Poller: PollerConfig{
			Interval:    30 * time.Second,
			Batch:       50,
			Concurrency: 8,
			LockTTL:     time.Minute,
		},
		Retention: RetentionConfig{
			CompressAfterDays:     7,
			DropCompressedDays:    90,
			ClearHeadersAfterDays: 90,
			DeleteAfterDays:       365,
		},
		Schedule: ScheduleConfig{
			Timezone:          "UTC",
			AggregationCron:   "0 1 * * *",
			AggregationResync: 30 * time.Minute,
			RetentionCron:     "0 3 * * *",
			ReaperInterval:    5 * time.Minute,
			NodeSweepInterval: 30 * time.Second,
			KeyCleanupCron:    "30 2 * * *",
		},
		Telemetry: TelemetryConfig{Metrics: MetricsConfig{Enabled: true}},
	}
}

// Load reads and parses a YAML config file over the defaults, expanding
// environment variables first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(expandEnv(data), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the rest of the system cannot honor.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config: server.addr required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("config: database.path required")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("config: schedule.timezone: %w", err)
	}
	switch c.Dispatch.LogLevel {
	case "", "basic", "headers", "full":
	default:
		return fmt.Errorf("config: dispatch.log_level %q (want basic, headers, or full)", c.Dispatch.LogLevel)
	}
	if c.Poller.Interval <= 0 {
		return fmt.Errorf("config: poller.interval must be positive")
	}
	return nil
}

// Location resolves the scheduler timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Schedule.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Schedule.Timezone)
}
