// Package config defines the top-level configuration for arbbuyer and
// provides validation helpers.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/alanyoungcy/arbbuyer/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ARBBUYER_* environment variables.
type Config struct {
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
	Storage   StorageConfig   `toml:"storage"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Browser   BrowserConfig   `toml:"browser"`
	Session   SessionConfig   `toml:"session"`
	Purchase  PurchaseConfig  `toml:"purchase"`
	Evaluator EvaluatorConfig `toml:"evaluator"`
	Worker    WorkerConfig    `toml:"worker"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Events    EventsConfig    `toml:"events"`
	Kafka     KafkaConfig     `toml:"kafka"`
	Notify    NotifyConfig    `toml:"notify"`
	Alert     AlertConfig     `toml:"alert"`
	Server    ServerConfig    `toml:"server"`
	Auth      AuthConfig      `toml:"auth"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// StorageConfig picks the persistence backend.
type StorageConfig struct {
	// Backend is "postgres" or "memory". Memory loses everything on exit.
	Backend string `toml:"backend"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN            string   `toml:"dsn"`
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	Database       string   `toml:"database"`
	User           string   `toml:"user"`
	Password       string   `toml:"password"`
	SSLMode        string   `toml:"ssl_mode"`
	PoolMaxConns   int      `toml:"pool_max_conns"`
	PoolMinConns   int      `toml:"pool_min_conns"`
	ConnectTimeout duration `toml:"connect_timeout"`
	RunMigrations  bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. Without Redis, session
// locks are process-local and the rule cache, API rate limit and outcome
// stream are off.
type RedisConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	KeyPrefix    string   `toml:"key_prefix"`
	RuleCacheTTL duration `toml:"rule_cache_ttl"`
}

// S3Config holds S3-compatible object storage parameters for screenshots,
// audit archives and CSV exports.
type S3Config struct {
	Enabled        bool     `toml:"enabled"`
	Endpoint       string   `toml:"endpoint"`
	Region         string   `toml:"region"`
	Bucket         string   `toml:"bucket"`
	AccessKey      string   `toml:"access_key"`
	SecretKey      string   `toml:"secret_key"`
	UseSSL         bool     `toml:"use_ssl"`
	ForcePathStyle bool     `toml:"force_path_style"`
	Prefix         string   `toml:"prefix"`
	PresignTTL     duration `toml:"presign_ttl"`
	ArchiveAudit   bool     `toml:"archive_audit"`
}

// BrowserConfig points at the Chrome DevTools endpoint purchases drive.
type BrowserConfig struct {
	DevToolsURL string            `toml:"devtools_url"`
	Storefronts map[string]string `toml:"storefronts"`
}

// SessionConfig tunes supplier session handling.
type SessionConfig struct {
	AcquireTimeout duration `toml:"acquire_timeout"`
	ValidationTTL  duration `toml:"validation_ttl"`
	LockTTL        duration `toml:"lock_ttl"`
	// Passphrase derives the key that seals stored session material.
	Passphrase string `toml:"passphrase"`
}

// PurchaseConfig tunes purchase attempts.
type PurchaseConfig struct {
	StepTimeout  duration `toml:"step_timeout"`
	FlushTimeout duration `toml:"flush_timeout"`
	MaxAttempts  int      `toml:"max_attempts"`
	// AutoRetryCodes are requeued without operator action while attempts
	// remain. CAPTCHA and TWO_FACTOR_REQUIRED are never allowed.
	AutoRetryCodes []string `toml:"auto_retry_codes"`
	// MaxPriceRise is the tolerated unit price rise at checkout in minor
	// units. Unset tolerates no rise.
	MaxPriceRise     *int64 `toml:"max_price_rise"`
	ScreenshotPrefix string `toml:"screenshot_prefix"`
}

// EvaluatorConfig tunes batch evaluation.
type EvaluatorConfig struct {
	Concurrency int `toml:"concurrency"`
}

// WorkerConfig tunes the purchase worker pool.
type WorkerConfig struct {
	Workers         int      `toml:"workers"`
	PollInterval    duration `toml:"poll_interval"`
	BatchSize       int      `toml:"batch_size"`
	RatePerMinute   float64  `toml:"rate_per_minute"`
	Burst           int      `toml:"burst"`
	SessionCooldown duration `toml:"session_cooldown"`
	FinishTimeout   duration `toml:"finish_timeout"`
}

// SchedulerConfig holds cron specs for housekeeping jobs. An empty spec
// disables the job.
type SchedulerConfig struct {
	ReevaluateCron string   `toml:"reevaluate_cron"`
	AutoEnqueue    bool     `toml:"auto_enqueue"`
	ReapCron       string   `toml:"reap_cron"`
	ReapGrace      duration `toml:"reap_grace"`
}

// EventsConfig controls the Redis outcome stream.
type EventsConfig struct {
	RedisStream  bool  `toml:"redis_stream"`
	StreamMaxLen int64 `toml:"stream_max_len"`
}

// KafkaConfig controls the Kafka outcome publisher.
type KafkaConfig struct {
	Enabled      bool     `toml:"enabled"`
	Brokers      []string `toml:"brokers"`
	Topic        string   `toml:"topic"`
	MaxAttempts  int      `toml:"max_attempts"`
	WriteTimeout duration `toml:"write_timeout"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// AlertConfig tunes failure escalation.
type AlertConfig struct {
	SystemicThreshold int      `toml:"systemic_threshold"`
	SystemicWindow    duration `toml:"systemic_window"`
	HumanCooldown     duration `toml:"human_cooldown"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// AuthConfig holds API authentication secrets. With both empty the API is
// open, which Validate only accepts for the memory backend.
type AuthConfig struct {
	JWTSecret string `toml:"jwt_secret"`
	Issuer    string `toml:"issuer"`
	APIKey    string `toml:"api_key"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled        bool     `toml:"enabled"`
	ServiceName    string   `toml:"service_name"`
	Environment    string   `toml:"environment"`
	OTLPEndpoint   string   `toml:"otlp_endpoint"`
	Insecure       bool     `toml:"insecure"`
	ExportInterval duration `toml:"export_interval"`
	SampleRate     float64  `toml:"sample_rate"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "1h30m").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with sensible default values.
func Defaults() Config {
	return Config{
		Mode:     "full",
		LogLevel: "info",
		Storage:  StorageConfig{Backend: "postgres"},
		Postgres: PostgresConfig{
			Host:           "localhost",
			Port:           5432,
			Database:       "arbbuyer",
			User:           "arbbuyer",
			SSLMode:        "disable",
			PoolMaxConns:   10,
			PoolMinConns:   1,
			ConnectTimeout: duration{10 * time.Second},
			RunMigrations:  true,
		},
		Redis: RedisConfig{
			Enabled:      true,
			Addr:         "localhost:6379",
			PoolSize:     10,
			MaxRetries:   3,
			KeyPrefix:    "arbbuyer",
			RuleCacheTTL: duration{time.Minute},
		},
		S3: S3Config{
			Region:     "ap-northeast-1",
			UseSSL:     true,
			PresignTTL: duration{15 * time.Minute},
		},
		Browser: BrowserConfig{
			DevToolsURL: "http://localhost:9222",
		},
		Session: SessionConfig{
			AcquireTimeout: duration{30 * time.Second},
			ValidationTTL:  duration{30 * time.Minute},
			LockTTL:        duration{10 * time.Minute},
		},
		Purchase: PurchaseConfig{
			StepTimeout:      duration{45 * time.Second},
			FlushTimeout:     duration{10 * time.Second},
			MaxAttempts:      3,
			ScreenshotPrefix: "screenshots",
		},
		Evaluator: EvaluatorConfig{Concurrency: 8},
		Worker: WorkerConfig{
			Workers:         2,
			PollInterval:    duration{2 * time.Second},
			BatchSize:       50,
			RatePerMinute:   6,
			Burst:           1,
			SessionCooldown: duration{30 * time.Second},
			FinishTimeout:   duration{15 * time.Second},
		},
		Scheduler: SchedulerConfig{
			ReevaluateCron: "@every 10m",
			ReapCron:       "@every 1m",
			ReapGrace:      duration{15 * time.Minute},
		},
		Events: EventsConfig{RedisStream: true, StreamMaxLen: 10000},
		Kafka: KafkaConfig{
			Topic:        "arbbuyer.purchase-outcomes",
			MaxAttempts:  3,
			WriteTimeout: duration{10 * time.Second},
		},
		Alert: AlertConfig{
			SystemicThreshold: 3,
			SystemicWindow:    duration{15 * time.Minute},
			HumanCooldown:     duration{30 * time.Minute},
		},
		Server: ServerConfig{
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Auth: AuthConfig{Issuer: "arbbuyer"},
		Telemetry: TelemetryConfig{
			ServiceName:    "arbbuyer",
			Environment:    "development",
			OTLPEndpoint:   "localhost:4317",
			Insecure:       true,
			ExportInterval: duration{30 * time.Second},
			SampleRate:     0.1,
		},
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server":    true,
	"worker":    true,
	"scheduler": true,
	"full":      true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// RunsWorker reports whether the mode runs purchase workers.
func (c *Config) RunsWorker() bool { return c.Mode == "worker" || c.Mode == "full" }

// RunsServer reports whether the mode serves the HTTP API.
func (c *Config) RunsServer() bool { return c.Mode == "server" || c.Mode == "full" }

// RunsScheduler reports whether the mode runs housekeeping jobs.
func (c *Config) RunsScheduler() bool { return c.Mode == "scheduler" || c.Mode == "full" }

// AutoRetryCodes parses Purchase.AutoRetryCodes.
func (c *Config) AutoRetryCodes() []domain.ErrorCode {
	out := make([]domain.ErrorCode, 0, len(c.Purchase.AutoRetryCodes))
	for _, s := range c.Purchase.AutoRetryCodes {
		out = append(out, domain.ErrorCode(strings.ToUpper(strings.TrimSpace(s))))
	}
	return out
}

// MaxPriceRise returns the configured price tolerance, or nil.
func (c *Config) MaxPriceRise() *domain.Money {
	if c.Purchase.MaxPriceRise == nil {
		return nil
	}
	m := domain.Money(*c.Purchase.MaxPriceRise)
	return &m
}

// attemptExtraSteps counts the step_timeout-bounded calls an attempt makes
// outside its steps: two confirmation screenshots, the error screenshot and
// challenge detection.
const attemptExtraSteps = 3

// AttemptBudget is the longest one purchase attempt can run before its audit
// trail is flushed.
func (c *Config) AttemptBudget() time.Duration {
	steps := time.Duration(len(domain.PurchaseSteps) + attemptExtraSteps)
	return c.Purchase.StepTimeout.Duration*steps + c.Purchase.FlushTimeout.Duration
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[c.Mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, worker, scheduler, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Storage
	switch c.Storage.Backend {
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	case "memory":
		if c.Mode != "full" {
			errs = append(errs, "storage: the memory backend only works in mode full")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage: unknown backend %q (valid: postgres, memory)", c.Storage.Backend))
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	} else if c.RunsWorker() && c.Storage.Backend == "postgres" && c.Mode != "full" {
		errs = append(errs, "redis: required for session locks when workers run apart from other processes")
	}

	// S3
	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty when enabled")
	}

	// Session
	if c.RunsWorker() {
		if c.Session.Passphrase == "" {
			errs = append(errs, "session: passphrase must be set to open stored session material")
		}
		if c.Browser.DevToolsURL == "" {
			errs = append(errs, "browser: devtools_url must not be empty")
		}
	}
	budget := c.AttemptBudget()
	if held := budget + c.Worker.FinishTimeout.Duration; c.Session.LockTTL.Duration < held {
		errs = append(errs, fmt.Sprintf("session: lock_ttl %s must cover a whole attempt plus finish_timeout (%s)",
			c.Session.LockTTL.Duration, held))
	}
	if c.Scheduler.ReapGrace.Duration <= budget {
		errs = append(errs, fmt.Sprintf("scheduler: reap_grace %s must exceed the longest attempt (%s)",
			c.Scheduler.ReapGrace.Duration, budget))
	}

	// Purchase
	if c.Purchase.StepTimeout.Duration <= 0 {
		errs = append(errs, "purchase: step_timeout must be > 0")
	}
	if c.Purchase.MaxAttempts < 1 {
		errs = append(errs, "purchase: max_attempts must be >= 1")
	}
	if c.Purchase.MaxPriceRise != nil && *c.Purchase.MaxPriceRise < 0 {
		errs = append(errs, "purchase: max_price_rise must not be negative")
	}
	for _, code := range c.AutoRetryCodes() {
		switch {
		case !slices.Contains(domain.AllErrorCodes, code):
			errs = append(errs, fmt.Sprintf("purchase: unknown auto_retry_codes entry %q", code))
		case code.Policy().RequiresHuman:
			errs = append(errs, fmt.Sprintf("purchase: %s needs a human and cannot be auto-retried", code))
		case !code.Policy().AutoRetryable:
			errs = append(errs, fmt.Sprintf("purchase: %s cannot be auto-retried", code))
		}
	}

	// Worker
	if c.RunsWorker() {
		if c.Worker.Workers < 1 {
			errs = append(errs, "worker: workers must be >= 1")
		}
		if c.Worker.RatePerMinute < 0 {
			errs = append(errs, "worker: rate_per_minute must not be negative")
		}
	}

	// Kafka
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, "kafka: brokers must not be empty when enabled")
		}
		if c.Kafka.Topic == "" {
			errs = append(errs, "kafka: topic must not be empty when enabled")
		}
	}

	// Server
	if c.RunsServer() {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Auth.JWTSecret == "" && c.Auth.APIKey == "" && c.Storage.Backend != "memory" {
			errs = append(errs, "auth: jwt_secret or api_key must be set")
		}
		if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
			errs = append(errs, "auth: jwt_secret must be at least 32 bytes")
		}
	}

	// Telemetry
	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		errs = append(errs, "telemetry: otlp_endpoint must not be empty when enabled")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry: sample_rate must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
