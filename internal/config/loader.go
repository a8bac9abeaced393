package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ARBBUYER_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ARBBUYER_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Storage ──
	setStr(&cfg.Storage.Backend, "ARBBUYER_STORAGE_BACKEND")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "ARBBUYER_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // platform alias
	setStr(&cfg.Postgres.Host, "ARBBUYER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ARBBUYER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ARBBUYER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ARBBUYER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ARBBUYER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ARBBUYER_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ARBBUYER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ARBBUYER_POSTGRES_POOL_MIN_CONNS")
	setDuration(&cfg.Postgres.ConnectTimeout, "ARBBUYER_POSTGRES_CONNECT_TIMEOUT")
	setBool(&cfg.Postgres.RunMigrations, "ARBBUYER_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "ARBBUYER_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "ARBBUYER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ARBBUYER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ARBBUYER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ARBBUYER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ARBBUYER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ARBBUYER_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "ARBBUYER_REDIS_KEY_PREFIX")
	setDuration(&cfg.Redis.RuleCacheTTL, "ARBBUYER_REDIS_RULE_CACHE_TTL")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "ARBBUYER_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "ARBBUYER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ARBBUYER_S3_REGION")
	setStr(&cfg.S3.Bucket, "ARBBUYER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ARBBUYER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ARBBUYER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ARBBUYER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ARBBUYER_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "ARBBUYER_S3_PREFIX")
	setDuration(&cfg.S3.PresignTTL, "ARBBUYER_S3_PRESIGN_TTL")
	setBool(&cfg.S3.ArchiveAudit, "ARBBUYER_S3_ARCHIVE_AUDIT")

	// ── Browser / Session ──
	setStr(&cfg.Browser.DevToolsURL, "ARBBUYER_BROWSER_DEVTOOLS_URL")
	setStringMap(&cfg.Browser.Storefronts, "ARBBUYER_BROWSER_STOREFRONTS")
	setDuration(&cfg.Session.AcquireTimeout, "ARBBUYER_SESSION_ACQUIRE_TIMEOUT")
	setDuration(&cfg.Session.ValidationTTL, "ARBBUYER_SESSION_VALIDATION_TTL")
	setDuration(&cfg.Session.LockTTL, "ARBBUYER_SESSION_LOCK_TTL")
	setStr(&cfg.Session.Passphrase, "ARBBUYER_SESSION_PASSPHRASE")

	// ── Purchase ──
	setDuration(&cfg.Purchase.StepTimeout, "ARBBUYER_PURCHASE_STEP_TIMEOUT")
	setDuration(&cfg.Purchase.FlushTimeout, "ARBBUYER_PURCHASE_FLUSH_TIMEOUT")
	setInt(&cfg.Purchase.MaxAttempts, "ARBBUYER_PURCHASE_MAX_ATTEMPTS")
	setStringSlice(&cfg.Purchase.AutoRetryCodes, "ARBBUYER_PURCHASE_AUTO_RETRY_CODES")
	setInt64Ptr(&cfg.Purchase.MaxPriceRise, "ARBBUYER_PURCHASE_MAX_PRICE_RISE")
	setStr(&cfg.Purchase.ScreenshotPrefix, "ARBBUYER_PURCHASE_SCREENSHOT_PREFIX")

	// ── Evaluator / Worker ──
	setInt(&cfg.Evaluator.Concurrency, "ARBBUYER_EVALUATOR_CONCURRENCY")
	setInt(&cfg.Worker.Workers, "ARBBUYER_WORKER_WORKERS")
	setDuration(&cfg.Worker.PollInterval, "ARBBUYER_WORKER_POLL_INTERVAL")
	setInt(&cfg.Worker.BatchSize, "ARBBUYER_WORKER_BATCH_SIZE")
	setFloat64(&cfg.Worker.RatePerMinute, "ARBBUYER_WORKER_RATE_PER_MINUTE")
	setInt(&cfg.Worker.Burst, "ARBBUYER_WORKER_BURST")
	setDuration(&cfg.Worker.SessionCooldown, "ARBBUYER_WORKER_SESSION_COOLDOWN")
	setDuration(&cfg.Worker.FinishTimeout, "ARBBUYER_WORKER_FINISH_TIMEOUT")

	// ── Scheduler ──
	setStr(&cfg.Scheduler.ReevaluateCron, "ARBBUYER_SCHEDULER_REEVALUATE_CRON")
	setBool(&cfg.Scheduler.AutoEnqueue, "ARBBUYER_SCHEDULER_AUTO_ENQUEUE")
	setStr(&cfg.Scheduler.ReapCron, "ARBBUYER_SCHEDULER_REAP_CRON")
	setDuration(&cfg.Scheduler.ReapGrace, "ARBBUYER_SCHEDULER_REAP_GRACE")

	// ── Events / Kafka ──
	setBool(&cfg.Events.RedisStream, "ARBBUYER_EVENTS_REDIS_STREAM")
	setInt64(&cfg.Events.StreamMaxLen, "ARBBUYER_EVENTS_STREAM_MAX_LEN")
	setBool(&cfg.Kafka.Enabled, "ARBBUYER_KAFKA_ENABLED")
	setStringSlice(&cfg.Kafka.Brokers, "ARBBUYER_KAFKA_BROKERS")
	setStr(&cfg.Kafka.Topic, "ARBBUYER_KAFKA_TOPIC")
	setInt(&cfg.Kafka.MaxAttempts, "ARBBUYER_KAFKA_MAX_ATTEMPTS")
	setDuration(&cfg.Kafka.WriteTimeout, "ARBBUYER_KAFKA_WRITE_TIMEOUT")

	// ── Notify / Alert ──
	setStr(&cfg.Notify.TelegramToken, "ARBBUYER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ARBBUYER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ARBBUYER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ARBBUYER_NOTIFY_EVENTS")
	setInt(&cfg.Alert.SystemicThreshold, "ARBBUYER_ALERT_SYSTEMIC_THRESHOLD")
	setDuration(&cfg.Alert.SystemicWindow, "ARBBUYER_ALERT_SYSTEMIC_WINDOW")
	setDuration(&cfg.Alert.HumanCooldown, "ARBBUYER_ALERT_HUMAN_COOLDOWN")

	// ── Server / Auth ──
	setInt(&cfg.Server.Port, "ARBBUYER_SERVER_PORT")
	setInt(&cfg.Server.Port, "PORT") // platform alias
	setStringSlice(&cfg.Server.CORSOrigins, "ARBBUYER_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "ARBBUYER_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "ARBBUYER_SERVER_RATE_WINDOW")
	setStr(&cfg.Auth.JWTSecret, "ARBBUYER_AUTH_JWT_SECRET")
	setStr(&cfg.Auth.Issuer, "ARBBUYER_AUTH_ISSUER")
	setStr(&cfg.Auth.APIKey, "ARBBUYER_AUTH_API_KEY")

	// ── Telemetry ──
	setBool(&cfg.Telemetry.Enabled, "ARBBUYER_TELEMETRY_ENABLED")
	setStr(&cfg.Telemetry.ServiceName, "ARBBUYER_TELEMETRY_SERVICE_NAME")
	setStr(&cfg.Telemetry.Environment, "ARBBUYER_TELEMETRY_ENVIRONMENT")
	setStr(&cfg.Telemetry.OTLPEndpoint, "ARBBUYER_TELEMETRY_OTLP_ENDPOINT")
	setBool(&cfg.Telemetry.Insecure, "ARBBUYER_TELEMETRY_INSECURE")
	setDuration(&cfg.Telemetry.ExportInterval, "ARBBUYER_TELEMETRY_EXPORT_INTERVAL")
	setFloat64(&cfg.Telemetry.SampleRate, "ARBBUYER_TELEMETRY_SAMPLE_RATE")

	// ── Top-level ──
	setStr(&cfg.Mode, "ARBBUYER_MODE")
	setStr(&cfg.LogLevel, "ARBBUYER_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setInt64Ptr(dst **int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = &n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

// setStringMap parses "k1=v1,k2=v2" and merges the pairs into dst.
func setStringMap(dst *map[string]string, key string) {
	var pairs []string
	setStringSlice(&pairs, key)
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			continue
		}
		if *dst == nil {
			*dst = make(map[string]string)
		}
		(*dst)[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
}
