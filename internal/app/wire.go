package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/alanyoungcy/arbbuyer/internal/blob/s3"
	"github.com/alanyoungcy/arbbuyer/internal/cache/redis"
	"github.com/alanyoungcy/arbbuyer/internal/config"
	"github.com/alanyoungcy/arbbuyer/internal/domain"
	"github.com/alanyoungcy/arbbuyer/internal/events"
	"github.com/alanyoungcy/arbbuyer/internal/notify"
	"github.com/alanyoungcy/arbbuyer/internal/server/handler"
	"github.com/alanyoungcy/arbbuyer/internal/store/memory"
	"github.com/alanyoungcy/arbbuyer/internal/store/postgres"
	"github.com/alanyoungcy/arbbuyer/internal/telemetry"
)

// Dependencies bundles every infrastructure dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function. Optional collaborators are left nil when their
// backend is disabled.
type Dependencies struct {
	// Stores
	CandidateStore domain.CandidateStore
	RuleStore      domain.RuleConfigStore
	SessionStore   domain.SessionStore
	AuditStore     domain.PurchaseAuditStore

	// Caches
	RuleCache   domain.RuleConfigCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	OutcomeBus  domain.OutcomeBus

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   *s3blob.AuditArchiver

	// Outcome events
	Events domain.EventPublisher

	// Notifications
	Notifier *notify.Notifier

	Telemetry *telemetry.Provider

	// HealthChecks report reachability of each external backend.
	HealthChecks map[string]handler.HealthCheck
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, version string, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{HealthChecks: make(map[string]handler.HealthCheck)}

	// --- Telemetry ---
	tp, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Telemetry.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.Insecure,
		ExportInterval: cfg.Telemetry.ExportInterval.Duration,
		SampleRate:     cfg.Telemetry.SampleRate,
	}, logger)
	if err != nil {
		return fail(fmt.Errorf("wire: telemetry: %w", err))
	}
	deps.Telemetry = tp
	closers = append(closers, func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	})

	// --- Stores ---
	switch cfg.Storage.Backend {
	case "memory":
		logger.WarnContext(ctx, "using in-memory storage; state is lost on exit")
		deps.CandidateStore = memory.NewCandidateStore()
		deps.RuleStore = memory.NewRuleConfigStore()
		deps.SessionStore = memory.NewSessionStore()
		deps.AuditStore = memory.NewPurchaseAuditStore()
	default:
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:            cfg.Postgres.DSN,
			Host:           cfg.Postgres.Host,
			Port:           cfg.Postgres.Port,
			Database:       cfg.Postgres.Database,
			User:           cfg.Postgres.User,
			Password:       cfg.Postgres.Password,
			SSLMode:        cfg.Postgres.SSLMode,
			MaxConns:       cfg.Postgres.PoolMaxConns,
			MinConns:       cfg.Postgres.PoolMinConns,
			ConnectTimeout: cfg.Postgres.ConnectTimeout.Duration,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		// Run migrations if enabled.
		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		deps.CandidateStore = postgres.NewCandidateStore(pool)
		deps.RuleStore = postgres.NewRuleConfigStore(pool)
		deps.SessionStore = postgres.NewSessionStore(pool)
		deps.AuditStore = postgres.NewPurchaseAuditStore(pool)
		deps.HealthChecks["postgres"] = pgClient.Ping
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.LockManager = redis.NewLockManager(redisClient)
		if cfg.Redis.RuleCacheTTL.Duration > 0 {
			deps.RuleCache = redis.NewRuleCache(redisClient, cfg.Redis.RuleCacheTTL.Duration)
		}
		if cfg.Server.RateLimit > 0 {
			deps.RateLimiter = redis.NewRateLimiter(redisClient)
		}
		deps.OutcomeBus = redis.NewOutcomeBus(redisClient, cfg.Events.StreamMaxLen)
		deps.HealthChecks["redis"] = redisClient.Ping
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		writer := s3blob.NewWriter(s3Client)
		deps.BlobWriter = writer
		deps.BlobReader = s3blob.NewReader(s3Client)
		if cfg.S3.ArchiveAudit {
			deps.Archiver = s3blob.NewAuditArchiver(writer, deps.AuditStore)
		}
	}

	// --- Outcome events ---
	var publishers events.Multi
	if cfg.Events.RedisStream && deps.OutcomeBus != nil {
		publishers = append(publishers, events.NewStreamPublisher(deps.OutcomeBus))
	}
	if cfg.Kafka.Enabled {
		kp, err := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			MaxAttempts:  cfg.Kafka.MaxAttempts,
			WriteTimeout: cfg.Kafka.WriteTimeout.Duration,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: kafka: %w", err))
		}
		closers = append(closers, func() { _ = kp.Close() })
		publishers = append(publishers, kp)
	}
	if len(publishers) > 0 {
		deps.Events = publishers
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
