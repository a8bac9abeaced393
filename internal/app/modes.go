package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/arbbuyer/internal/alert"
	"github.com/alanyoungcy/arbbuyer/internal/crypto"
	"github.com/alanyoungcy/arbbuyer/internal/domain"
	"github.com/alanyoungcy/arbbuyer/internal/platform/amazon"
	"github.com/alanyoungcy/arbbuyer/internal/purchase"
	"github.com/alanyoungcy/arbbuyer/internal/queue"
	"github.com/alanyoungcy/arbbuyer/internal/scheduler"
	"github.com/alanyoungcy/arbbuyer/internal/server"
	"github.com/alanyoungcy/arbbuyer/internal/server/handler"
	"github.com/alanyoungcy/arbbuyer/internal/server/middleware"
	"github.com/alanyoungcy/arbbuyer/internal/service"
	"github.com/alanyoungcy/arbbuyer/internal/session"
	"github.com/alanyoungcy/arbbuyer/internal/worker"
)

// components are the services built on top of Dependencies.
type components struct {
	deps       *Dependencies
	rules      *service.RuleService
	queue      *queue.Manager
	candidates *service.CandidateService
	vault      *crypto.Vault    // nil without a session passphrase
	sessions   *session.Manager // nil without a vault
	pool       *worker.Pool     // nil unless the mode runs workers
}

// build wires dependencies and the services every mode shares. Cleanup is
// registered on the App.
func (a *App) build(ctx context.Context) (*components, error) {
	cfg := a.cfg
	deps, cleanup, err := Wire(ctx, cfg, a.version, a.logger)
	if err != nil {
		return nil, fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	metrics := deps.Telemetry.Metrics()
	c := &components{deps: deps}
	c.rules = service.NewRuleService(deps.RuleStore, deps.RuleCache, a.logger)
	c.queue = queue.NewManager(deps.CandidateStore, c.rules, queue.RetryPolicy{
		MaxAttempts:    cfg.Purchase.MaxAttempts,
		AutoRetryCodes: cfg.AutoRetryCodes(),
	}, a.logger)

	if cfg.Session.Passphrase != "" {
		if c.vault, err = crypto.NewVault(cfg.Session.Passphrase); err != nil {
			return nil, fmt.Errorf("app: session vault: %w", err)
		}
	}

	if cfg.RunsWorker() {
		if c.vault == nil {
			return nil, errors.New("app: workers need a session passphrase")
		}
		drivers := amazon.NewFactory(cfg.Browser.DevToolsURL, cfg.Browser.Storefronts)
		a.closers = append(a.closers, func() { _ = drivers.Close() })

		c.sessions = session.NewManager(deps.SessionStore, c.vault, amazon.NewValidator(drivers), deps.LockManager, session.Config{
			AcquireTimeout: cfg.Session.AcquireTimeout.Duration,
			ValidationTTL:  cfg.Session.ValidationTTL.Duration,
			LockTTL:        cfg.Session.LockTTL.Duration,
		}, a.logger)
		c.sessions.OnWait = func(key domain.SessionKey, wait time.Duration) {
			metrics.SessionWait(context.Background(), key.Marketplace, wait)
		}

		buyer := purchase.NewOrchestrator(drivers, deps.AuditStore, deps.BlobWriter, purchase.Config{
			StepTimeout:      cfg.Purchase.StepTimeout.Duration,
			FlushTimeout:     cfg.Purchase.FlushTimeout.Duration,
			ScreenshotPrefix: cfg.Purchase.ScreenshotPrefix,
		}, a.logger).WithTracer(deps.Telemetry.Tracer())

		escalator := alert.NewEscalator(deps.Notifier, alert.Config{
			Threshold: cfg.Alert.SystemicThreshold,
			Window:    cfg.Alert.SystemicWindow.Duration,
			Cooldown:  cfg.Alert.HumanCooldown.Duration,
		}, a.logger)

		opts := []worker.Option{worker.WithAlerts(escalator), worker.WithMetrics(metrics)}
		if deps.Events != nil {
			opts = append(opts, worker.WithEvents(deps.Events))
		}
		if deps.Archiver != nil {
			opts = append(opts, worker.WithArchiver(deps.Archiver))
		}
		c.pool = worker.NewPool(c.queue, c.sessions, buyer, worker.Config{
			Workers:         cfg.Worker.Workers,
			PollInterval:    cfg.Worker.PollInterval.Duration,
			BatchSize:       cfg.Worker.BatchSize,
			MaxPriceRise:    cfg.MaxPriceRise(),
			RatePerMinute:   cfg.Worker.RatePerMinute,
			Burst:           cfg.Worker.Burst,
			SessionCooldown: cfg.Worker.SessionCooldown.Duration,
			FinishTimeout:   cfg.Worker.FinishTimeout.Duration,
		}, a.logger, opts...)
	} else if c.vault != nil {
		c.sessions = session.NewManager(deps.SessionStore, c.vault, nil, deps.LockManager, session.Config{}, a.logger)
	}

	c.candidates = service.NewCandidateService(deps.CandidateStore, c.rules, c.queue, deps.AuditStore, service.CandidateConfig{
		Concurrency: cfg.Evaluator.Concurrency,
		LinkTTL:     cfg.S3.PresignTTL.Duration,
	}, a.logger).WithMetrics(metrics)
	if deps.BlobWriter != nil {
		c.candidates.WithExports(deps.BlobWriter)
	}
	if deps.BlobReader != nil {
		c.candidates.WithScreenshotLinks(deps.BlobReader).WithExportReader(deps.BlobReader)
	}
	if c.pool != nil {
		c.candidates.WithCanceller(c.pool)
	}
	return c, nil
}

// ServerMode serves the HTTP API only. Purchases run in separate worker
// processes sharing the same database.
func (a *App) ServerMode(ctx context.Context, c *components) error {
	a.logger.InfoContext(ctx, "starting server mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, c)
	return g.Wait()
}

// WorkerMode runs purchase workers only.
func (a *App) WorkerMode(ctx context.Context, c *components) error {
	a.logger.InfoContext(ctx, "starting worker mode", slog.Int("workers", a.cfg.Worker.Workers))
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.pool.Run(ctx) })
	return g.Wait()
}

// SchedulerMode runs the housekeeping cron jobs only.
func (a *App) SchedulerMode(ctx context.Context, c *components) error {
	a.logger.InfoContext(ctx, "starting scheduler mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startScheduler(ctx, g, c)
	return g.Wait()
}

// FullMode runs the API, the purchase workers and the scheduler in one
// process.
func (a *App) FullMode(ctx context.Context, c *components) error {
	a.logger.InfoContext(ctx, "starting full mode")
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.pool.Run(ctx) })
	a.startScheduler(ctx, g, c)
	a.startHTTPServer(ctx, g, c)
	return g.Wait()
}

func (a *App) startScheduler(ctx context.Context, g *errgroup.Group, c *components) {
	sched := scheduler.New(c.rules, c.candidates, c.queue, c.deps.Telemetry.Metrics(), scheduler.Config{
		ReevaluateSpec: a.cfg.Scheduler.ReevaluateCron,
		AutoEnqueue:    a.cfg.Scheduler.AutoEnqueue,
		ReapSpec:       a.cfg.Scheduler.ReapCron,
		ReapGrace:      a.cfg.Scheduler.ReapGrace.Duration,
	}, a.logger)
	g.Go(func() error { return sched.Run(ctx) })
}

// startHTTPServer adds an HTTP server goroutine to the given errgroup. The
// server is shut down gracefully when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, c *components) {
	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		Auth: middleware.AuthConfig{
			JWTSecret: a.cfg.Auth.JWTSecret,
			Issuer:    a.cfg.Auth.Issuer,
			APIKey:    a.cfg.Auth.APIKey,
		},
		RateLimit:  a.cfg.Server.RateLimit,
		RateWindow: a.cfg.Server.RateWindow.Duration,
	}, server.Handlers{
		Health:     handler.NewHealthHandler(c.deps.HealthChecks, a.logger),
		Candidates: handler.NewCandidateHandler(c.candidates, a.logger),
		Rules:      handler.NewRuleHandler(c.rules, a.logger),
	}, c.deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
