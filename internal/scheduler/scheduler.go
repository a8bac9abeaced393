// Package scheduler runs the periodic housekeeping jobs: re-evaluating
// open candidates of every enabled organization, optionally queueing what
// became eligible, and failing attempts whose worker died.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alanyoungcy/arbbuyer/internal/domain"
	"github.com/alanyoungcy/arbbuyer/internal/queue"
	"github.com/alanyoungcy/arbbuyer/internal/telemetry"
)

// Orgs lists the organizations the jobs run for.
type Orgs interface {
	ListEnabled(ctx context.Context) ([]domain.RuleConfig, error)
}

// Candidates re-scores and queues candidates.
type Candidates interface {
	Reevaluate(ctx context.Context, orgID string) (int, error)
	EnqueueEligible(ctx context.Context, orgID string, ids []string) (queue.EnqueueResult, error)
}

// Reaper fails attempts that outlived their worker.
type Reaper interface {
	ReapStale(ctx context.Context, grace time.Duration) (int, error)
}

// Config holds cron specs. An empty spec disables that job.
type Config struct {
	ReevaluateSpec string
	AutoEnqueue    bool
	ReapSpec       string
	ReapGrace      time.Duration
}

// Scheduler wraps robfig/cron and owns the housekeeping jobs.
type Scheduler struct {
	cron       *cron.Cron
	orgs       Orgs
	candidates Candidates
	reaper     Reaper
	metrics    *telemetry.Metrics
	cfg        Config
	logger     *slog.Logger

	// ctx is handed to jobs; it is cancelled by Stop.
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// New creates a Scheduler. metrics may be nil.
func New(orgs Orgs, candidates Candidates, reaper Reaper, metrics *telemetry.Metrics, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.ReapGrace <= 0 {
		cfg.ReapGrace = 15 * time.Minute
	}
	logger = logger.With(slog.String("component", "scheduler"))
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLogger{logger}),
			cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger})),
		),
		orgs:       orgs,
		candidates: candidates,
		reaper:     reaper,
		metrics:    metrics,
		cfg:        cfg,
		logger:     logger,
	}
}

// Start registers the configured jobs and starts the cron loop. Jobs run
// with a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if s.cfg.ReevaluateSpec != "" {
		if _, err := s.cron.AddFunc(s.cfg.ReevaluateSpec, func() { s.Reevaluate(s.ctx) }); err != nil {
			return fmt.Errorf("scheduler: reevaluate spec %q: %w", s.cfg.ReevaluateSpec, err)
		}
	}
	if s.cfg.ReapSpec != "" {
		if _, err := s.cron.AddFunc(s.cfg.ReapSpec, func() { s.Reap(s.ctx) }); err != nil {
			return fmt.Errorf("scheduler: reap spec %q: %w", s.cfg.ReapSpec, err)
		}
	}

	s.cron.Start()
	s.logger.InfoContext(ctx, "scheduler started",
		slog.String("reevaluate", s.cfg.ReevaluateSpec),
		slog.String("reap", s.cfg.ReapSpec),
		slog.Bool("auto_enqueue", s.cfg.AutoEnqueue),
	)
	return nil
}

// Stop halts the cron loop and waits for running jobs.
func (s *Scheduler) Stop() {
	s.once.Do(func() {
		<-s.cron.Stop().Done()
		if s.cancel != nil {
			s.cancel()
		}
		s.logger.Info("scheduler stopped")
	})
}

// Run starts the scheduler and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// Reevaluate re-scores every enabled organization's open candidates and,
// when configured, queues the eligible ones. One organization failing does
// not stop the others.
func (s *Scheduler) Reevaluate(ctx context.Context) {
	orgs, err := s.orgs.ListEnabled(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "list enabled orgs failed", slog.String("error", err.Error()))
		return
	}

	for _, org := range orgs {
		if ctx.Err() != nil {
			return
		}
		log := s.logger.With(slog.String("org_id", org.OrgID))

		n, err := s.candidates.Reevaluate(ctx, org.OrgID)
		if err != nil {
			log.ErrorContext(ctx, "re-evaluation failed", slog.String("error", err.Error()))
			continue
		}
		if !s.cfg.AutoEnqueue {
			log.DebugContext(ctx, "re-evaluated", slog.Int("persisted", n))
			continue
		}

		res, err := s.candidates.EnqueueEligible(ctx, org.OrgID, nil)
		if err != nil {
			log.ErrorContext(ctx, "auto enqueue failed", slog.String("error", err.Error()))
			continue
		}
		log.InfoContext(ctx, "re-evaluated and enqueued",
			slog.Int("persisted", n),
			slog.Int("queued", res.Queued),
		)
	}
}

// Reap fails in-progress candidates older than the reap grace.
func (s *Scheduler) Reap(ctx context.Context) int {
	n, err := s.reaper.ReapStale(ctx, s.cfg.ReapGrace)
	if err != nil {
		s.logger.ErrorContext(ctx, "reap failed", slog.String("error", err.Error()))
	}
	if n > 0 {
		s.metrics.Reaped(ctx, n)
		s.logger.WarnContext(ctx, "reaped stale attempts", slog.Int("count", n))
	}
	return n
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, slog.String("error", err.Error()))...)
}
