// Package worker runs queued purchases. Each dispatch pass walks the queue
// oldest first, borrows the candidate's supplier session without waiting,
// claims the candidate and buys it on its own goroutine. Candidates whose
// session is busy stay queued for a later pass.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/arbbuyer/internal/domain"
	"github.com/alanyoungcy/arbbuyer/internal/session"
	"github.com/alanyoungcy/arbbuyer/internal/telemetry"
)

// Queue is the part of the queue manager the pool drives.
type Queue interface {
	ListQueued(ctx context.Context, limit int) ([]domain.Candidate, error)
	Claim(ctx context.Context, id, attemptID string) (domain.Candidate, bool, error)
	Complete(ctx context.Context, id string, outcome domain.PurchaseOutcome) (domain.Candidate, error)
	Reconcile(ctx context.Context, id string, outcome domain.PurchaseOutcome) (domain.Candidate, error)
	AutoRetry(ctx context.Context, c domain.Candidate) (bool, error)
}

// Sessions lends supplier sessions.
type Sessions interface {
	TryAcquire(ctx context.Context, orgID, marketplace string) (*session.Lease, error)
	MarkReauth(ctx context.Context, lease *session.Lease, reason string) error
}

// Purchaser runs one attempt. It never returns an error: failures are in the
// outcome.
type Purchaser interface {
	Purchase(ctx context.Context, req domain.PurchaseRequest, lease *session.Lease) domain.PurchaseOutcome
	Reject(ctx context.Context, req domain.PurchaseRequest, code domain.ErrorCode, msg string) domain.PurchaseOutcome
}

// Alerter receives failed outcomes, reauth flags and orders placed after
// their attempt was reaped.
type Alerter interface {
	Observe(ctx context.Context, key domain.SessionKey, out domain.PurchaseOutcome)
	Reauth(ctx context.Context, key domain.SessionKey, reason string)
	LateOrder(ctx context.Context, key domain.SessionKey, candidateID string, out domain.PurchaseOutcome, recorded bool)
}

// Archiver copies an attempt's audit trail elsewhere once it is final.
type Archiver interface {
	ArchiveAttempt(ctx context.Context, orgID, attemptID string, finished time.Time) (string, error)
}

// Config tunes the pool.
type Config struct {
	Workers      int
	PollInterval time.Duration
	BatchSize    int
	// MaxPriceRise is the tolerated unit price rise at checkout. Nil
	// tolerates none.
	MaxPriceRise *domain.Money
	// RatePerMinute caps attempts started per supplier marketplace. Zero
	// disables pacing.
	RatePerMinute float64
	Burst         int
	// SessionCooldown keeps a session out of dispatch after it failed to
	// open for reasons other than being busy.
	SessionCooldown time.Duration
	// FinishTimeout bounds the bookkeeping after an attempt.
	FinishTimeout time.Duration
}

// Pool dispatches queued candidates to purchase goroutines.
type Pool struct {
	queue    Queue
	sessions Sessions
	buyer    Purchaser
	events   domain.EventPublisher
	alerts   Alerter
	archiver Archiver
	metrics  *telemetry.Metrics
	cfg      Config
	logger   *slog.Logger

	cooldown *Cooldown
	sem      chan struct{}
	wg       sync.WaitGroup

	mu       sync.Mutex
	running  map[string]context.CancelFunc
	limiters map[string]*rate.Limiter
}

// Option sets an optional collaborator.
type Option func(*Pool)

// WithEvents publishes every outcome.
func WithEvents(p domain.EventPublisher) Option { return func(pl *Pool) { pl.events = p } }

// WithAlerts forwards failures to an Alerter.
func WithAlerts(a Alerter) Option { return func(pl *Pool) { pl.alerts = a } }

// WithArchiver archives finished attempts.
func WithArchiver(a Archiver) Option { return func(pl *Pool) { pl.archiver = a } }

// WithMetrics records attempt metrics.
func WithMetrics(m *telemetry.Metrics) Option { return func(pl *Pool) { pl.metrics = m } }

// NewPool creates a Pool.
func NewPool(queue Queue, sessions Sessions, buyer Purchaser, cfg Config, logger *slog.Logger, opts ...Option) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.SessionCooldown <= 0 {
		cfg.SessionCooldown = 30 * time.Second
	}
	if cfg.FinishTimeout <= 0 {
		cfg.FinishTimeout = 15 * time.Second
	}
	p := &Pool{
		queue:    queue,
		sessions: sessions,
		buyer:    buyer,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "worker_pool")),
		cooldown: NewCooldown(cfg.SessionCooldown),
		sem:      make(chan struct{}, cfg.Workers),
		running:  make(map[string]context.CancelFunc),
		limiters: make(map[string]*rate.Limiter),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run dispatches every poll interval until ctx is done, then waits for
// running attempts to finish their current step and record their outcome.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.InfoContext(ctx, "worker pool started", slog.Int("workers", p.cfg.Workers))
	defer p.logger.Info("worker pool stopped")
	defer p.wg.Wait()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := p.dispatch(ctx); err != nil {
			p.logger.ErrorContext(ctx, "dispatch failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.cooldown.Cleanup()
		}
	}
}

// RunOnce performs a single dispatch pass and waits for the attempts it
// started. It returns how many attempts were started.
func (p *Pool) RunOnce(ctx context.Context) (int, error) {
	n, err := p.dispatch(ctx)
	p.wg.Wait()
	return n, err
}

// Cancel asks the attempt running for candidateID to stop. The attempt ends
// with CANCELLED after its current step. It reports whether an attempt for
// the candidate was running in this process.
func (p *Pool) Cancel(candidateID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cancel, ok := p.running[candidateID]
	if ok {
		cancel()
	}
	return ok
}

func (p *Pool) dispatch(ctx context.Context) (int, error) {
	queued, err := p.queue.ListQueued(ctx, p.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("worker: list queued: %w", err)
	}

	started := 0
	for _, c := range queued {
		if ctx.Err() != nil {
			break
		}
		key := c.SessionKey()
		if p.cooldown.Active(key.String()) || p.isRunning(c.ID) {
			continue
		}
		select {
		case p.sem <- struct{}{}:
		default:
			return started, nil
		}
		if p.start(ctx, c) {
			started++
		} else {
			<-p.sem
		}
	}
	return started, nil
}

// start tries to begin an attempt for c. On true the worker slot is owned by
// the new goroutine.
func (p *Pool) start(ctx context.Context, c domain.Candidate) bool {
	log := p.logger.With(
		slog.String("candidate_id", c.ID),
		slog.String("org_id", c.OrgID),
		slog.String("marketplace", c.SupplierMarketplace),
	)
	key := c.SessionKey()

	lease, err := p.sessions.TryAcquire(ctx, c.OrgID, c.SupplierMarketplace)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrSessionBusy):
		log.DebugContext(ctx, "session busy, leaving queued")
		return false
	case errors.Is(err, domain.ErrReauthRequired):
		p.rejectForReauth(ctx, c, log)
		return false
	default:
		log.WarnContext(ctx, "session unavailable", slog.String("error", err.Error()))
		p.cooldown.Hold(key.String())
		return false
	}

	if !p.allow(c.SupplierMarketplace) {
		lease.Release()
		log.DebugContext(ctx, "marketplace pacing, leaving queued")
		return false
	}

	attemptID := uuid.NewString()
	claimed, ok, err := p.queue.Claim(ctx, c.ID, attemptID)
	if err != nil || !ok {
		lease.Release()
		if err != nil {
			log.ErrorContext(ctx, "claim failed", slog.String("error", err.Error()))
		}
		return false
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	p.track(c.ID, cancel)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.sem }()
		defer p.untrack(c.ID)
		defer cancel()
		defer lease.Release()
		defer func() {
			if r := recover(); r != nil {
				// The candidate stays in progress until the reaper fails it.
				log.Error("purchase worker panicked", slog.Any("panic", r))
			}
		}()
		p.work(attemptCtx, ctx, claimed, attemptID, lease, log)
	}()
	return true
}

func (p *Pool) work(attemptCtx, ctx context.Context, c domain.Candidate, attemptID string, lease *session.Lease, log *slog.Logger) {
	log = log.With(slog.String("attempt_id", attemptID))
	log.InfoContext(ctx, "purchase started")

	done := p.metrics.AttemptStarted(ctx, c.SupplierMarketplace)
	out := p.buyer.Purchase(attemptCtx, domain.NewPurchaseRequest(c, attemptID, p.cfg.MaxPriceRise), lease)
	done(out)

	p.finish(ctx, c, lease, out, log)
}

// rejectForReauth fails a queued candidate whose session needs a human
// login, so the operator sees it instead of it waiting forever.
func (p *Pool) rejectForReauth(ctx context.Context, c domain.Candidate, log *slog.Logger) {
	attemptID := uuid.NewString()
	claimed, ok, err := p.queue.Claim(ctx, c.ID, attemptID)
	if err != nil || !ok {
		if err != nil {
			log.ErrorContext(ctx, "claim failed", slog.String("error", err.Error()))
		}
		return
	}
	out := p.buyer.Reject(ctx, domain.NewPurchaseRequest(claimed, attemptID, p.cfg.MaxPriceRise),
		domain.ErrCodeLoginRequired, "supplier session requires re-authentication")
	log.WarnContext(ctx, "candidate failed, session needs re-authentication", slog.String("attempt_id", attemptID))
	p.finish(ctx, claimed, nil, out, log)
}

// finish records the outcome and applies the error code's policy. It runs on
// a detached context so shutdown cannot strand a candidate in progress.
func (p *Pool) finish(ctx context.Context, c domain.Candidate, lease *session.Lease, out domain.PurchaseOutcome, log *slog.Logger) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.FinishTimeout)
	defer cancel()

	updated, err := p.queue.Complete(fctx, c.ID, out)
	if errors.Is(err, domain.ErrInvalidTransition) && out.OK {
		updated, err = p.reconcile(fctx, c, out, log)
	}
	if err != nil {
		log.ErrorContext(fctx, "recording outcome failed", slog.String("error", err.Error()))
		return
	}

	if out.OK {
		log.InfoContext(fctx, "purchase succeeded",
			slog.String("supplier_order_id", out.OrderID),
			slog.String("total_paid", out.TotalPaid.String()),
			slog.Duration("duration", out.Duration()),
		)
	} else {
		log.WarnContext(fctx, "purchase failed",
			slog.String("error_code", string(out.ErrorCode)),
			slog.String("failed_step", string(out.FailedStep)),
			slog.String("error", out.ErrorMessage),
		)
		p.applyPolicy(fctx, c, lease, out, updated, log)
	}

	if p.events != nil {
		if err := p.events.PublishOutcome(fctx, outcomeEvent(updated, out)); err != nil {
			log.WarnContext(fctx, "publishing outcome failed", slog.String("error", err.Error()))
		}
	}
	if p.archiver != nil {
		if _, err := p.archiver.ArchiveAttempt(fctx, c.OrgID, out.AttemptID, out.FinishedAt); err != nil {
			log.WarnContext(fctx, "archiving audit trail failed", slog.String("error", err.Error()))
		}
	}
}

// reconcile handles an order that went through after the reaper had failed
// its attempt. The order id must not be lost, or the candidate could be
// bought twice.
func (p *Pool) reconcile(ctx context.Context, c domain.Candidate, out domain.PurchaseOutcome, log *slog.Logger) (domain.Candidate, error) {
	updated, err := p.queue.Reconcile(ctx, c.ID, out)
	if p.alerts != nil {
		p.alerts.LateOrder(ctx, c.SessionKey(), c.ID, out, err == nil)
	}
	if err != nil {
		log.ErrorContext(ctx, "order placed but candidate moved on",
			slog.String("supplier_order_id", out.OrderID),
			slog.String("error", err.Error()),
		)
		return domain.Candidate{}, err
	}
	return updated, nil
}

func (p *Pool) applyPolicy(ctx context.Context, c domain.Candidate, lease *session.Lease, out domain.PurchaseOutcome, updated domain.Candidate, log *slog.Logger) {
	policy := out.ErrorCode.Policy()
	key := c.SessionKey()

	if policy.MarksReauth && lease != nil {
		reason := fmt.Sprintf("%s during %s: %s", out.ErrorCode, out.FailedStep, out.ErrorMessage)
		if err := p.sessions.MarkReauth(ctx, lease, reason); err != nil {
			log.ErrorContext(ctx, "flagging session failed", slog.String("error", err.Error()))
		} else if p.alerts != nil {
			p.alerts.Reauth(ctx, key, reason)
		}
	}
	if p.alerts != nil {
		p.alerts.Observe(ctx, key, out)
	}
	if _, err := p.queue.AutoRetry(ctx, updated); err != nil {
		log.ErrorContext(ctx, "auto retry failed", slog.String("error", err.Error()))
	}
}

func outcomeEvent(c domain.Candidate, out domain.PurchaseOutcome) domain.OutcomeEvent {
	return domain.OutcomeEvent{
		OrgID:           c.OrgID,
		CandidateID:     c.ID,
		AttemptID:       out.AttemptID,
		Status:          c.Status,
		SupplierOrderID: out.OrderID,
		TotalPaid:       out.TotalPaid,
		ErrorCode:       out.ErrorCode,
		ErrorMessage:    out.ErrorMessage,
		OccurredAt:      out.FinishedAt,
	}
}

// allow applies per-marketplace pacing without blocking the dispatcher.
func (p *Pool) allow(marketplace string) bool {
	if p.cfg.RatePerMinute <= 0 {
		return true
	}
	p.mu.Lock()
	lim, ok := p.limiters[marketplace]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(p.cfg.RatePerMinute/60), p.cfg.Burst)
		p.limiters[marketplace] = lim
	}
	p.mu.Unlock()
	return lim.Allow()
}

func (p *Pool) isRunning(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.running[id]
	return ok
}

func (p *Pool) track(id string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running[id] = cancel
}

func (p *Pool) untrack(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.running, id)
}
