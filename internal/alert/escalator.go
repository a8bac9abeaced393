// Package alert turns purchase failures into operator notifications. Systemic
// failures are announced at once and again as a burst when they repeat;
// failures that need a human are announced once per session per cooldown.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/arbbuyer/internal/domain"
	"github.com/alanyoungcy/arbbuyer/internal/notify"
)

const (
	defaultThreshold = 3
	defaultWindow    = 15 * time.Minute
	defaultCooldown  = 30 * time.Minute
)

// Notifier is satisfied by *notify.Notifier.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config tunes escalation.
type Config struct {
	// Threshold systemic failures of one code inside Window raise a burst.
	Threshold int
	Window    time.Duration
	// Cooldown suppresses repeats of the same alert for one session.
	Cooldown time.Duration
}

// Escalator watches attempt outcomes and raises alerts.
type Escalator struct {
	notifier Notifier
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	systemic  map[domain.ErrorCode][]time.Time
	lastBurst map[domain.ErrorCode]time.Time
	lastHuman map[string]time.Time // session key + code -> last alert
}

// NewEscalator creates an Escalator. Zero config fields take defaults.
func NewEscalator(notifier Notifier, cfg Config, logger *slog.Logger) *Escalator {
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaultThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	return &Escalator{
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "alert_escalator")),
		now:       time.Now,
		systemic:  make(map[domain.ErrorCode][]time.Time),
		lastBurst: make(map[domain.ErrorCode]time.Time),
		lastHuman: make(map[string]time.Time),
	}
}

// Observe inspects one outcome. Successful outcomes and codes with no
// operator policy are ignored. Notification failures are logged, not
// returned, so alerting never blocks the worker.
func (e *Escalator) Observe(ctx context.Context, key domain.SessionKey, out domain.PurchaseOutcome) {
	if out.OK {
		return
	}
	policy := out.ErrorCode.Policy()

	if policy.Systemic {
		e.observeSystemic(ctx, key, out)
	}
	if policy.RequiresHuman {
		e.observeHuman(ctx, key, out)
	}
}

func (e *Escalator) observeSystemic(ctx context.Context, key domain.SessionKey, out domain.PurchaseOutcome) {
	now := e.now()

	e.mu.Lock()
	recent := e.systemic[out.ErrorCode][:0]
	for _, t := range e.systemic[out.ErrorCode] {
		if now.Sub(t) < e.cfg.Window {
			recent = append(recent, t)
		}
	}
	recent = append(recent, now)
	e.systemic[out.ErrorCode] = recent

	burst := false
	if len(recent) >= e.cfg.Threshold {
		if last, ok := e.lastBurst[out.ErrorCode]; !ok || now.Sub(last) >= e.cfg.Window {
			e.lastBurst[out.ErrorCode] = now
			burst = true
		}
	}
	count := len(recent)
	e.mu.Unlock()

	e.send(ctx, notify.EventSystemic,
		fmt.Sprintf("%s on %s", out.ErrorCode, key.Marketplace),
		fmt.Sprintf("org %s candidate %s failed at %s: %s", key.OrgID, out.CandidateID, out.FailedStep, out.ErrorMessage))

	if burst {
		e.send(ctx, notify.EventSystemicBurst,
			fmt.Sprintf("repeated %s", out.ErrorCode),
			fmt.Sprintf("%d %s failures in the last %s; the %s integration likely needs attention",
				count, out.ErrorCode, e.cfg.Window, key.Marketplace))
	}
}

func (e *Escalator) observeHuman(ctx context.Context, key domain.SessionKey, out domain.PurchaseOutcome) {
	now := e.now()
	slot := key.String() + "|" + string(out.ErrorCode)

	e.mu.Lock()
	last, seen := e.lastHuman[slot]
	if seen && now.Sub(last) < e.cfg.Cooldown {
		e.mu.Unlock()
		return
	}
	e.lastHuman[slot] = now
	e.mu.Unlock()

	e.send(ctx, notify.EventHumanRequired,
		fmt.Sprintf("%s needs an operator", out.ErrorCode),
		fmt.Sprintf("org %s %s session: %s (candidate %s)", key.OrgID, key.Marketplace, out.ErrorMessage, out.CandidateID))
}

// Reauth announces that a session was flagged for re-authentication.
func (e *Escalator) Reauth(ctx context.Context, key domain.SessionKey, reason string) {
	e.send(ctx, notify.EventReauth,
		fmt.Sprintf("re-login required for %s", key.Marketplace),
		fmt.Sprintf("org %s: %s", key.OrgID, reason))
}

// LateOrder announces an order that went through after the reaper had
// failed its attempt. recorded reports whether the candidate was moved to
// succeeded; when false the order id exists only in this alert and the logs.
func (e *Escalator) LateOrder(ctx context.Context, key domain.SessionKey, candidateID string, out domain.PurchaseOutcome, recorded bool) {
	title := fmt.Sprintf("late order reconciled on %s", key.Marketplace)
	if !recorded {
		title = fmt.Sprintf("unrecorded order on %s, check for duplicates", key.Marketplace)
	}
	e.send(ctx, notify.EventLateOrder, title,
		fmt.Sprintf("org %s candidate %s attempt %s: supplier order %s", key.OrgID, candidateID, out.AttemptID, out.OrderID))
}

func (e *Escalator) send(ctx context.Context, event, title, message string) {
	if err := e.notifier.Notify(ctx, event, title, message); err != nil {
		e.logger.WarnContext(ctx, "alert not delivered",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
