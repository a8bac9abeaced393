package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/alanyoungcy/arbbuyer/internal/domain"
)

// RuleSource resolves an organization's rule configuration.
type RuleSource interface {
	Get(ctx context.Context, orgID string) (domain.RuleConfig, error)
}

// RetryPolicy bounds how often a candidate may be attempted.
type RetryPolicy struct {
	// MaxAttempts caps the total number of claims of one candidate.
	MaxAttempts int
	// AutoRetryCodes are requeued by the worker without operator action.
	AutoRetryCodes []domain.ErrorCode
}

func (p RetryPolicy) autoRetries(code domain.ErrorCode) bool {
	return code.Policy().AutoRetryable && slices.Contains(p.AutoRetryCodes, code)
}

// Rejection names a candidate that could not be enqueued and the status it
// was found in.
type Rejection struct {
	ID     string                 `json:"id"`
	Status domain.CandidateStatus `json:"status,omitempty"`
	Reason string                 `json:"reason"`
}

// EnqueueResult reports the effect of one Enqueue call.
type EnqueueResult struct {
	Queued        int         `json:"queued"`
	AlreadyQueued int         `json:"already_queued"`
	Rejected      []Rejection `json:"rejected,omitempty"`
}

// Manager moves candidates through the purchase queue. Every status change
// is a conditional store update, so concurrent callers racing on one
// candidate produce exactly one transition.
type Manager struct {
	store  domain.CandidateStore
	rules  RuleSource
	policy RetryPolicy
	now    func() time.Time
	logger *slog.Logger
}

// NewManager creates a Manager.
func NewManager(store domain.CandidateStore, rules RuleSource, policy RetryPolicy, logger *slog.Logger) *Manager {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Manager{
		store:  store,
		rules:  rules,
		policy: policy,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With(slog.String("component", "queue")),
	}
}

// Enqueue moves the given ELIGIBLE candidates of orgID into the purchase
// queue. Candidates already queued are counted but left alone.
func (m *Manager) Enqueue(ctx context.Context, orgID string, ids []string) (EnqueueResult, error) {
	cfg, err := m.rules.Get(ctx, orgID)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("queue: enqueue: rules for %s: %w", orgID, err)
	}
	if !cfg.Enabled {
		return EnqueueResult{}, fmt.Errorf("queue: enqueue %s: %w", orgID, domain.ErrAutomationDisabled)
	}

	var res EnqueueResult
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		c, err := m.store.Get(ctx, id)
		if errors.Is(err, domain.ErrNotFound) || (err == nil && c.OrgID != orgID) {
			res.Rejected = append(res.Rejected, Rejection{ID: id, Reason: "not found"})
			continue
		}
		if err != nil {
			return res, fmt.Errorf("queue: enqueue: get %s: %w", id, err)
		}

		switch c.Status {
		case domain.StatusQueued:
			res.AlreadyQueued++
			continue
		case domain.StatusEligible:
		default:
			res.Rejected = append(res.Rejected, Rejection{ID: id, Status: c.Status, Reason: "not eligible"})
			continue
		}

		ok, err := m.store.Transition(ctx, domain.StatusChange{
			ID:          id,
			From:        domain.StatusEligible,
			To:          domain.StatusQueued,
			At:          m.now(),
			SetQueuedAt: true,
		})
		if err != nil {
			return res, fmt.Errorf("queue: enqueue: transition %s: %w", id, err)
		}
		if ok {
			res.Queued++
			continue
		}

		// Lost a race; report whatever the winner left behind.
		cur, err := m.store.Get(ctx, id)
		if err != nil {
			return res, fmt.Errorf("queue: enqueue: reload %s: %w", id, err)
		}
		if cur.Status == domain.StatusQueued {
			res.AlreadyQueued++
		} else {
			res.Rejected = append(res.Rejected, Rejection{ID: id, Status: cur.Status, Reason: "not eligible"})
		}
	}

	if res.Queued > 0 {
		m.logger.InfoContext(ctx, "candidates enqueued",
			slog.String("org_id", orgID),
			slog.Int("queued", res.Queued),
			slog.Int("already_queued", res.AlreadyQueued),
			slog.Int("rejected", len(res.Rejected)),
		)
	}
	return res, nil
}

// ListQueued returns up to limit queued candidates, oldest first.
func (m *Manager) ListQueued(ctx context.Context, limit int) ([]domain.Candidate, error) {
	out, err := m.store.ListQueued(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("queue: list queued: %w", err)
	}
	return out, nil
}

// Claim atomically moves a queued candidate into PURCHASE_IN_PROGRESS under
// attemptID. It reports false when another worker claimed it first.
func (m *Manager) Claim(ctx context.Context, id, attemptID string) (domain.Candidate, bool, error) {
	ok, err := m.store.Transition(ctx, domain.StatusChange{
		ID:                id,
		From:              domain.StatusQueued,
		To:                domain.StatusInProgress,
		At:                m.now(),
		SetAttemptedAt:    true,
		IncrementAttempts: true,
		ClearError:        true,
		AttemptID:         attemptID,
	})
	if err != nil {
		return domain.Candidate{}, false, fmt.Errorf("queue: claim %s: %w", id, err)
	}
	if !ok {
		return domain.Candidate{}, false, nil
	}
	c, err := m.store.Get(ctx, id)
	if err != nil {
		return domain.Candidate{}, false, fmt.Errorf("queue: claim %s: reload: %w", id, err)
	}
	return c, true, nil
}

// Complete records the outcome of the attempt currently running for id. An
// outcome whose attempt no longer owns the candidate, because it was reaped
// or claimed again, fails with domain.ErrInvalidTransition.
func (m *Manager) Complete(ctx context.Context, id string, outcome domain.PurchaseOutcome) (domain.Candidate, error) {
	change := domain.StatusChange{
		ID:             id,
		From:           domain.StatusInProgress,
		At:             m.now(),
		SetCompletedAt: true,
		IfAttemptID:    outcome.AttemptID,
	}
	if outcome.OK {
		change.To = domain.StatusSucceeded
		change.SupplierOrderID = outcome.OrderID
	} else {
		change.To = domain.StatusFailed
		change.ErrorCode = outcome.ErrorCode
		if change.ErrorCode == "" {
			change.ErrorCode = domain.ErrCodeUnknown
		}
		change.ErrorMessage = outcome.ErrorMessage
		change.FailedStep = outcome.FailedStep
	}

	ok, err := m.store.Transition(ctx, change)
	if err != nil {
		return domain.Candidate{}, fmt.Errorf("queue: complete %s: %w", id, err)
	}
	if !ok {
		return domain.Candidate{}, fmt.Errorf("queue: complete %s: %w", id, domain.ErrInvalidTransition)
	}
	c, err := m.store.Get(ctx, id)
	if err != nil {
		return domain.Candidate{}, fmt.Errorf("queue: complete %s: reload: %w", id, err)
	}
	return c, nil
}

// Reconcile records a successful order whose attempt was already failed by
// the reaper. It applies only while the candidate is still PURCHASE_FAILED
// under that same attempt; otherwise it returns domain.ErrInvalidTransition
// and the order needs a human.
func (m *Manager) Reconcile(ctx context.Context, id string, outcome domain.PurchaseOutcome) (domain.Candidate, error) {
	if !outcome.OK || outcome.OrderID == "" || outcome.AttemptID == "" {
		return domain.Candidate{}, fmt.Errorf("queue: reconcile %s: not a placed order: %w", id, domain.ErrInvalidTransition)
	}
	ok, err := m.store.Transition(ctx, domain.StatusChange{
		ID:              id,
		From:            domain.StatusFailed,
		To:              domain.StatusSucceeded,
		At:              m.now(),
		SetCompletedAt:  true,
		ClearError:      true,
		SupplierOrderID: outcome.OrderID,
		IfAttemptID:     outcome.AttemptID,
	})
	if err != nil {
		return domain.Candidate{}, fmt.Errorf("queue: reconcile %s: %w", id, err)
	}
	if !ok {
		return domain.Candidate{}, fmt.Errorf("queue: reconcile %s: %w", id, domain.ErrInvalidTransition)
	}
	m.logger.WarnContext(ctx, "reaped attempt reconciled as succeeded",
		slog.String("candidate_id", id),
		slog.String("attempt_id", outcome.AttemptID),
		slog.String("supplier_order_id", outcome.OrderID),
	)
	c, err := m.store.Get(ctx, id)
	if err != nil {
		return domain.Candidate{}, fmt.Errorf("queue: reconcile %s: reload: %w", id, err)
	}
	return c, nil
}

// Requeue puts a failed candidate back into the queue on an operator's
// request. The error code must allow it and attempts must remain.
func (m *Manager) Requeue(ctx context.Context, orgID, id, actor string) error {
	c, err := m.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("queue: requeue %s: %w", id, err)
	}
	if c.OrgID != orgID {
		return fmt.Errorf("queue: requeue %s: %w", id, domain.ErrNotFound)
	}
	if c.Status != domain.StatusFailed {
		return fmt.Errorf("queue: requeue %s from %s: %w", id, c.Status, domain.ErrInvalidTransition)
	}
	if !c.ErrorCode.Policy().OperatorRequeue {
		return fmt.Errorf("queue: requeue %s (%s): %w", id, c.ErrorCode, domain.ErrRequeueNotAllowed)
	}
	if c.PurchaseAttempts >= m.policy.MaxAttempts {
		return fmt.Errorf("queue: requeue %s after %d attempts: %w", id, c.PurchaseAttempts, domain.ErrAttemptsExhausted)
	}

	ok, err := m.store.Transition(ctx, domain.StatusChange{
		ID:          id,
		From:        domain.StatusFailed,
		To:          domain.StatusQueued,
		At:          m.now(),
		SetQueuedAt: true,
	})
	if err != nil {
		return fmt.Errorf("queue: requeue %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("queue: requeue %s: %w", id, domain.ErrInvalidTransition)
	}

	m.logger.InfoContext(ctx, "candidate requeued",
		slog.String("candidate_id", id),
		slog.String("actor", actor),
		slog.String("last_error", string(c.ErrorCode)),
		slog.Int("attempts", c.PurchaseAttempts),
	)
	return nil
}

// AutoRetry requeues a failed candidate whose error code is configured for
// automatic retry. It reports whether the candidate went back to the queue.
//
// A failure during CONFIRM is never retried automatically: the order button
// may have been pressed, so only an operator who checked the supplier account
// may requeue it.
func (m *Manager) AutoRetry(ctx context.Context, c domain.Candidate) (bool, error) {
	if c.Status != domain.StatusFailed || !m.policy.autoRetries(c.ErrorCode) {
		return false, nil
	}
	if c.FailedStep == domain.StepConfirm {
		m.logger.WarnContext(ctx, "failure after order submission left for an operator",
			slog.String("candidate_id", c.ID),
			slog.String("error_code", string(c.ErrorCode)),
		)
		return false, nil
	}
	if c.PurchaseAttempts >= m.policy.MaxAttempts {
		return false, nil
	}
	ok, err := m.store.Transition(ctx, domain.StatusChange{
		ID:          c.ID,
		From:        domain.StatusFailed,
		To:          domain.StatusQueued,
		At:          m.now(),
		SetQueuedAt: true,
	})
	if err != nil {
		return false, fmt.Errorf("queue: auto retry %s: %w", c.ID, err)
	}
	if ok {
		m.logger.InfoContext(ctx, "candidate auto-retried",
			slog.String("candidate_id", c.ID),
			slog.String("error_code", string(c.ErrorCode)),
			slog.Int("attempts", c.PurchaseAttempts),
		)
	}
	return ok, nil
}

// ReapStale fails in-progress candidates whose attempt started more than
// grace ago. Their worker is presumed dead.
func (m *Manager) ReapStale(ctx context.Context, grace time.Duration) (int, error) {
	stale, err := m.store.ListInProgressBefore(ctx, m.now().Add(-grace))
	if err != nil {
		return 0, fmt.Errorf("queue: reap: %w", err)
	}

	reaped := 0
	for _, c := range stale {
		ok, err := m.store.Transition(ctx, domain.StatusChange{
			ID:             c.ID,
			From:           domain.StatusInProgress,
			To:             domain.StatusFailed,
			At:             m.now(),
			SetCompletedAt: true,
			ErrorCode:      domain.ErrCodeTimeout,
			ErrorMessage:   "worker lease expired",
		})
		if err != nil {
			return reaped, fmt.Errorf("queue: reap %s: %w", c.ID, err)
		}
		if ok {
			reaped++
			m.logger.WarnContext(ctx, "stale purchase reaped",
				slog.String("candidate_id", c.ID),
				slog.String("attempt_id", c.LastAttemptID),
			)
		}
	}
	return reaped, nil
}
