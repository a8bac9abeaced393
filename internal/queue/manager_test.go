package queue

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbbuyer/internal/domain"
	"github.com/alanyoungcy/arbbuyer/internal/store/memory"
)

type fixture struct {
	store *memory.CandidateStore
	rules *memory.RuleConfigStore
	mgr   *Manager
}

func newFixture(t *testing.T, policy RetryPolicy) fixture {
	t.Helper()
	f := fixture{
		store: memory.NewCandidateStore(),
		rules: memory.NewRuleConfigStore(),
	}
	require.NoError(t, f.rules.Upsert(context.Background(), domain.RuleConfig{OrgID: "org-1", Enabled: true}))
	f.mgr = NewManager(f.store, f.rules, policy, slog.New(slog.DiscardHandler))
	return f
}

// add stores a candidate and forces it into status via the legal path.
func (f fixture) add(t *testing.T, id string, status domain.CandidateStatus) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.Upsert(ctx, domain.Candidate{ID: id, OrgID: "org-1", Quantity: 1, SupplierMarketplace: "amazon.co.jp"}))

	path := map[domain.CandidateStatus][]domain.CandidateStatus{
		domain.StatusPendingEval: nil,
		domain.StatusEligible:    {domain.StatusEligible},
		domain.StatusSkipped:     {domain.StatusSkipped},
		domain.StatusQueued:      {domain.StatusEligible, domain.StatusQueued},
		domain.StatusInProgress:  {domain.StatusEligible, domain.StatusQueued, domain.StatusInProgress},
	}[status]
	from := domain.StatusPendingEval
	for _, to := range path {
		ok, err := f.store.Transition(ctx, domain.StatusChange{ID: id, From: from, To: to, At: time.Now(), SetAttemptedAt: to == domain.StatusInProgress})
		require.NoError(t, err)
		require.True(t, ok)
		from = to
	}
}

func (f fixture) status(t *testing.T, id string) domain.Candidate {
	t.Helper()
	c, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return c
}

func TestEnqueue_OnlyEligible(t *testing.T) {
	f := newFixture(t, RetryPolicy{MaxAttempts: 3})
	f.add(t, "eligible", domain.StatusEligible)
	f.add(t, "skipped", domain.StatusSkipped)
	f.add(t, "pending", domain.StatusPendingEval)
	f.add(t, "queued", domain.StatusQueued)

	res, err := f.mgr.Enqueue(context.Background(), "org-1", []string{"eligible", "skipped", "pending", "queued", "missing"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Queued)
	assert.Equal(t, 1, res.AlreadyQueued)
	require.Len(t, res.Rejected, 3)
	assert.Equal(t, domain.StatusSkipped, res.Rejected[0].Status)
	assert.Equal(t, "not found", res.Rejected[2].Reason)

	c := f.status(t, "eligible")
	assert.Equal(t, domain.StatusQueued, c.Status)
	assert.NotNil(t, c.QueuedAt)
}

func TestEnqueue_OtherOrgIsNotFound(t *testing.T) {
	f := newFixture(t, RetryPolicy{MaxAttempts: 3})
	f.add(t, "c1", domain.StatusEligible)
	require.NoError(t, f.rules.Upsert(context.Background(), domain.RuleConfig{OrgID: "org-2", Enabled: true}))

	res, err := f.mgr.Enqueue(context.Background(), "org-2", []string{"c1"})
	require.NoError(t, err)
	assert.Zero(t, res.Queued)
	assert.Len(t, res.Rejected, 1)
	assert.Equal(t, domain.StatusEligible, f.status(t, "c1").Status)
}

func TestEnqueue_AutomationDisabled(t *testing.T) {
	f := newFixture(t, RetryPolicy{MaxAttempts: 3})
	require.NoError(t, f.rules.Upsert(context.Background(), domain.RuleConfig{OrgID: "org-1", Enabled: false}))
	f.add(t, "c1", domain.StatusEligible)

	_, err := f.mgr.Enqueue(context.Background(), "org-1", []string{"c1"})
	assert.ErrorIs(t, err, domain.ErrAutomationDisabled)
	assert.Equal(t, domain.StatusEligible, f.status(t, "c1").Status)
}

func TestEnqueue_ConcurrentTransitionsOnce(t *testing.T) {
	f := newFixture(t, RetryPolicy{MaxAttempts: 3})
	f.add(t, "c1", domain.StatusEligible)

	const n = 16
	results := make([]EnqueueResult, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.mgr.Enqueue(context.Background(), "org-1", []string{"c1"})
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	queued, already := 0, 0
	for _, r := range results {
		queued += r.Queued
		already += r.AlreadyQueued
		assert.Empty(t, r.Rejected)
	}
	assert.Equal(t, 1, queued)
	assert.Equal(t, n-1, already)
}

func TestClaim_SingleWinner(t *testing.T) {
	f := newFixture(t, RetryPolicy{MaxAttempts: 3})
	f.add(t, "c1", domain.StatusQueued)

	const n = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := f.mgr.Claim(context.Background(), "c1", "attempt-"+string(rune('a'+i)))
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)

	c := f.status(t, "c1")
	assert.Equal(t, domain.StatusInProgress, c.Status)
	assert.Equal(t, 1, c.PurchaseAttempts)
	assert.NotEmpty(t, c.LastAttemptID)
}

func TestComplete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, RetryPolicy{MaxAttempts: 3})
	f.add(t, "ok", domain.StatusQueued)
	f.add(t, "bad", domain.StatusQueued)
	for _, id := range []string{"ok", "bad"} {
		_, won, err := f.mgr.Claim(ctx, id, "a-"+id)
		require.NoError(t, err)
		require.True(t, won)
	}

	c, err := f.mgr.Complete(ctx, "ok", domain.PurchaseOutcome{OK: true, OrderID: "503-1234567-1234567"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, c.Status)
	assert.Equal(t, "503-1234567-1234567", c.SupplierOrderID)
	assert.NotNil(t, c.PurchaseCompletedAt)

	c, err = f.mgr.Complete(ctx, "bad", domain.PurchaseOutcome{ErrorMessage: "boom"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, c.Status)
	assert.Equal(t, domain.ErrCodeUnknown, c.ErrorCode)

	_, err = f.mgr.Complete(ctx, "ok", domain.PurchaseOutcome{OK: true})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func failWith(t *testing.T, f fixture, id string, code domain.ErrorCode) {
	t.Helper()
	ctx := context.Background()
	_, won, err := f.mgr.Claim(ctx, id, "a-"+id)
	require.NoError(t, err)
	require.True(t, won)
	_, err = f.mgr.Complete(ctx, id, domain.PurchaseOutcome{ErrorCode: code})
	require.NoError(t, err)
}

func TestRequeue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, RetryPolicy{MaxAttempts: 2})

	f.add(t, "timeout", domain.StatusQueued)
	failWith(t, f, "timeout", domain.ErrCodeTimeout)
	require.NoError(t, f.mgr.Requeue(ctx, "org-1", "timeout", "ops@example.com"))
	assert.Equal(t, domain.StatusQueued, f.status(t, "timeout").Status)

	failWith(t, f, "timeout", domain.ErrCodeTimeout)
	assert.ErrorIs(t, f.mgr.Requeue(ctx, "org-1", "timeout", "ops"), domain.ErrAttemptsExhausted)

	f.add(t, "stock", domain.StatusQueued)
	failWith(t, f, "stock", domain.ErrCodeOutOfStock)
	assert.ErrorIs(t, f.mgr.Requeue(ctx, "org-1", "stock", "ops"), domain.ErrRequeueNotAllowed)

	f.add(t, "eligible", domain.StatusEligible)
	assert.ErrorIs(t, f.mgr.Requeue(ctx, "org-1", "eligible", "ops"), domain.ErrInvalidTransition)
}

func TestAutoRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, RetryPolicy{
		MaxAttempts:    2,
		AutoRetryCodes: []domain.ErrorCode{domain.ErrCodeTimeout, domain.ErrCodeCaptcha},
	})

	f.add(t, "t", domain.StatusQueued)
	failWith(t, f, "t", domain.ErrCodeTimeout)
	ok, err := f.mgr.AutoRetry(ctx, f.status(t, "t"))
	require.NoError(t, err)
	assert.True(t, ok)

	failWith(t, f, "t", domain.ErrCodeTimeout)
	ok, err = f.mgr.AutoRetry(ctx, f.status(t, "t"))
	require.NoError(t, err)
	assert.False(t, ok, "attempts exhausted")

	// A human-required code never retries even when listed.
	f.add(t, "c", domain.StatusQueued)
	failWith(t, f, "c", domain.ErrCodeCaptcha)
	ok, err = f.mgr.AutoRetry(ctx, f.status(t, "c"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAutoRetryRefusesConfirmFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, RetryPolicy{
		MaxAttempts:    3,
		AutoRetryCodes: []domain.ErrorCode{domain.ErrCodeTimeout, domain.ErrCodeUnknown},
	})

	for _, code := range []domain.ErrorCode{domain.ErrCodeTimeout, domain.ErrCodeUnknown} {
		id := "confirm-" + string(code)
		f.add(t, id, domain.StatusQueued)
		_, won, err := f.mgr.Claim(ctx, id, "a-"+id)
		require.NoError(t, err)
		require.True(t, won)
		c, err := f.mgr.Complete(ctx, id, domain.PurchaseOutcome{
			AttemptID:  "a-" + id,
			ErrorCode:  code,
			FailedStep: domain.StepConfirm,
		})
		require.NoError(t, err)
		assert.Equal(t, domain.StepConfirm, c.FailedStep)

		ok, err := f.mgr.AutoRetry(ctx, c)
		require.NoError(t, err)
		assert.False(t, ok, code)
		assert.Equal(t, domain.StatusFailed, f.status(t, id).Status)

		// An operator who checked the supplier account may still requeue.
		require.NoError(t, f.mgr.Requeue(ctx, "org-1", id, "ops"))
		assert.Equal(t, domain.StatusQueued, f.status(t, id).Status)
	}
}

func TestReapStale(t *testing.T) {
	f := newFixture(t, RetryPolicy{MaxAttempts: 3})
	f.add(t, "stale", domain.StatusInProgress)
	f.mgr.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }

	n, err := f.mgr.ReapStale(context.Background(), 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	c := f.status(t, "stale")
	assert.Equal(t, domain.StatusFailed, c.Status)
	assert.Equal(t, domain.ErrCodeTimeout, c.ErrorCode)
	assert.Equal(t, "worker lease expired", c.ErrorMessage)
}

func TestCompleteAfterReapNeedsReconcile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, RetryPolicy{MaxAttempts: 3})
	f.add(t, "c1", domain.StatusQueued)
	_, won, err := f.mgr.Claim(ctx, "c1", "a1")
	require.NoError(t, err)
	require.True(t, won)

	_, err = f.mgr.Complete(ctx, "c1", domain.PurchaseOutcome{OK: true, OrderID: "503-0", AttemptID: "someone-else"})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, domain.StatusInProgress, f.status(t, "c1").Status)

	f.mgr.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	n, err := f.mgr.ReapStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	placed := domain.PurchaseOutcome{OK: true, OrderID: "503-1234567-1234567", AttemptID: "a1"}
	_, err = f.mgr.Complete(ctx, "c1", placed)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = f.mgr.Reconcile(ctx, "c1", domain.PurchaseOutcome{OK: true, OrderID: "503-9", AttemptID: "a0"})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = f.mgr.Reconcile(ctx, "c1", domain.PurchaseOutcome{AttemptID: "a1"})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	c, err := f.mgr.Reconcile(ctx, "c1", placed)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, c.Status)
	assert.Equal(t, "503-1234567-1234567", c.SupplierOrderID)
	assert.Empty(t, c.ErrorCode)
}

func TestReconcileRefusesRequeuedCandidate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, RetryPolicy{MaxAttempts: 3})
	f.add(t, "c1", domain.StatusQueued)
	_, _, err := f.mgr.Claim(ctx, "c1", "a1")
	require.NoError(t, err)
	f.mgr.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	_, err = f.mgr.ReapStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.NoError(t, f.mgr.Requeue(ctx, "org-1", "c1", "ops"))

	_, err = f.mgr.Reconcile(ctx, "c1", domain.PurchaseOutcome{OK: true, OrderID: "503-1", AttemptID: "a1"})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, domain.StatusQueued, f.status(t, "c1").Status)
}
