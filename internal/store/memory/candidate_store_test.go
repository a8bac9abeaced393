package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbbuyer/internal/domain"
)

func seed(t *testing.T, s *CandidateStore, id string) domain.Candidate {
	t.Helper()
	c := domain.Candidate{
		ID:                  id,
		OrgID:               "org-1",
		ShopID:              "shop-1",
		Quantity:            1,
		OrderTotal:          15000,
		SupplierPrice:       10000,
		SupplierMarketplace: "amazon.co.jp",
		SupplierAvailable:   true,
		SupplierCondition:   domain.ConditionNew,
	}
	require.NoError(t, s.Upsert(context.Background(), c))
	got, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	return got
}

func TestCandidateStore_UpsertStartsPending(t *testing.T) {
	s := NewCandidateStore()
	c := seed(t, s, "c1")
	assert.Equal(t, domain.StatusPendingEval, c.Status)
	assert.False(t, c.CreatedAt.IsZero())
}

func TestCandidateStore_UpsertKeepsQueuedFacts(t *testing.T) {
	ctx := context.Background()
	s := NewCandidateStore()
	seed(t, s, "c1")

	ok, err := s.Transition(ctx, domain.StatusChange{ID: "c1", From: domain.StatusPendingEval, To: domain.StatusEligible})
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.Transition(ctx, domain.StatusChange{ID: "c1", From: domain.StatusEligible, To: domain.StatusQueued, At: time.Now(), SetQueuedAt: true})
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Upsert(ctx, domain.Candidate{ID: "c1", OrgID: "org-1", SupplierPrice: 1}))
	got, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.Money(10000), got.SupplierPrice)
	assert.Equal(t, domain.StatusQueued, got.Status)
}

func TestCandidateStore_TransitionIsConditional(t *testing.T) {
	ctx := context.Background()
	s := NewCandidateStore()
	seed(t, s, "c1")

	ok, err := s.Transition(ctx, domain.StatusChange{ID: "c1", From: domain.StatusEligible, To: domain.StatusQueued})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Transition(ctx, domain.StatusChange{ID: "missing", From: domain.StatusEligible, To: domain.StatusQueued})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCandidateStore_ConcurrentTransitionAppliesOnce(t *testing.T) {
	ctx := context.Background()
	s := NewCandidateStore()
	seed(t, s, "c1")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Transition(ctx, domain.StatusChange{ID: "c1", From: domain.StatusPendingEval, To: domain.StatusEligible})
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestCandidateStore_SaveEvaluationSkipsPurchaseHistory(t *testing.T) {
	ctx := context.Background()
	s := NewCandidateStore()
	c := seed(t, s, "c1")

	c.Status = domain.StatusEligible
	c.ExpectedProfit = 4800
	ok, err := s.SaveEvaluation(ctx, c)
	require.NoError(t, err)
	require.True(t, ok)

	for _, ch := range []domain.StatusChange{
		{ID: "c1", From: domain.StatusEligible, To: domain.StatusQueued},
		{ID: "c1", From: domain.StatusQueued, To: domain.StatusInProgress},
		{ID: "c1", From: domain.StatusInProgress, To: domain.StatusSucceeded},
	} {
		ok, err := s.Transition(ctx, ch)
		require.NoError(t, err)
		require.True(t, ok)
	}

	c.Status = domain.StatusSkipped
	ok, err = s.SaveEvaluation(ctx, c)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCandidateStore_SummarizeAndList(t *testing.T) {
	ctx := context.Background()
	s := NewCandidateStore()
	for _, id := range []string{"a", "b", "c"} {
		seed(t, s, id)
	}
	for id, profit := range map[string]domain.Money{"a": 100, "b": 201} {
		c, _ := s.Get(ctx, id)
		c.Status = domain.StatusEligible
		c.ExpectedProfit = profit
		_, err := s.SaveEvaluation(ctx, c)
		require.NoError(t, err)
	}

	sum, err := s.Summarize(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 3, sum.TotalCandidates)
	assert.Equal(t, 2, sum.Eligible)
	assert.Equal(t, 1, sum.Pending)
	assert.Equal(t, domain.Money(301), sum.TotalExpectedProfit)
	assert.Equal(t, domain.Money(150), sum.AverageProfit)

	eligible, err := s.List(ctx, "org-1", domain.CandidateFilter{Statuses: []domain.CandidateStatus{domain.StatusEligible}})
	require.NoError(t, err)
	assert.Len(t, eligible, 2)

	other, err := s.List(ctx, "org-2", domain.CandidateFilter{})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestPurchaseAuditStore_RejectsRewrites(t *testing.T) {
	ctx := context.Background()
	s := NewPurchaseAuditStore()
	entries := []domain.PurchaseAuditEntry{
		{AttemptID: "a1", CandidateID: "c1", Seq: 1, Step: domain.StepInit, Phase: domain.PhaseStarted},
		{AttemptID: "a1", CandidateID: "c1", Seq: 2, Step: domain.StepInit, Phase: domain.PhaseCompleted},
	}
	require.NoError(t, s.AppendBatch(ctx, entries))
	assert.ErrorIs(t, s.AppendBatch(ctx, entries[:1]), domain.ErrAlreadyExists)

	got, err := s.ListByCandidate(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Seq)
}
