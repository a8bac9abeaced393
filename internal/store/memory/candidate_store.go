// Package memory implements the domain stores in process memory. It backs
// the "memory" storage mode and the test suites of the packages above it.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/arbbuyer/internal/domain"
)

// CandidateStore implements domain.CandidateStore in memory.
// Thread-safe via RWMutex; callers always receive copies.
type CandidateStore struct {
	mu    sync.RWMutex
	items map[string]domain.Candidate
	now   func() time.Time
}

// NewCandidateStore creates an empty CandidateStore.
func NewCandidateStore() *CandidateStore {
	return &CandidateStore{
		items: make(map[string]domain.Candidate),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func clone(c domain.Candidate) domain.Candidate {
	c.Reasons = slices.Clone(c.Reasons)
	return c
}

// Upsert inserts c as PENDING_EVAL or refreshes the facts of an evaluable
// candidate. Candidates already in the purchase path keep their facts. An id
// owned by another organization reports domain.ErrNotFound.
func (s *CandidateStore) Upsert(ctx context.Context, c domain.Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	existing, ok := s.items[c.ID]
	if !ok {
		c = clone(c)
		c.Status = domain.StatusPendingEval
		c.Reasons = nil
		c.EvaluatedAt = nil
		c.CreatedAt = now
		c.UpdatedAt = now
		s.items[c.ID] = c
		return nil
	}
	if existing.OrgID != c.OrgID {
		return domain.ErrNotFound
	}
	if !existing.Reevaluable() {
		return nil
	}
	existing.CopyFacts(c)
	existing.UpdatedAt = now
	s.items[c.ID] = existing
	return nil
}

// Get returns the candidate with the given id.
func (s *CandidateStore) Get(ctx context.Context, id string) (domain.Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.items[id]
	if !ok {
		return domain.Candidate{}, domain.ErrNotFound
	}
	return clone(c), nil
}

// List returns an organization's candidates ordered by creation time.
func (s *CandidateStore) List(ctx context.Context, orgID string, filter domain.CandidateFilter) ([]domain.Candidate, error) {
	s.mu.RLock()
	var out []domain.Candidate
	for _, c := range s.items {
		if c.OrgID != orgID {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, c.Status) {
			continue
		}
		if filter.Since != nil && c.CreatedAt.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && c.CreatedAt.After(*filter.Until) {
			continue
		}
		out = append(out, clone(c))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return paginate(out, filter.ListOpts), nil
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}

// SaveEvaluation stores the evaluation fields of c while the stored
// candidate is still evaluable.
func (s *CandidateStore) SaveEvaluation(ctx context.Context, c domain.Candidate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.items[c.ID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if !existing.Reevaluable() {
		return false, nil
	}
	existing.ExpectedProfit = c.ExpectedProfit
	existing.Status = c.Status
	existing.Reasons = slices.Clone(c.Reasons)
	existing.EvaluatedAt = c.EvaluatedAt
	existing.UpdatedAt = s.now()
	s.items[c.ID] = existing
	return true, nil
}

// Transition applies change when the stored status matches change.From.
func (s *CandidateStore) Transition(ctx context.Context, change domain.StatusChange) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.items[change.ID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if c.Status != change.From {
		return false, nil
	}
	if change.IfAttemptID != "" && c.LastAttemptID != change.IfAttemptID {
		return false, nil
	}

	at := change.At
	c.Status = change.To
	if change.SetQueuedAt {
		c.QueuedAt = &at
	}
	if change.SetAttemptedAt {
		c.PurchaseAttemptedAt = &at
		c.PurchaseCompletedAt = nil
	}
	if change.SetCompletedAt {
		c.PurchaseCompletedAt = &at
	}
	if change.IncrementAttempts {
		c.PurchaseAttempts++
	}
	if change.ClearError {
		c.ErrorCode = ""
		c.ErrorMessage = ""
		c.FailedStep = ""
	}
	if change.AttemptID != "" {
		c.LastAttemptID = change.AttemptID
	}
	if change.SupplierOrderID != "" {
		c.SupplierOrderID = change.SupplierOrderID
	}
	if change.ErrorCode != "" {
		c.ErrorCode = change.ErrorCode
		c.ErrorMessage = change.ErrorMessage
		c.FailedStep = change.FailedStep
	}
	c.UpdatedAt = s.now()
	s.items[c.ID] = c
	return true, nil
}

// ListQueued returns queued candidates, oldest queue time first.
func (s *CandidateStore) ListQueued(ctx context.Context, limit int) ([]domain.Candidate, error) {
	s.mu.RLock()
	var out []domain.Candidate
	for _, c := range s.items {
		if c.Status == domain.StatusQueued {
			out = append(out, clone(c))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return queuedAt(out[i]).Before(queuedAt(out[j]))
	})
	return paginate(out, domain.ListOpts{Limit: limit}), nil
}

func queuedAt(c domain.Candidate) time.Time {
	if c.QueuedAt == nil {
		return time.Time{}
	}
	return *c.QueuedAt
}

// ListInProgressBefore returns in-progress candidates whose attempt started
// before cutoff.
func (s *CandidateStore) ListInProgressBefore(ctx context.Context, cutoff time.Time) ([]domain.Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Candidate
	for _, c := range s.items {
		if c.Status != domain.StatusInProgress || c.PurchaseAttemptedAt == nil {
			continue
		}
		if c.PurchaseAttemptedAt.Before(cutoff) {
			out = append(out, clone(c))
		}
	}
	return out, nil
}

// Summarize aggregates an organization's candidates.
func (s *CandidateStore) Summarize(ctx context.Context, orgID string) (domain.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum domain.Summary
	var profit domain.Money
	counted := 0
	for _, c := range s.items {
		if c.OrgID != orgID {
			continue
		}
		sum.AddCount(c.Status, 1)
		if domain.ProfitCounted(c.Status) {
			profit += c.ExpectedProfit
			counted++
		}
	}
	sum.SetProfit(profit, counted)
	return sum, nil
}

var _ domain.CandidateStore = (*CandidateStore)(nil)
