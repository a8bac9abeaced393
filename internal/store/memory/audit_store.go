package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/alanyoungcy/arbbuyer/internal/domain"
)

// PurchaseAuditStore implements domain.PurchaseAuditStore in memory. Entries
// are append-only: rewriting an (attempt, seq) pair is rejected.
type PurchaseAuditStore struct {
	mu      sync.RWMutex
	entries []domain.PurchaseAuditEntry
	seen    map[string]bool
}

// NewPurchaseAuditStore creates an empty PurchaseAuditStore.
func NewPurchaseAuditStore() *PurchaseAuditStore {
	return &PurchaseAuditStore{seen: make(map[string]bool)}
}

func auditKey(e domain.PurchaseAuditEntry) string {
	return fmt.Sprintf("%s/%d", e.AttemptID, e.Seq)
}

func (s *PurchaseAuditStore) AppendBatch(ctx context.Context, entries []domain.PurchaseAuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if s.seen[auditKey(e)] {
			return fmt.Errorf("memory: audit entry %s: %w", auditKey(e), domain.ErrAlreadyExists)
		}
	}
	for _, e := range entries {
		e.Metadata = maps.Clone(e.Metadata)
		s.seen[auditKey(e)] = true
		s.entries = append(s.entries, e)
	}
	return nil
}

func (s *PurchaseAuditStore) ListByAttempt(ctx context.Context, attemptID string) ([]domain.PurchaseAuditEntry, error) {
	return s.filter(func(e domain.PurchaseAuditEntry) bool { return e.AttemptID == attemptID }), nil
}

func (s *PurchaseAuditStore) ListByCandidate(ctx context.Context, candidateID string) ([]domain.PurchaseAuditEntry, error) {
	return s.filter(func(e domain.PurchaseAuditEntry) bool { return e.CandidateID == candidateID }), nil
}

func (s *PurchaseAuditStore) filter(keep func(domain.PurchaseAuditEntry) bool) []domain.PurchaseAuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.PurchaseAuditEntry
	for _, e := range s.entries {
		if keep(e) {
			e.Metadata = maps.Clone(e.Metadata)
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].AttemptID != out[j].AttemptID {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

var _ domain.PurchaseAuditStore = (*PurchaseAuditStore)(nil)
