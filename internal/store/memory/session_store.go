package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/arbbuyer/internal/domain"
)

// SessionStore implements domain.SessionStore in memory.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[domain.SessionKey]domain.SupplierSession
}

// NewSessionStore creates an empty SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[domain.SessionKey]domain.SupplierSession)}
}

func (s *SessionStore) Get(ctx context.Context, key domain.SessionKey) (domain.SupplierSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[key]
	if !ok {
		return domain.SupplierSession{}, domain.ErrNotFound
	}
	sess.Material = slices.Clone(sess.Material)
	return sess, nil
}

func (s *SessionStore) Upsert(ctx context.Context, sess domain.SupplierSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.Material = slices.Clone(sess.Material)
	sess.UpdatedAt = time.Now().UTC()
	s.sessions[sess.Key()] = sess
	return nil
}

func (s *SessionStore) MarkValidated(ctx context.Context, key domain.SessionKey, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return domain.ErrNotFound
	}
	sess.LastValidatedAt = &at
	sess.UpdatedAt = time.Now().UTC()
	s.sessions[key] = sess
	return nil
}

func (s *SessionStore) MarkReauth(ctx context.Context, key domain.SessionKey, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return domain.ErrNotFound
	}
	sess.RequiresReauth = true
	sess.ReauthReason = reason
	sess.UpdatedAt = time.Now().UTC()
	s.sessions[key] = sess
	return nil
}

func (s *SessionStore) List(ctx context.Context, orgID string) ([]domain.SupplierSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.SupplierSession
	for _, sess := range s.sessions {
		if sess.OrgID == orgID {
			sess.Material = nil
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Marketplace < out[j].Marketplace })
	return out, nil
}

var _ domain.SessionStore = (*SessionStore)(nil)
