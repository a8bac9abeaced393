package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/arbbuyer/internal/domain"
)

// SessionStore implements domain.SessionStore using PostgreSQL. Material is
// stored as the sealed bytes it is given.
type SessionStore struct {
	pool *pgxpool.Pool
}

// NewSessionStore creates a new SessionStore backed by the given connection pool.
func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

// Get retrieves a session including its sealed material.
func (s *SessionStore) Get(ctx context.Context, key domain.SessionKey) (domain.SupplierSession, error) {
	var sess domain.SupplierSession
	err := s.pool.QueryRow(ctx, `
		SELECT org_id, marketplace, material, last_validated_at,
		       requires_reauth, reauth_reason, updated_at
		FROM supplier_sessions WHERE org_id = $1 AND marketplace = $2`,
		key.OrgID, key.Marketplace,
	).Scan(
		&sess.OrgID, &sess.Marketplace, &sess.Material, &sess.LastValidatedAt,
		&sess.RequiresReauth, &sess.ReauthReason, &sess.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SupplierSession{}, domain.ErrNotFound
		}
		return domain.SupplierSession{}, fmt.Errorf("postgres: get session %s: %w", key, err)
	}
	return sess, nil
}

// Upsert inserts or replaces a session.
func (s *SessionStore) Upsert(ctx context.Context, sess domain.SupplierSession) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO supplier_sessions (
			org_id, marketplace, material, last_validated_at,
			requires_reauth, reauth_reason, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (org_id, marketplace) DO UPDATE SET
			material          = EXCLUDED.material,
			last_validated_at = EXCLUDED.last_validated_at,
			requires_reauth   = EXCLUDED.requires_reauth,
			reauth_reason     = EXCLUDED.reauth_reason,
			updated_at        = NOW()`,
		sess.OrgID, sess.Marketplace, sess.Material, sess.LastValidatedAt,
		sess.RequiresReauth, sess.ReauthReason,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert session %s: %w", sess.Key(), err)
	}
	return nil
}

// MarkValidated records a successful validation.
func (s *SessionStore) MarkValidated(ctx context.Context, key domain.SessionKey, at time.Time) error {
	return s.update(ctx, key, "validate",
		`UPDATE supplier_sessions SET last_validated_at = $3, updated_at = NOW()
		 WHERE org_id = $1 AND marketplace = $2`, at)
}

// MarkReauth flags the session as needing re-authentication.
func (s *SessionStore) MarkReauth(ctx context.Context, key domain.SessionKey, reason string) error {
	return s.update(ctx, key, "mark reauth",
		`UPDATE supplier_sessions SET requires_reauth = TRUE, reauth_reason = $3, updated_at = NOW()
		 WHERE org_id = $1 AND marketplace = $2`, reason)
}

func (s *SessionStore) update(ctx context.Context, key domain.SessionKey, op, query string, arg any) error {
	tag, err := s.pool.Exec(ctx, query, key.OrgID, key.Marketplace, arg)
	if err != nil {
		return fmt.Errorf("postgres: %s session %s: %w", op, key, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// List returns an organization's sessions without their material.
func (s *SessionStore) List(ctx context.Context, orgID string) ([]domain.SupplierSession, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT org_id, marketplace, last_validated_at, requires_reauth, reauth_reason, updated_at
		FROM supplier_sessions WHERE org_id = $1 ORDER BY marketplace`, orgID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.SupplierSession
	for rows.Next() {
		var sess domain.SupplierSession
		if err := rows.Scan(
			&sess.OrgID, &sess.Marketplace, &sess.LastValidatedAt,
			&sess.RequiresReauth, &sess.ReauthReason, &sess.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

var _ domain.SessionStore = (*SessionStore)(nil)
