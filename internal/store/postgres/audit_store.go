package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/arbbuyer/internal/domain"
)

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// PurchaseAuditStore implements domain.PurchaseAuditStore using PostgreSQL.
// Rows are never updated; the table carries a trigger that rejects rewrites.
type PurchaseAuditStore struct {
	pool *pgxpool.Pool
}

// NewPurchaseAuditStore creates a new PurchaseAuditStore backed by the given connection pool.
func NewPurchaseAuditStore(pool *pgxpool.Pool) *PurchaseAuditStore {
	return &PurchaseAuditStore{pool: pool}
}

// AppendBatch inserts entries in one transaction. Metadata is stored as JSONB.
func (s *PurchaseAuditStore) AppendBatch(ctx context.Context, entries []domain.PurchaseAuditEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin audit batch: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const query = `
		INSERT INTO purchase_audit_log (
			attempt_id, seq, candidate_id, org_id, step, phase,
			message, screenshot_key, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	batch := &pgx.Batch{}
	for _, e := range entries {
		var meta []byte
		if len(e.Metadata) > 0 {
			if meta, err = json.Marshal(e.Metadata); err != nil {
				return fmt.Errorf("postgres: marshal audit metadata: %w", err)
			}
		}
		batch.Queue(query,
			e.AttemptID, e.Seq, e.CandidateID, e.OrgID, string(e.Step), string(e.Phase),
			e.Message, e.ScreenshotKey, meta, e.CreatedAt,
		)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("postgres: append audit batch: %w", domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: append audit batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit audit batch: %w", err)
	}
	return nil
}

// ListByAttempt returns one attempt's entries in sequence order.
func (s *PurchaseAuditStore) ListByAttempt(ctx context.Context, attemptID string) ([]domain.PurchaseAuditEntry, error) {
	return s.list(ctx, `WHERE attempt_id = $1 ORDER BY seq`, attemptID)
}

// ListByCandidate returns every entry for a candidate, attempt by attempt.
func (s *PurchaseAuditStore) ListByCandidate(ctx context.Context, candidateID string) ([]domain.PurchaseAuditEntry, error) {
	return s.list(ctx, `WHERE candidate_id = $1
		ORDER BY MIN(created_at) OVER (PARTITION BY attempt_id), attempt_id, seq`, candidateID)
}

func (s *PurchaseAuditStore) list(ctx context.Context, where string, arg string) ([]domain.PurchaseAuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT attempt_id, seq, candidate_id, org_id, step, phase,
		       message, screenshot_key, metadata, created_at
		FROM purchase_audit_log `+where, arg)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit entries: %w", err)
	}
	defer rows.Close()

	var out []domain.PurchaseAuditEntry
	for rows.Next() {
		var e domain.PurchaseAuditEntry
		var step, phase string
		var meta []byte
		if err := rows.Scan(
			&e.AttemptID, &e.Seq, &e.CandidateID, &e.OrgID, &step, &phase,
			&e.Message, &e.ScreenshotKey, &meta, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan audit entry: %w", err)
		}
		e.Step = domain.Step(step)
		e.Phase = domain.AuditPhase(phase)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal audit metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ domain.PurchaseAuditStore = (*PurchaseAuditStore)(nil)
