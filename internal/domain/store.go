package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// CandidateStore persists purchase candidates. Status changes go through
// Transition so that concurrent writers cannot both move one candidate.
type CandidateStore interface {
	// Upsert inserts a new candidate as PENDING_EVAL, or refreshes the facts
	// of an existing one while it is still evaluable.
	Upsert(ctx context.Context, c Candidate) error
	Get(ctx context.Context, id string) (Candidate, error)
	List(ctx context.Context, orgID string, filter CandidateFilter) ([]Candidate, error)
	// SaveEvaluation writes the evaluation fields only while the stored
	// candidate is evaluable. It reports whether the write happened.
	SaveEvaluation(ctx context.Context, c Candidate) (bool, error)
	// Transition applies change only when the stored status equals
	// change.From. It reports whether the change was applied.
	Transition(ctx context.Context, change StatusChange) (bool, error)
	// ListQueued returns queued candidates across organizations, oldest
	// queue time first.
	ListQueued(ctx context.Context, limit int) ([]Candidate, error)
	// ListInProgressBefore returns in-progress candidates whose attempt
	// started before the cutoff.
	ListInProgressBefore(ctx context.Context, cutoff time.Time) ([]Candidate, error)
	Summarize(ctx context.Context, orgID string) (Summary, error)
}

// RuleConfigStore persists per-organization rule configuration.
type RuleConfigStore interface {
	Get(ctx context.Context, orgID string) (RuleConfig, error)
	Upsert(ctx context.Context, cfg RuleConfig) error
	ListEnabled(ctx context.Context) ([]RuleConfig, error)
}

// SessionStore persists supplier sessions.
type SessionStore interface {
	Get(ctx context.Context, key SessionKey) (SupplierSession, error)
	Upsert(ctx context.Context, s SupplierSession) error
	MarkValidated(ctx context.Context, key SessionKey, at time.Time) error
	MarkReauth(ctx context.Context, key SessionKey, reason string) error
	List(ctx context.Context, orgID string) ([]SupplierSession, error)
}

// PurchaseAuditStore persists append-only purchase audit trails.
type PurchaseAuditStore interface {
	// AppendBatch writes all entries of one flush atomically.
	AppendBatch(ctx context.Context, entries []PurchaseAuditEntry) error
	ListByAttempt(ctx context.Context, attemptID string) ([]PurchaseAuditEntry, error)
	ListByCandidate(ctx context.Context, candidateID string) ([]PurchaseAuditEntry, error)
}
