package domain

import (
	"context"
	"time"
)

// OutcomeEvent announces the terminal result of a purchase attempt to
// downstream reporting.
type OutcomeEvent struct {
	OrgID           string          `json:"org_id"`
	CandidateID     string          `json:"candidate_id"`
	AttemptID       string          `json:"attempt_id"`
	Status          CandidateStatus `json:"status"`
	SupplierOrderID string          `json:"supplier_order_id,omitempty"`
	TotalPaid       Money           `json:"total_paid,omitempty"`
	ErrorCode       ErrorCode       `json:"error_code,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	OccurredAt      time.Time       `json:"occurred_at"`
}

// EventPublisher delivers outcome events. Implementations must be safe for
// concurrent use.
type EventPublisher interface {
	PublishOutcome(ctx context.Context, ev OutcomeEvent) error
}
