package domain

import "time"

// AuditPhase marks where in a step an audit entry was written.
type AuditPhase string

const (
	PhaseStarted   AuditPhase = "STARTED"
	PhaseCompleted AuditPhase = "COMPLETED"
	PhaseFailed    AuditPhase = "FAILED"
	PhaseInfo      AuditPhase = "INFO"
)

// PurchaseAuditEntry is one immutable row of an attempt's audit trail.
// Seq orders entries within an attempt starting at 1.
type PurchaseAuditEntry struct {
	AttemptID     string            `json:"attempt_id"`
	CandidateID   string            `json:"candidate_id"`
	OrgID         string            `json:"org_id"`
	Seq           int               `json:"seq"`
	Step          Step              `json:"step"`
	Phase         AuditPhase        `json:"phase"`
	Message       string            `json:"message,omitempty"`
	ScreenshotKey string            `json:"screenshot_key,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}
