// Package queue owns the candidate status state machine and the purchase
// queue built on top of it.
//
// Status graph:
//
//	PENDING_EVAL ──► ELIGIBLE | SKIPPED_CONDITION
//	ELIGIBLE ◄──► SKIPPED_CONDITION
//	ELIGIBLE ──► QUEUED_FOR_PURCHASE ──► PURCHASE_IN_PROGRESS ──► PURCHASE_SUCCEEDED | PURCHASE_FAILED
//	PURCHASE_FAILED ──► QUEUED_FOR_PURCHASE | ELIGIBLE | SKIPPED_CONDITION | PURCHASE_SUCCEEDED
//
// PURCHASE_FAILED re-enters the queue only by explicit requeue, or returns to
// evaluation when its error code says the supplier facts changed.
// PURCHASE_FAILED ──► PURCHASE_SUCCEEDED is reconciliation: the attempt was
// reaped while it was still placing an order that then went through.
// PURCHASE_SUCCEEDED has no outgoing transitions.
package queue

import (
	"fmt"
	"slices"

	"github.com/alanyoungcy/arbbuyer/internal/domain"
)

var validTransitions = map[domain.CandidateStatus][]domain.CandidateStatus{
	domain.StatusPendingEval: {domain.StatusEligible, domain.StatusSkipped},
	domain.StatusEligible:    {domain.StatusQueued, domain.StatusSkipped},
	domain.StatusSkipped:     {domain.StatusEligible},
	domain.StatusQueued:      {domain.StatusInProgress},
	domain.StatusInProgress:  {domain.StatusSucceeded, domain.StatusFailed},
	domain.StatusFailed:      {domain.StatusQueued, domain.StatusEligible, domain.StatusSkipped, domain.StatusSucceeded},
}

// ParseStatus converts a raw string to a CandidateStatus.
func ParseStatus(s string) (domain.CandidateStatus, error) {
	st := domain.CandidateStatus(s)
	if slices.Contains(domain.AllStatuses, st) {
		return st, nil
	}
	return "", fmt.Errorf("unknown candidate status %q", s)
}

// IsTransitionAllowed reports whether moving from -> to is permitted.
// Staying in the same evaluation status counts as allowed so that a
// re-evaluation with an unchanged verdict is not an error.
func IsTransitionAllowed(from, to domain.CandidateStatus) bool {
	if from == to && (from == domain.StatusEligible || from == domain.StatusSkipped) {
		return true
	}
	return slices.Contains(validTransitions[from], to)
}

// IsTerminal reports whether s ends a purchase attempt.
func IsTerminal(s domain.CandidateStatus) bool {
	return s == domain.StatusSucceeded || s == domain.StatusFailed
}
