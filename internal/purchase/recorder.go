package purchase

import (
	"time"

	"github.com/alanyoungcy/arbbuyer/internal/domain"
)

// recorder buffers one attempt's audit trail until it is flushed.
type recorder struct {
	attemptID   string
	candidateID string
	orgID       string
	now         func() time.Time
	entries     []domain.PurchaseAuditEntry
}

func newRecorder(req domain.PurchaseRequest, now func() time.Time) *recorder {
	return &recorder{
		attemptID:   req.AttemptID,
		candidateID: req.CandidateID,
		orgID:       req.OrgID,
		now:         now,
	}
}

func (r *recorder) add(step domain.Step, phase domain.AuditPhase, msg, shot string, meta map[string]string) {
	r.entries = append(r.entries, domain.PurchaseAuditEntry{
		AttemptID:     r.attemptID,
		CandidateID:   r.candidateID,
		OrgID:         r.orgID,
		Seq:           len(r.entries) + 1,
		Step:          step,
		Phase:         phase,
		Message:       msg,
		ScreenshotKey: shot,
		Metadata:      meta,
		CreatedAt:     r.now(),
	})
}

func (r *recorder) started(step domain.Step) {
	r.add(step, domain.PhaseStarted, "", "", nil)
}

func (r *recorder) completed(step domain.Step, msg string, meta map[string]string) {
	r.add(step, domain.PhaseCompleted, msg, "", meta)
}

func (r *recorder) failed(step domain.Step, pe *domain.PurchaseError, shot string) {
	r.add(step, domain.PhaseFailed, pe.Message, shot, map[string]string{"errorCode": string(pe.Code)})
}

func (r *recorder) info(step domain.Step, msg, shot string) {
	r.add(step, domain.PhaseInfo, msg, shot, nil)
}
