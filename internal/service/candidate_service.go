package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/alanyoungcy/arbbuyer/internal/domain"
	"github.com/alanyoungcy/arbbuyer/internal/evaluator"
	"github.com/alanyoungcy/arbbuyer/internal/queue"
	"github.com/alanyoungcy/arbbuyer/internal/telemetry"
)

// ErrNotRunning is returned when a cancel targets an attempt that is not
// running in this process.
var ErrNotRunning = errors.New("no running attempt for candidate")

// Queue is the part of the queue manager the service drives.
type Queue interface {
	Enqueue(ctx context.Context, orgID string, ids []string) (queue.EnqueueResult, error)
	Requeue(ctx context.Context, orgID, id, actor string) error
}

// Canceller stops a running purchase attempt.
type Canceller interface {
	Cancel(candidateID string) bool
}

// ErrNoBlobStorage is returned by export storage operations when no object
// store is configured.
var ErrNoBlobStorage = errors.New("candidate_service: no blob storage configured")

// Presigner turns a stored object path into a time-limited URL.
type Presigner interface {
	PresignGet(ctx context.Context, path string, ttl time.Duration) (string, error)
}

// EvaluatedCandidate is one result of EvaluateCandidates. Persisted is false
// when the stored candidate had moved past evaluation; Candidate then holds
// the stored state.
type EvaluatedCandidate struct {
	Candidate domain.Candidate `json:"candidate"`
	Persisted bool             `json:"persisted"`
	Error     string           `json:"error,omitempty"`
}

// AuditEntry is an audit row with a viewable screenshot link.
type AuditEntry struct {
	domain.PurchaseAuditEntry
	ScreenshotURL string `json:"screenshot_url,omitempty"`
}

// CandidateConfig tunes the candidate service.
type CandidateConfig struct {
	Concurrency int
	// LinkTTL bounds presigned screenshot and export links.
	LinkTTL      time.Duration
	ExportPrefix string
}

// CandidateService is the entry point for evaluation, enqueueing and
// reporting on purchase candidates.
type CandidateService struct {
	candidates domain.CandidateStore
	rules      queue.RuleSource
	queue      Queue
	audit      domain.PurchaseAuditStore
	batch      *evaluator.Batch
	cfg        CandidateConfig
	logger     *slog.Logger

	exports   domain.BlobWriter
	stored    domain.BlobReader
	links     Presigner
	canceller Canceller
	metrics   *telemetry.Metrics
	now       func() time.Time

	// multipartFrom is the export size from which uploads go multipart;
	// zero means defaultMultipartFrom.
	multipartFrom int
}

// NewCandidateService creates a CandidateService.
func NewCandidateService(
	candidates domain.CandidateStore,
	rules queue.RuleSource,
	q Queue,
	audit domain.PurchaseAuditStore,
	cfg CandidateConfig,
	logger *slog.Logger,
) *CandidateService {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 8
	}
	if cfg.LinkTTL <= 0 {
		cfg.LinkTTL = 15 * time.Minute
	}
	if cfg.ExportPrefix == "" {
		cfg.ExportPrefix = "exports"
	}
	return &CandidateService{
		candidates: candidates,
		rules:      rules,
		queue:      q,
		audit:      audit,
		batch:      evaluator.NewBatch(cfg.Concurrency),
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "candidate_service")),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithExports stores CSV exports in blob storage.
func (s *CandidateService) WithExports(w domain.BlobWriter) *CandidateService {
	s.exports = w
	return s
}

// WithScreenshotLinks presigns screenshot keys in audit listings.
func (s *CandidateService) WithScreenshotLinks(p Presigner) *CandidateService {
	s.links = p
	return s
}

// WithCanceller enables Cancel.
func (s *CandidateService) WithCanceller(c Canceller) *CandidateService {
	s.canceller = c
	return s
}

// WithMetrics records evaluation and enqueue counts.
func (s *CandidateService) WithMetrics(m *telemetry.Metrics) *CandidateService {
	s.metrics = m
	return s
}

// EvaluateCandidates stores the supplied candidate facts for orgID and
// evaluates them under the organization's rules. A candidate that fails
// validation or belongs to another organization is reported failed without
// affecting the rest. Candidates already past evaluation keep their stored
// state.
func (s *CandidateService) EvaluateCandidates(ctx context.Context, orgID string, incoming []domain.Candidate) ([]EvaluatedCandidate, error) {
	cfg, err := s.rules.Get(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("candidate_service: evaluate: rules for %s: %w", orgID, err)
	}

	out := make([]EvaluatedCandidate, len(incoming))
	var (
		evaluable []domain.Candidate
		slots     []int
	)
	for i, c := range incoming {
		if c.OrgID == "" {
			c.OrgID = orgID
		}
		out[i].Candidate = c
		if c.OrgID != orgID {
			out[i].Error = fmt.Sprintf("candidate belongs to organization %q", c.OrgID)
			continue
		}
		if err := evaluator.Validate(c); err != nil {
			out[i].Error = err.Error()
			continue
		}
		if err := s.candidates.Upsert(ctx, c); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				out[i].Error = fmt.Sprintf("candidate id %q is not available to this organization", c.ID)
				continue
			}
			return nil, fmt.Errorf("candidate_service: evaluate: upsert %s: %w", c.ID, err)
		}
		stored, err := s.candidates.Get(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("candidate_service: evaluate: reload %s: %w", c.ID, err)
		}
		out[i].Candidate = stored
		if !stored.Reevaluable() {
			continue
		}
		evaluable = append(evaluable, stored)
		slots = append(slots, i)
	}

	saved, err := s.evaluate(ctx, cfg, evaluable, func(j int, r evaluator.Result, persisted bool) {
		i := slots[j]
		out[i].Candidate = r.Candidate
		out[i].Persisted = persisted
		if r.Err != nil {
			out[i].Error = r.Err.Error()
		}
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "candidates evaluated",
		slog.String("org_id", orgID),
		slog.Int("received", len(incoming)),
		slog.Int("persisted", saved),
	)
	return out, nil
}

// Reevaluate re-scores every stored candidate of orgID that is still open
// to evaluation, such as after a rule change or a price-driven failure. It
// returns how many evaluations were written.
func (s *CandidateService) Reevaluate(ctx context.Context, orgID string) (int, error) {
	cfg, err := s.rules.Get(ctx, orgID)
	if err != nil {
		return 0, fmt.Errorf("candidate_service: reevaluate: rules for %s: %w", orgID, err)
	}
	stored, err := s.candidates.List(ctx, orgID, domain.CandidateFilter{
		Statuses: append(slices.Clone(domain.PrePurchaseStatuses), domain.StatusFailed),
	})
	if err != nil {
		return 0, fmt.Errorf("candidate_service: reevaluate: list %s: %w", orgID, err)
	}

	var evaluable []domain.Candidate
	for _, c := range stored {
		if c.Reevaluable() {
			evaluable = append(evaluable, c)
		}
	}
	if len(evaluable) == 0 {
		return 0, nil
	}

	saved, err := s.evaluate(ctx, cfg, evaluable, nil)
	if err != nil {
		return saved, err
	}
	s.logger.InfoContext(ctx, "candidates re-evaluated",
		slog.String("org_id", orgID),
		slog.Int("candidates", len(evaluable)),
		slog.Int("persisted", saved),
	)
	return saved, nil
}

// evaluate runs the batch and persists each successful evaluation. each, when
// set, sees every result in input order.
func (s *CandidateService) evaluate(ctx context.Context, cfg domain.RuleConfig, cands []domain.Candidate, each func(int, evaluator.Result, bool)) (int, error) {
	if len(cands) == 0 {
		return 0, nil
	}
	results, err := s.batch.Run(ctx, cfg, cands)
	if err != nil {
		return 0, fmt.Errorf("candidate_service: evaluate batch: %w", err)
	}

	saved := 0
	counts := make(map[domain.CandidateStatus]int)
	for j, r := range results {
		persisted := false
		if r.Err == nil {
			ok, err := s.candidates.SaveEvaluation(ctx, r.Candidate)
			if err != nil {
				return saved, fmt.Errorf("candidate_service: save evaluation %s: %w", r.Candidate.ID, err)
			}
			if ok {
				persisted = true
				saved++
				counts[r.Candidate.Status]++
			} else if cur, err := s.candidates.Get(ctx, r.Candidate.ID); err == nil {
				// Moved on between load and save; report what is stored.
				r.Candidate = cur
			}
		}
		if each != nil {
			each(j, r, persisted)
		}
	}
	for status, n := range counts {
		s.metrics.Evaluated(ctx, cfg.OrgID, status, n)
	}
	return saved, nil
}

// EnqueueEligible queues the given candidates. With no ids every ELIGIBLE
// candidate of orgID is queued.
func (s *CandidateService) EnqueueEligible(ctx context.Context, orgID string, ids []string) (queue.EnqueueResult, error) {
	if len(ids) == 0 {
		eligible, err := s.candidates.List(ctx, orgID, domain.CandidateFilter{
			Statuses: []domain.CandidateStatus{domain.StatusEligible},
		})
		if err != nil {
			return queue.EnqueueResult{}, fmt.Errorf("candidate_service: enqueue: list eligible: %w", err)
		}
		for _, c := range eligible {
			ids = append(ids, c.ID)
		}
		if len(ids) == 0 {
			return queue.EnqueueResult{}, nil
		}
	}

	res, err := s.queue.Enqueue(ctx, orgID, ids)
	if err != nil {
		return res, fmt.Errorf("candidate_service: enqueue: %w", err)
	}
	s.metrics.Enqueued(ctx, orgID, res.Queued)
	return res, nil
}

// Get returns one of orgID's candidates.
func (s *CandidateService) Get(ctx context.Context, orgID, id string) (domain.Candidate, error) {
	c, err := s.candidates.Get(ctx, id)
	if err != nil {
		return domain.Candidate{}, fmt.Errorf("candidate_service: get %s: %w", id, err)
	}
	if c.OrgID != orgID {
		return domain.Candidate{}, fmt.Errorf("candidate_service: get %s: %w", id, domain.ErrNotFound)
	}
	return c, nil
}

// List returns orgID's candidates matching filter.
func (s *CandidateService) List(ctx context.Context, orgID string, filter domain.CandidateFilter) ([]domain.Candidate, error) {
	cands, err := s.candidates.List(ctx, orgID, filter)
	if err != nil {
		return nil, fmt.Errorf("candidate_service: list %s: %w", orgID, err)
	}
	return cands, nil
}

// GetSummary aggregates orgID's candidates by status.
func (s *CandidateService) GetSummary(ctx context.Context, orgID string) (domain.Summary, error) {
	sum, err := s.candidates.Summarize(ctx, orgID)
	if err != nil {
		return domain.Summary{}, fmt.Errorf("candidate_service: summary %s: %w", orgID, err)
	}
	return sum, nil
}

// Requeue puts a failed candidate back into the queue for actor.
func (s *CandidateService) Requeue(ctx context.Context, orgID, id, actor string) error {
	if err := s.queue.Requeue(ctx, orgID, id, actor); err != nil {
		return fmt.Errorf("candidate_service: %w", err)
	}
	return nil
}

// Cancel stops the running attempt for a candidate. The attempt ends with
// CANCELLED once its current step returns.
func (s *CandidateService) Cancel(ctx context.Context, orgID, id string) error {
	c, err := s.Get(ctx, orgID, id)
	if err != nil {
		return err
	}
	if c.Status != domain.StatusInProgress {
		return fmt.Errorf("candidate_service: cancel %s in %s: %w", id, c.Status, domain.ErrInvalidTransition)
	}
	if s.canceller == nil || !s.canceller.Cancel(id) {
		return fmt.Errorf("candidate_service: cancel %s: %w", id, ErrNotRunning)
	}
	s.logger.InfoContext(ctx, "purchase cancel requested",
		slog.String("org_id", orgID),
		slog.String("candidate_id", id),
		slog.String("attempt_id", c.LastAttemptID),
	)
	return nil
}

// Audit returns the audit trail of every attempt made for a candidate.
func (s *CandidateService) Audit(ctx context.Context, orgID, id string) ([]AuditEntry, error) {
	if _, err := s.Get(ctx, orgID, id); err != nil {
		return nil, err
	}
	entries, err := s.audit.ListByCandidate(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("candidate_service: audit %s: %w", id, err)
	}

	out := make([]AuditEntry, len(entries))
	for i, e := range entries {
		out[i] = AuditEntry{PurchaseAuditEntry: e}
		if e.ScreenshotKey == "" || s.links == nil {
			continue
		}
		url, err := s.links.PresignGet(ctx, e.ScreenshotKey, s.cfg.LinkTTL)
		if err != nil {
			s.logger.WarnContext(ctx, "presign screenshot failed",
				slog.String("key", e.ScreenshotKey),
				slog.String("error", err.Error()),
			)
			continue
		}
		out[i].ScreenshotURL = url
	}
	return out, nil
}
