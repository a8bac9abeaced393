package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/arbbuyer/internal/domain"
	"github.com/alanyoungcy/arbbuyer/internal/queue"
	"github.com/alanyoungcy/arbbuyer/internal/service"
)

// CandidateService defines the methods that the candidate handler requires
// from the service layer.
type CandidateService interface {
	EvaluateCandidates(ctx context.Context, orgID string, cands []domain.Candidate) ([]service.EvaluatedCandidate, error)
	EnqueueEligible(ctx context.Context, orgID string, ids []string) (queue.EnqueueResult, error)
	List(ctx context.Context, orgID string, filter domain.CandidateFilter) ([]domain.Candidate, error)
	Get(ctx context.Context, orgID, id string) (domain.Candidate, error)
	GetSummary(ctx context.Context, orgID string) (domain.Summary, error)
	Requeue(ctx context.Context, orgID, id, actor string) error
	Cancel(ctx context.Context, orgID, id string) error
	Audit(ctx context.Context, orgID, id string) ([]service.AuditEntry, error)
	ExportNonFulfilled(ctx context.Context, orgID string, w io.Writer) (int, error)
	StoreExport(ctx context.Context, orgID string) (string, error)
	ListExports(ctx context.Context, orgID string) ([]service.ExportFile, error)
	OpenExport(ctx context.Context, orgID, name string) (io.ReadCloser, error)
}

// CandidateHandler serves candidate endpoints under /api/orgs/{org}.
type CandidateHandler struct {
	candidates CandidateService
	logger     *slog.Logger
}

// NewCandidateHandler creates a CandidateHandler.
func NewCandidateHandler(candidates CandidateService, logger *slog.Logger) *CandidateHandler {
	return &CandidateHandler{
		candidates: candidates,
		logger:     logHandler(logger, "candidates"),
	}
}

type evaluateRequest struct {
	Candidates []domain.Candidate `json:"candidates"`
}

type evaluateResponse struct {
	Results []service.EvaluatedCandidate `json:"results"`
}

// Evaluate stores and scores a batch of candidates.
// POST /api/orgs/{org}/candidates/evaluate
func (h *CandidateHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Candidates) == 0 {
		writeError(w, http.StatusBadRequest, "candidates must not be empty")
		return
	}

	res, err := h.candidates.EvaluateCandidates(r.Context(), r.PathValue("org"), req.Candidates)
	if err != nil {
		writeServiceError(w, r, h.logger, "evaluate", err)
		return
	}
	writeJSON(w, http.StatusOK, evaluateResponse{Results: res})
}

type listCandidatesResponse struct {
	Candidates []domain.Candidate `json:"candidates"`
}

// List returns candidates, optionally filtered by a comma-separated status
// list.
// GET /api/orgs/{org}/candidates?status=ELIGIBLE,SKIPPED_CONDITION&limit=50&offset=0
func (h *CandidateHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := domain.CandidateFilter{ListOpts: parseListOpts(r)}
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			status, err := queue.ParseStatus(strings.TrimSpace(s))
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}

	cands, err := h.candidates.List(r.Context(), r.PathValue("org"), filter)
	if err != nil {
		writeServiceError(w, r, h.logger, "list candidates", err)
		return
	}
	if cands == nil {
		cands = []domain.Candidate{}
	}
	writeJSON(w, http.StatusOK, listCandidatesResponse{Candidates: cands})
}

// Get returns one candidate.
// GET /api/orgs/{org}/candidates/{id}
func (h *CandidateHandler) Get(w http.ResponseWriter, r *http.Request) {
	c, err := h.candidates.Get(r.Context(), r.PathValue("org"), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get candidate", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type enqueueRequest struct {
	IDs []string `json:"ids"`
}

type enqueueResponse struct {
	QueuedCount int `json:"queued_count"`
	queue.EnqueueResult
}

// Enqueue queues eligible candidates. An empty id list queues every
// eligible candidate of the organization.
// POST /api/orgs/{org}/candidates/enqueue
func (h *CandidateHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.candidates.EnqueueEligible(r.Context(), r.PathValue("org"), req.IDs)
	if err != nil {
		writeServiceError(w, r, h.logger, "enqueue", err)
		return
	}
	writeJSON(w, http.StatusOK, enqueueResponse{QueuedCount: res.Queued, EnqueueResult: res})
}

// Requeue puts a failed candidate back into the queue.
// POST /api/orgs/{org}/candidates/{id}/requeue
func (h *CandidateHandler) Requeue(w http.ResponseWriter, r *http.Request) {
	if err := h.candidates.Requeue(r.Context(), r.PathValue("org"), r.PathValue("id"), actor(r)); err != nil {
		writeServiceError(w, r, h.logger, "requeue", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": string(domain.StatusQueued)})
}

// Cancel stops a running purchase attempt after its current step.
// POST /api/orgs/{org}/candidates/{id}/cancel
func (h *CandidateHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.candidates.Cancel(r.Context(), r.PathValue("org"), r.PathValue("id")); err != nil {
		writeServiceError(w, r, h.logger, "cancel", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

type auditResponse struct {
	Entries []service.AuditEntry `json:"entries"`
}

// Audit returns the purchase audit trail of a candidate.
// GET /api/orgs/{org}/candidates/{id}/audit
func (h *CandidateHandler) Audit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.candidates.Audit(r.Context(), r.PathValue("org"), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "audit", err)
		return
	}
	if entries == nil {
		entries = []service.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, auditResponse{Entries: entries})
}

// Summary aggregates the organization's candidates by status.
// GET /api/orgs/{org}/summary
func (h *CandidateHandler) Summary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.candidates.GetSummary(r.Context(), r.PathValue("org"))
	if err != nil {
		writeServiceError(w, r, h.logger, "summary", err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// Export downloads the non-fulfilled candidates as CSV. With store=true the
// file is written to blob storage instead and its path returned.
// GET /api/orgs/{org}/export.csv[?store=true]
func (h *CandidateHandler) Export(w http.ResponseWriter, r *http.Request) {
	org := r.PathValue("org")

	if r.URL.Query().Get("store") == "true" {
		path, err := h.candidates.StoreExport(r.Context(), org)
		if err != nil {
			writeServiceError(w, r, h.logger, "store export", err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"path": path})
		return
	}

	var buf bytes.Buffer
	if _, err := h.candidates.ExportNonFulfilled(r.Context(), org, &buf); err != nil {
		writeServiceError(w, r, h.logger, "export", err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-non-fulfilled.csv"`, org))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// Exports lists previously stored exports with download links.
// GET /api/orgs/{org}/exports
func (h *CandidateHandler) Exports(w http.ResponseWriter, r *http.Request) {
	files, err := h.candidates.ListExports(r.Context(), r.PathValue("org"))
	if err != nil {
		writeServiceError(w, r, h.logger, "list exports", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"exports": files})
}

// DownloadExport streams one stored export.
// GET /api/orgs/{org}/exports/{name}
func (h *CandidateHandler) DownloadExport(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	body, err := h.candidates.OpenExport(r.Context(), r.PathValue("org"), name)
	if err != nil {
		writeServiceError(w, r, h.logger, "download export", err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		h.logger.WarnContext(r.Context(), "export download interrupted",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)
	}
}
