package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/arbbuyer/internal/domain"
)

// RuleService defines what the rules handler needs.
type RuleService interface {
	Get(ctx context.Context, orgID string) (domain.RuleConfig, error)
	Upsert(ctx context.Context, cfg domain.RuleConfig) error
}

// RuleHandler serves an organization's rule configuration.
type RuleHandler struct {
	rules  RuleService
	logger *slog.Logger
}

// NewRuleHandler creates a RuleHandler.
func NewRuleHandler(rules RuleService, logger *slog.Logger) *RuleHandler {
	return &RuleHandler{rules: rules, logger: logHandler(logger, "rules")}
}

// Get returns the organization's rules.
// GET /api/orgs/{org}/rules
func (h *RuleHandler) Get(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.rules.Get(r.Context(), r.PathValue("org"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get rules", err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// Put replaces the organization's rules. The path decides the org.
// PUT /api/orgs/{org}/rules
func (h *RuleHandler) Put(w http.ResponseWriter, r *http.Request) {
	var cfg domain.RuleConfig
	if err := decodeJSON(w, r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg.OrgID = r.PathValue("org")

	if err := h.rules.Upsert(r.Context(), cfg); err != nil {
		writeServiceError(w, r, h.logger, "update rules", err)
		return
	}
	h.logger.InfoContext(r.Context(), "rules replaced",
		slog.String("org_id", cfg.OrgID),
		slog.String("actor", actor(r)),
	)
	writeJSON(w, http.StatusOK, cfg)
}

// logHandler is a convenience to attach slog fields in handler code.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}
