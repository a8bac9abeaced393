package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/arbbuyer/internal/domain"
)

// RuleService reads organization rule configuration through an optional
// cache. It satisfies queue.RuleSource.
type RuleService struct {
	store  domain.RuleConfigStore
	cache  domain.RuleConfigCache
	logger *slog.Logger
}

// NewRuleService creates a RuleService. cache may be nil.
func NewRuleService(store domain.RuleConfigStore, cache domain.RuleConfigCache, logger *slog.Logger) *RuleService {
	return &RuleService{
		store:  store,
		cache:  cache,
		logger: logger.With(slog.String("component", "rule_service")),
	}
}

// Get returns orgID's configuration. An organization without a stored
// configuration gets domain.ErrNotFound.
func (s *RuleService) Get(ctx context.Context, orgID string) (domain.RuleConfig, error) {
	if s.cache != nil {
		cfg, err := s.cache.Get(ctx, orgID)
		if err == nil {
			return cfg, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "rule cache read failed",
				slog.String("org_id", orgID),
				slog.String("error", err.Error()),
			)
		}
	}

	cfg, err := s.store.Get(ctx, orgID)
	if err != nil {
		return domain.RuleConfig{}, fmt.Errorf("rule_service: get %s: %w", orgID, err)
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, cfg); err != nil {
			s.logger.WarnContext(ctx, "rule cache write failed",
				slog.String("org_id", orgID),
				slog.String("error", err.Error()),
			)
		}
	}
	return cfg, nil
}

// Upsert validates and stores cfg, then drops the cached copy.
func (s *RuleService) Upsert(ctx context.Context, cfg domain.RuleConfig) error {
	if err := ValidateRules(cfg); err != nil {
		return err
	}
	if err := s.store.Upsert(ctx, cfg); err != nil {
		return fmt.Errorf("rule_service: upsert %s: %w", cfg.OrgID, err)
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, cfg.OrgID); err != nil {
			s.logger.WarnContext(ctx, "rule cache invalidate failed",
				slog.String("org_id", cfg.OrgID),
				slog.String("error", err.Error()),
			)
		}
	}
	s.logger.InfoContext(ctx, "rules updated",
		slog.String("org_id", cfg.OrgID),
		slog.Bool("enabled", cfg.Enabled),
	)
	return nil
}

// ListEnabled returns every organization with automation switched on.
func (s *RuleService) ListEnabled(ctx context.Context) ([]domain.RuleConfig, error) {
	cfgs, err := s.store.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("rule_service: list enabled: %w", err)
	}
	return cfgs, nil
}

// ErrInvalidRules is returned for a configuration that cannot be stored.
var ErrInvalidRules = errors.New("invalid rule configuration")

// ValidateRules checks cfg for values the evaluator cannot work with.
func ValidateRules(cfg domain.RuleConfig) error {
	var problems []string
	if strings.TrimSpace(cfg.OrgID) == "" {
		problems = append(problems, "org_id is empty")
	}
	if cfg.MaxDeliveryDays < 0 {
		problems = append(problems, "max_delivery_days is negative")
	}
	for _, id := range cfg.EligibleShopIDs {
		if strings.TrimSpace(id) == "" {
			problems = append(problems, "eligible_shop_ids contains an empty id")
			break
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRules, strings.Join(problems, "; "))
	}
	return nil
}
