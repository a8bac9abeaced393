package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/arbbuyer/internal/domain"
)

// RuleConfigStore implements domain.RuleConfigStore in memory.
type RuleConfigStore struct {
	mu      sync.RWMutex
	configs map[string]domain.RuleConfig
}

// NewRuleConfigStore creates an empty RuleConfigStore.
func NewRuleConfigStore() *RuleConfigStore {
	return &RuleConfigStore{configs: make(map[string]domain.RuleConfig)}
}

func (s *RuleConfigStore) Get(ctx context.Context, orgID string) (domain.RuleConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[orgID]
	if !ok {
		return domain.RuleConfig{}, domain.ErrNotFound
	}
	cfg.EligibleShopIDs = slices.Clone(cfg.EligibleShopIDs)
	return cfg, nil
}

func (s *RuleConfigStore) Upsert(ctx context.Context, cfg domain.RuleConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg.EligibleShopIDs = slices.Clone(cfg.EligibleShopIDs)
	cfg.UpdatedAt = time.Now().UTC()
	s.configs[cfg.OrgID] = cfg
	return nil
}

func (s *RuleConfigStore) ListEnabled(ctx context.Context) ([]domain.RuleConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.RuleConfig
	for _, cfg := range s.configs {
		if cfg.Enabled {
			cfg.EligibleShopIDs = slices.Clone(cfg.EligibleShopIDs)
			out = append(out, cfg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrgID < out[j].OrgID })
	return out, nil
}

var _ domain.RuleConfigStore = (*RuleConfigStore)(nil)
