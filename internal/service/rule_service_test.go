package service

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbbuyer/internal/domain"
	"github.com/alanyoungcy/arbbuyer/internal/store/memory"
)

type mapCache struct {
	items       map[string]domain.RuleConfig
	gets        int
	invalidated []string
}

func (c *mapCache) Get(_ context.Context, orgID string) (domain.RuleConfig, error) {
	c.gets++
	cfg, ok := c.items[orgID]
	if !ok {
		return domain.RuleConfig{}, domain.ErrNotFound
	}
	return cfg, nil
}

func (c *mapCache) Set(_ context.Context, cfg domain.RuleConfig) error {
	c.items[cfg.OrgID] = cfg
	return nil
}

func (c *mapCache) Invalidate(_ context.Context, orgID string) error {
	delete(c.items, orgID)
	c.invalidated = append(c.invalidated, orgID)
	return nil
}

func TestRuleService_ReadThroughCache(t *testing.T) {
	ctx := context.Background()
	store := memory.NewRuleConfigStore()
	cache := &mapCache{items: map[string]domain.RuleConfig{}}
	svc := NewRuleService(store, cache, slog.New(slog.DiscardHandler))

	require.NoError(t, svc.Upsert(ctx, domain.RuleConfig{OrgID: "org-1", Enabled: true, MaxDeliveryDays: 5}))
	assert.Equal(t, []string{"org-1"}, cache.invalidated)

	cfg, err := svc.Get(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxDeliveryDays)
	assert.Contains(t, cache.items, "org-1")

	// Served from cache even when the store changes underneath.
	require.NoError(t, store.Upsert(ctx, domain.RuleConfig{OrgID: "org-1", MaxDeliveryDays: 9}))
	cfg, err = svc.Get(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxDeliveryDays)

	_, err = svc.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestValidateRules(t *testing.T) {
	assert.NoError(t, ValidateRules(domain.RuleConfig{OrgID: "org-1", MinExpectedProfit: -100}))

	err := ValidateRules(domain.RuleConfig{MaxDeliveryDays: -1, EligibleShopIDs: []string{" "}})
	require.ErrorIs(t, err, ErrInvalidRules)
	assert.Contains(t, err.Error(), "org_id is empty")
	assert.Contains(t, err.Error(), "max_delivery_days is negative")
	assert.Contains(t, err.Error(), "empty id")
}
