package evaluator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbbuyer/internal/domain"
)

func baseConfig() domain.RuleConfig {
	return domain.RuleConfig{
		OrgID:                 "org-1",
		Enabled:               true,
		IncludeSupplierPoints: true,
		MaxDeliveryDays:       5,
		MinExpectedProfit:     5000,
		EligibleShopIDs:       []string{"shop-a"},
	}
}

func baseCandidate() domain.Candidate {
	return domain.Candidate{
		ID:                  "cand-1",
		OrgID:               "org-1",
		MarketplaceOrderID:  "SP-1001",
		Marketplace:         "shopee",
		ShopID:              "shop-a",
		ProductName:         "Wireless Earbuds",
		SKU:                 "EB-01",
		Quantity:            1,
		OrderTotal:          15000,
		SupplierSKUID:       "B0TESTASIN",
		SupplierMarketplace: "amazon_jp",
		SupplierPrice:       10000,
		SupplierPoints:      300,
		SupplierAvailable:   true,
		SupplierCondition:   domain.ConditionNew,
		EstimatedShipDays:   2,
		MarketplaceFees:     500,
		Status:              domain.StatusPendingEval,
	}
}

func TestEvaluateProfitBelowThreshold(t *testing.T) {
	ev := Evaluate(baseCandidate(), baseConfig())

	assert.Equal(t, domain.Money(4800), ev.ExpectedProfit)
	assert.Equal(t, domain.StatusSkipped, ev.Status)
	assert.Equal(t, []domain.ReasonCode{domain.ReasonProfitBelowThreshold}, ev.Reasons)
}

func TestEvaluateDeliveryTooSlowRegardlessOfProfit(t *testing.T) {
	c := baseCandidate()
	c.EstimatedShipDays = 10

	ev := Evaluate(c, baseConfig())
	assert.Contains(t, ev.Reasons, domain.ReasonDeliveryTooSlow)

	cfg := baseConfig()
	cfg.MinExpectedProfit = 0
	ev = Evaluate(c, cfg)
	assert.Equal(t, []domain.ReasonCode{domain.ReasonDeliveryTooSlow}, ev.Reasons)
	assert.Equal(t, domain.StatusSkipped, ev.Status)
}

func TestEvaluateAccumulatesAllReasonsInOrder(t *testing.T) {
	c := baseCandidate()
	c.ShopID = "shop-z"
	c.SupplierAvailable = false
	c.SupplierCondition = domain.ConditionUsed
	c.SupplierPrice = 20000
	c.DomesticShippingFee = 800
	c.EstimatedShipDays = 9

	ev := Evaluate(c, baseConfig())
	assert.Equal(t, []domain.ReasonCode{
		domain.ReasonShopNotEligible,
		domain.ReasonSupplierOutOfStock,
		domain.ReasonSupplierUsedOnly,
		domain.ReasonDomesticShippingOff,
		domain.ReasonNegativeProfit,
		domain.ReasonDeliveryTooSlow,
	}, ev.Reasons)
	assert.Equal(t, domain.Money(15000-20000-500+300), ev.ExpectedProfit)
}

func TestEvaluateListingMissing(t *testing.T) {
	c := baseCandidate()
	c.SupplierCondition = domain.ConditionUnavailable
	cfg := baseConfig()
	cfg.MinExpectedProfit = 0

	ev := Evaluate(c, cfg)
	assert.Equal(t, []domain.ReasonCode{domain.ReasonSupplierListingGone}, ev.Reasons)
}

func TestEvaluateInformationalReasonsKeepEligible(t *testing.T) {
	c := baseCandidate()
	c.DomesticShippingFee = 400
	cfg := baseConfig()
	cfg.IncludeSupplierPoints = false
	cfg.MinExpectedProfit = 1000

	ev := Evaluate(c, cfg)
	assert.Equal(t, domain.StatusEligible, ev.Status)
	assert.Equal(t, []domain.ReasonCode{
		domain.ReasonPointsExcluded,
		domain.ReasonDomesticShippingOff,
	}, ev.Reasons)
	assert.Equal(t, domain.Money(4500), ev.ExpectedProfit)
}

func TestEvaluateNegativeMinimumProfit(t *testing.T) {
	c := baseCandidate()
	c.SupplierPrice = 15200
	cfg := baseConfig()
	cfg.MinExpectedProfit = -1000

	ev := Evaluate(c, cfg)
	// Profit is -400: below zero always blocks even under a negative minimum.
	assert.Equal(t, domain.Money(-400), ev.ExpectedProfit)
	assert.Equal(t, []domain.ReasonCode{domain.ReasonNegativeProfit}, ev.Reasons)
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(baseCandidate()))

	c := baseCandidate()
	c.Quantity = 0
	c.SupplierCondition = "LIKE_NEW"
	err := Validate(c)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidCandidate))
	assert.Contains(t, err.Error(), "quantity")
	assert.Contains(t, err.Error(), "LIKE_NEW")
}

func TestApplyStampsEvaluation(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := Apply(baseCandidate(), Evaluate(baseCandidate(), baseConfig()), at)

	require.NotNil(t, c.EvaluatedAt)
	assert.Equal(t, at, *c.EvaluatedAt)
	assert.Equal(t, domain.StatusSkipped, c.Status)
	assert.Equal(t, domain.Money(4800), c.ExpectedProfit)
}

func TestBatchFailsOnlyInvalidCandidates(t *testing.T) {
	good := baseCandidate()
	bad := baseCandidate()
	bad.ID = "cand-2"
	bad.Quantity = -1
	other := baseCandidate()
	other.ID = "cand-3"
	other.SupplierPrice = 5000

	results, err := NewBatch(4).Run(context.Background(), baseConfig(), []domain.Candidate{good, bad, other})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.NoError(t, results[0].Err)
	assert.Equal(t, domain.StatusSkipped, results[0].Candidate.Status)

	assert.ErrorIs(t, results[1].Err, domain.ErrInvalidCandidate)
	assert.Equal(t, domain.StatusPendingEval, results[1].Candidate.Status)

	assert.NoError(t, results[2].Err)
	assert.Equal(t, "cand-3", results[2].Candidate.ID)
	assert.Equal(t, domain.StatusEligible, results[2].Candidate.Status)
}

func TestBatchStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewBatch(2).Run(ctx, baseConfig(), []domain.Candidate{baseCandidate()})
	assert.ErrorIs(t, err, context.Canceled)
}
