// Package evaluator scores purchase candidates against an organization's
// rule configuration. Evaluation is pure: the same candidate facts and
// configuration always produce the same profit, status and reasons.
package evaluator

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/arbbuyer/internal/domain"
)

// Evaluation is the outcome of scoring one candidate.
type Evaluation struct {
	ExpectedProfit domain.Money
	Status         domain.CandidateStatus
	Reasons        []domain.ReasonCode
}

// Blocked reports whether any reason prevents a purchase.
func (e Evaluation) Blocked() bool {
	for _, r := range e.Reasons {
		if r.Blocking() {
			return true
		}
	}
	return false
}

// Validate rejects candidates whose facts cannot be scored.
func Validate(c domain.Candidate) error {
	var problems []string
	if strings.TrimSpace(c.ID) == "" {
		problems = append(problems, "id is empty")
	}
	if strings.TrimSpace(c.OrgID) == "" {
		problems = append(problems, "org_id is empty")
	}
	if c.Quantity < 1 {
		problems = append(problems, fmt.Sprintf("quantity %d < 1", c.Quantity))
	}
	if c.OrderTotal < 0 {
		problems = append(problems, "order_total is negative")
	}
	if c.SupplierPrice < 0 {
		problems = append(problems, "supplier_price is negative")
	}
	if c.SupplierPoints < 0 {
		problems = append(problems, "supplier_points is negative")
	}
	if c.DomesticShippingFee < 0 {
		problems = append(problems, "domestic_shipping_fee is negative")
	}
	if c.MarketplaceFees < 0 {
		problems = append(problems, "marketplace_fees is negative")
	}
	if c.EstimatedShipDays < 0 {
		problems = append(problems, "estimated_ship_days is negative")
	}
	if !c.SupplierCondition.Valid() {
		problems = append(problems, fmt.Sprintf("unknown supplier_condition %q", c.SupplierCondition))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w %s: %s", domain.ErrInvalidCandidate, c.ID, strings.Join(problems, "; "))
	}
	return nil
}

// Evaluate scores c under cfg. Every applicable reason is collected; the
// candidate is eligible only when none of them is blocking.
func Evaluate(c domain.Candidate, cfg domain.RuleConfig) Evaluation {
	var reasons []domain.ReasonCode

	if !cfg.ShopEligible(c.ShopID) {
		reasons = append(reasons, domain.ReasonShopNotEligible)
	}

	if !c.SupplierAvailable {
		reasons = append(reasons, domain.ReasonSupplierOutOfStock)
	}
	switch c.SupplierCondition {
	case domain.ConditionUsed, domain.ConditionRefurbished:
		reasons = append(reasons, domain.ReasonSupplierUsedOnly)
	case domain.ConditionUnavailable:
		reasons = append(reasons, domain.ReasonSupplierListingGone)
	}

	profit, info := Profit(c, cfg)
	reasons = append(reasons, info...)

	if profit < 0 {
		reasons = append(reasons, domain.ReasonNegativeProfit)
	} else if profit < cfg.MinExpectedProfit {
		reasons = append(reasons, domain.ReasonProfitBelowThreshold)
	}

	if c.EstimatedShipDays > cfg.MaxDeliveryDays {
		reasons = append(reasons, domain.ReasonDeliveryTooSlow)
	}

	ev := Evaluation{ExpectedProfit: profit, Reasons: reasons}
	ev.Status = domain.StatusEligible
	if ev.Blocked() {
		ev.Status = domain.StatusSkipped
	}
	return ev
}

// Profit computes the expected profit of c and returns the informational
// reasons describing which optional terms were left out.
func Profit(c domain.Candidate, cfg domain.RuleConfig) (domain.Money, []domain.ReasonCode) {
	var info []domain.ReasonCode

	profit := c.OrderTotal - c.SupplierPrice.Times(c.Quantity) - c.MarketplaceFees

	if cfg.IncludeSupplierPoints {
		profit += c.SupplierPoints.Times(c.Quantity)
	} else if c.SupplierPoints > 0 {
		info = append(info, domain.ReasonPointsExcluded)
	}

	if cfg.IncludeDomesticShippingFee {
		profit -= c.DomesticShippingFee
	} else if c.DomesticShippingFee > 0 {
		info = append(info, domain.ReasonDomesticShippingOff)
	}

	return profit, info
}

// Apply writes ev onto c, stamping the evaluation time.
func Apply(c domain.Candidate, ev Evaluation, at time.Time) domain.Candidate {
	c.ExpectedProfit = ev.ExpectedProfit
	c.Status = ev.Status
	c.Reasons = append([]domain.ReasonCode(nil), ev.Reasons...)
	t := at.UTC()
	c.EvaluatedAt = &t
	return c
}
