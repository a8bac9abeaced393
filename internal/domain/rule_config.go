package domain

import (
	"slices"
	"time"
)

// RuleConfig is an organization's purchase policy. It is owned by the
// configuration collaborator and read-only to the pipeline.
type RuleConfig struct {
	OrgID                      string    `json:"org_id"`
	Enabled                    bool      `json:"enabled"`
	IncludeSupplierPoints      bool      `json:"include_supplier_points"`
	IncludeDomesticShippingFee bool      `json:"include_domestic_shipping_fee"`
	MaxDeliveryDays            int       `json:"max_delivery_days"`
	MinExpectedProfit          Money     `json:"min_expected_profit"`
	EligibleShopIDs            []string  `json:"eligible_shop_ids"`
	UpdatedAt                  time.Time `json:"updated_at"`
}

// ShopEligible reports whether purchases for shopID are allowed.
func (r RuleConfig) ShopEligible(shopID string) bool {
	return slices.Contains(r.EligibleShopIDs, shopID)
}
