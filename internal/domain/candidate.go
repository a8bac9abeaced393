package domain

import "time"

// CandidateStatus is the lifecycle position of a purchase candidate.
type CandidateStatus string

const (
	StatusPendingEval CandidateStatus = "PENDING_EVAL"
	StatusEligible    CandidateStatus = "ELIGIBLE"
	StatusSkipped     CandidateStatus = "SKIPPED_CONDITION"
	StatusQueued      CandidateStatus = "QUEUED_FOR_PURCHASE"
	StatusInProgress  CandidateStatus = "PURCHASE_IN_PROGRESS"
	StatusSucceeded   CandidateStatus = "PURCHASE_SUCCEEDED"
	StatusFailed      CandidateStatus = "PURCHASE_FAILED"
)

// AllStatuses lists every candidate status in lifecycle order.
var AllStatuses = []CandidateStatus{
	StatusPendingEval,
	StatusEligible,
	StatusSkipped,
	StatusQueued,
	StatusInProgress,
	StatusSucceeded,
	StatusFailed,
}

// PrePurchaseStatuses are the statuses whose evaluation may be overwritten.
var PrePurchaseStatuses = []CandidateStatus{
	StatusPendingEval,
	StatusEligible,
	StatusSkipped,
}

// Condition is the item condition of the supplier listing.
type Condition string

const (
	ConditionNew         Condition = "NEW"
	ConditionUsed        Condition = "USED"
	ConditionRefurbished Condition = "REFURBISHED"
	ConditionUnavailable Condition = "UNAVAILABLE"
)

// Valid reports whether c is one of the known conditions.
func (c Condition) Valid() bool {
	switch c {
	case ConditionNew, ConditionUsed, ConditionRefurbished, ConditionUnavailable:
		return true
	}
	return false
}

// ReasonCode explains an evaluation outcome.
type ReasonCode string

const (
	ReasonShopNotEligible      ReasonCode = "SHOP_NOT_ELIGIBLE"
	ReasonSupplierOutOfStock   ReasonCode = "AMAZON_OUT_OF_STOCK"
	ReasonSupplierUsedOnly     ReasonCode = "AMAZON_USED_ONLY"
	ReasonSupplierListingGone  ReasonCode = "AMAZON_LISTING_MISSING"
	ReasonNegativeProfit       ReasonCode = "NEGATIVE_PROFIT"
	ReasonProfitBelowThreshold ReasonCode = "PROFIT_BELOW_THRESHOLD"
	ReasonDeliveryTooSlow      ReasonCode = "DELIVERY_TOO_SLOW"
	ReasonPointsExcluded       ReasonCode = "POINTS_EXCLUDED"
	ReasonDomesticShippingOff  ReasonCode = "DOMESTIC_SHIPPING_NOT_INCLUDED"
)

// Blocking reports whether the reason prevents a purchase. Informational
// reasons only annotate how profit was computed.
func (r ReasonCode) Blocking() bool {
	switch r {
	case ReasonPointsExcluded, ReasonDomesticShippingOff:
		return false
	}
	return true
}

// Candidate is one downstream order line considered for fulfilment from the
// supplier marketplace. Money fields are in minor units.
type Candidate struct {
	ID                 string `json:"id"`
	OrgID              string `json:"org_id"`
	MarketplaceOrderID string `json:"marketplace_order_id"`
	Marketplace        string `json:"marketplace"`
	ShopID             string `json:"shop_id"`

	ProductName          string     `json:"product_name"`
	SKU                  string     `json:"sku"`
	Quantity             int        `json:"quantity"`
	OrderTotal           Money      `json:"order_total"`
	RequiredDeliveryDate *time.Time `json:"required_delivery_date,omitempty"`

	SupplierSKUID       string    `json:"supplier_sku_id"`
	SupplierMarketplace string    `json:"supplier_marketplace"`
	SupplierPrice       Money     `json:"supplier_price"`
	SupplierPoints      Money     `json:"supplier_points"`
	SupplierAvailable   bool      `json:"supplier_available"`
	SupplierCondition   Condition `json:"supplier_condition"`
	EstimatedShipDays   int       `json:"estimated_ship_days"`

	DomesticShippingFee  Money  `json:"domestic_shipping_fee"`
	MarketplaceFees      Money  `json:"marketplace_fees"`
	DestinationAddressID string `json:"destination_address_id"`

	ExpectedProfit Money           `json:"expected_profit"`
	Status         CandidateStatus `json:"status"`
	Reasons        []ReasonCode    `json:"reasons"`
	EvaluatedAt    *time.Time      `json:"evaluated_at,omitempty"`

	QueuedAt            *time.Time `json:"queued_at,omitempty"`
	PurchaseAttemptedAt *time.Time `json:"purchase_attempted_at,omitempty"`
	PurchaseCompletedAt *time.Time `json:"purchase_completed_at,omitempty"`
	SupplierOrderID     string     `json:"supplier_order_id,omitempty"`
	ErrorCode           ErrorCode  `json:"error_code,omitempty"`
	ErrorMessage        string     `json:"error_message,omitempty"`
	FailedStep          Step       `json:"failed_step,omitempty"`
	PurchaseAttempts    int        `json:"purchase_attempts"`
	LastAttemptID       string     `json:"last_attempt_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PrePurchase reports whether the candidate has not yet entered the queue.
func (c Candidate) PrePurchase() bool {
	switch c.Status {
	case StatusPendingEval, StatusEligible, StatusSkipped:
		return true
	}
	return false
}

// Reevaluable reports whether a new evaluation may overwrite the stored one.
// A failed purchase becomes evaluable again when its error says the supplier
// facts changed underneath it.
func (c Candidate) Reevaluable() bool {
	if c.PrePurchase() {
		return true
	}
	return c.Status == StatusFailed && c.ErrorCode.Policy().Reevaluable
}

// SessionKey identifies the supplier session the candidate purchases through.
func (c Candidate) SessionKey() SessionKey {
	return SessionKey{OrgID: c.OrgID, Marketplace: c.SupplierMarketplace}
}

// CandidateFilter narrows candidate listings.
type CandidateFilter struct {
	Statuses []CandidateStatus
	ListOpts
}

// StatusChange is a conditional status transition. The change applies only
// when the stored status equals From; optional fields are written when set.
type StatusChange struct {
	ID   string
	From CandidateStatus
	To   CandidateStatus
	At   time.Time

	SetQueuedAt       bool
	SetAttemptedAt    bool
	SetCompletedAt    bool
	IncrementAttempts bool
	ClearError        bool

	AttemptID       string
	SupplierOrderID string
	ErrorCode       ErrorCode
	ErrorMessage    string
	FailedStep      Step

	// IfAttemptID, when set, applies the change only while the candidate's
	// last attempt id still equals it.
	IfAttemptID string
}

// Summary aggregates an organization's candidates by status.
type Summary struct {
	TotalCandidates     int   `json:"total_candidates"`
	Pending             int   `json:"pending"`
	Eligible            int   `json:"eligible"`
	Skipped             int   `json:"skipped"`
	Queued              int   `json:"queued"`
	InProgress          int   `json:"in_progress"`
	Succeeded           int   `json:"succeeded"`
	Failed              int   `json:"failed"`
	TotalExpectedProfit Money `json:"total_expected_profit"`
	AverageProfit       Money `json:"average_profit"`
}

// ProfitCounted reports whether a candidate in status s contributes to the
// expected profit totals: everything that passed evaluation and has not failed.
func ProfitCounted(s CandidateStatus) bool {
	switch s {
	case StatusEligible, StatusQueued, StatusInProgress, StatusSucceeded:
		return true
	}
	return false
}

// AddCount records n candidates in status s.
func (s *Summary) AddCount(status CandidateStatus, n int) {
	s.TotalCandidates += n
	switch status {
	case StatusPendingEval:
		s.Pending += n
	case StatusEligible:
		s.Eligible += n
	case StatusSkipped:
		s.Skipped += n
	case StatusQueued:
		s.Queued += n
	case StatusInProgress:
		s.InProgress += n
	case StatusSucceeded:
		s.Succeeded += n
	case StatusFailed:
		s.Failed += n
	}
}

// SetProfit records the expected profit total over n profit-counted
// candidates and derives the (truncated) average.
func (s *Summary) SetProfit(total Money, n int) {
	s.TotalExpectedProfit = total
	s.AverageProfit = 0
	if n > 0 {
		s.AverageProfit = total / Money(n)
	}
}

// CopyFacts overwrites the ingestion-owned fields of c with those of src,
// leaving evaluation and purchase tracking untouched.
func (c *Candidate) CopyFacts(src Candidate) {
	c.MarketplaceOrderID = src.MarketplaceOrderID
	c.Marketplace = src.Marketplace
	c.ShopID = src.ShopID
	c.ProductName = src.ProductName
	c.SKU = src.SKU
	c.Quantity = src.Quantity
	c.OrderTotal = src.OrderTotal
	c.RequiredDeliveryDate = src.RequiredDeliveryDate
	c.SupplierSKUID = src.SupplierSKUID
	c.SupplierMarketplace = src.SupplierMarketplace
	c.SupplierPrice = src.SupplierPrice
	c.SupplierPoints = src.SupplierPoints
	c.SupplierAvailable = src.SupplierAvailable
	c.SupplierCondition = src.SupplierCondition
	c.EstimatedShipDays = src.EstimatedShipDays
	c.DomesticShippingFee = src.DomesticShippingFee
	c.MarketplaceFees = src.MarketplaceFees
	c.DestinationAddressID = src.DestinationAddressID
}
