package domain

import (
	"fmt"
	"time"
)

// ErrorCode is the closed set of purchase failure classes.
type ErrorCode string

const (
	ErrCodeLoginRequired     ErrorCode = "LOGIN_REQUIRED"
	ErrCodeTwoFactorRequired ErrorCode = "TWO_FACTOR_REQUIRED"
	ErrCodeCartFailed        ErrorCode = "CART_FAILED"
	ErrCodeCheckoutFailed    ErrorCode = "CHECKOUT_FAILED"
	ErrCodeDOMChanged        ErrorCode = "DOM_CHANGED"
	ErrCodeCaptcha           ErrorCode = "CAPTCHA"
	ErrCodeOutOfStock        ErrorCode = "OUT_OF_STOCK"
	ErrCodePriceChanged      ErrorCode = "PRICE_CHANGED"
	ErrCodeAddressInvalid    ErrorCode = "ADDRESS_INVALID"
	ErrCodePaymentFailed     ErrorCode = "PAYMENT_FAILED"
	ErrCodeTimeout           ErrorCode = "TIMEOUT"
	ErrCodeUnknown           ErrorCode = "UNKNOWN"
	ErrCodeCancelled         ErrorCode = "CANCELLED"
)

// AllErrorCodes lists every error code.
var AllErrorCodes = []ErrorCode{
	ErrCodeLoginRequired,
	ErrCodeTwoFactorRequired,
	ErrCodeCartFailed,
	ErrCodeCheckoutFailed,
	ErrCodeDOMChanged,
	ErrCodeCaptcha,
	ErrCodeOutOfStock,
	ErrCodePriceChanged,
	ErrCodeAddressInvalid,
	ErrCodePaymentFailed,
	ErrCodeTimeout,
	ErrCodeUnknown,
	ErrCodeCancelled,
}

// ErrorPolicy is the fixed recovery behaviour attached to an error code.
type ErrorPolicy struct {
	// RequiresHuman means an operator must intervene before anything retries.
	RequiresHuman bool
	// MarksReauth flags the supplier session as needing re-authentication.
	MarksReauth bool
	// Reevaluable returns the candidate to evaluation instead of the queue.
	Reevaluable bool
	// Systemic failures point at the integration, not the candidate.
	Systemic bool
	// OperatorRequeue allows an explicit PURCHASE_FAILED -> QUEUED move.
	OperatorRequeue bool
	// AutoRetryable allows the scheduler to requeue when configured to.
	AutoRetryable bool
}

var errorPolicies = map[ErrorCode]ErrorPolicy{
	ErrCodeLoginRequired:     {MarksReauth: true, OperatorRequeue: true},
	ErrCodeTwoFactorRequired: {RequiresHuman: true, MarksReauth: true, OperatorRequeue: true},
	ErrCodeCaptcha:           {RequiresHuman: true, MarksReauth: true, OperatorRequeue: true},
	ErrCodeCartFailed:        {OperatorRequeue: true, AutoRetryable: true},
	ErrCodeCheckoutFailed:    {OperatorRequeue: true},
	ErrCodeDOMChanged:        {Systemic: true, OperatorRequeue: true},
	ErrCodeOutOfStock:        {Reevaluable: true},
	ErrCodePriceChanged:      {Reevaluable: true},
	ErrCodeAddressInvalid:    {RequiresHuman: true, OperatorRequeue: true},
	ErrCodePaymentFailed:     {RequiresHuman: true, OperatorRequeue: true},
	ErrCodeTimeout:           {OperatorRequeue: true, AutoRetryable: true},
	ErrCodeUnknown:           {OperatorRequeue: true, AutoRetryable: true},
	ErrCodeCancelled:         {OperatorRequeue: true},
}

// Policy returns the recovery policy for the code. Unknown codes get the
// UNKNOWN policy.
func (c ErrorCode) Policy() ErrorPolicy {
	if p, ok := errorPolicies[c]; ok {
		return p
	}
	return errorPolicies[ErrCodeUnknown]
}

// Valid reports whether c is a member of the closed set.
func (c ErrorCode) Valid() bool {
	_, ok := errorPolicies[c]
	return ok
}

// ParseErrorCode converts s to an ErrorCode.
func ParseErrorCode(s string) (ErrorCode, error) {
	c := ErrorCode(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown error code %q", s)
	}
	return c, nil
}

// PurchaseError is a classified purchase failure carried as an error value.
type PurchaseError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// NewPurchaseError creates a PurchaseError with the given code and message.
func NewPurchaseError(code ErrorCode, msg string) *PurchaseError {
	return &PurchaseError{Code: code, Message: msg}
}

func (e *PurchaseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PurchaseError) Unwrap() error { return e.Err }

// Step names one stage of a purchase attempt.
type Step string

const (
	StepInit               Step = "INIT"
	StepLogin              Step = "LOGIN"
	StepNavigateProduct    Step = "NAVIGATE_PRODUCT"
	StepVerifyAvailability Step = "VERIFY_AVAILABILITY"
	StepAddToCart          Step = "ADD_TO_CART"
	StepSetAddress         Step = "SET_ADDRESS"
	StepSelectShipping     Step = "SELECT_SHIPPING"
	StepConfirm            Step = "CONFIRM"
	StepComplete           Step = "COMPLETE"
	StepError              Step = "ERROR"
)

// PurchaseSteps is the fixed order of working steps in an attempt.
var PurchaseSteps = []Step{
	StepInit,
	StepLogin,
	StepNavigateProduct,
	StepVerifyAvailability,
	StepAddToCart,
	StepSetAddress,
	StepSelectShipping,
	StepConfirm,
}

// Terminal reports whether s closes an attempt's audit trail.
func (s Step) Terminal() bool {
	return s == StepComplete || s == StepError
}

// PurchaseRequest is what the orchestrator needs to buy one candidate.
type PurchaseRequest struct {
	AttemptID            string
	OrgID                string
	CandidateID          string
	SupplierMarketplace  string
	SupplierSKUID        string
	Quantity             int
	DestinationAddressID string
	ExpectedUnitPrice    Money
	// MaxPriceThreshold is the tolerated unit price rise over
	// ExpectedUnitPrice. Nil tolerates no rise at all.
	MaxPriceThreshold *Money
}

// NewPurchaseRequest builds a request from a claimed candidate.
func NewPurchaseRequest(c Candidate, attemptID string, maxRise *Money) PurchaseRequest {
	return PurchaseRequest{
		AttemptID:            attemptID,
		OrgID:                c.OrgID,
		CandidateID:          c.ID,
		SupplierMarketplace:  c.SupplierMarketplace,
		SupplierSKUID:        c.SupplierSKUID,
		Quantity:             c.Quantity,
		DestinationAddressID: c.DestinationAddressID,
		ExpectedUnitPrice:    c.SupplierPrice,
		MaxPriceThreshold:    maxRise,
	}
}

// PurchaseOutcome is the terminal result of one attempt. Exactly one of the
// success fields or the error fields is populated.
type PurchaseOutcome struct {
	AttemptID    string    `json:"attempt_id"`
	CandidateID  string    `json:"candidate_id"`
	OK           bool      `json:"ok"`
	OrderID      string    `json:"order_id,omitempty"`
	PlacedAt     time.Time `json:"placed_at,omitempty"`
	TotalPaid    Money     `json:"total_paid,omitempty"`
	PointsEarned Money     `json:"points_earned,omitempty"`

	ErrorCode     ErrorCode `json:"error_code,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	FailedStep    Step      `json:"failed_step,omitempty"`
	ScreenshotKey string    `json:"screenshot_key,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Duration is the wall time of the attempt.
func (o PurchaseOutcome) Duration() time.Duration {
	return o.FinishedAt.Sub(o.StartedAt)
}
