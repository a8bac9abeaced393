// Package purchase runs one purchase attempt against the supplier through
// a page Driver, producing a classified outcome and a step audit trail.
package purchase

import (
	"context"
	"time"

	"github.com/alanyoungcy/arbbuyer/internal/domain"
)

// Availability is what the product page says about the offer.
type Availability struct {
	InStock   bool
	Condition domain.Condition
}

// Confirmation is what the order confirmation page says.
type Confirmation struct {
	OrderID      string
	PlacedAt     time.Time
	TotalPaid    domain.Money
	PointsEarned domain.Money
}

// Driver holds all knowledge of the supplier's pages. Methods return a
// *domain.PurchaseError when they can name the failure precisely; any other
// error is classified by the orchestrator.
type Driver interface {
	Login(ctx context.Context, m domain.SessionMaterial) error
	OpenProduct(ctx context.Context, skuID string) error
	ReadAvailability(ctx context.Context) (Availability, error)
	AddToCart(ctx context.Context, quantity int) error
	SetAddress(ctx context.Context, addressID string) error
	SelectShipping(ctx context.Context) error
	// ReadPrice returns the current unit price on the checkout page.
	ReadPrice(ctx context.Context) (domain.Money, error)
	PlaceOrder(ctx context.Context) (Confirmation, error)
	// DetectChallenge names a known blocking page state (CAPTCHA, 2FA
	// prompt, sign-in form) or returns "" when none is visible.
	DetectChallenge(ctx context.Context) (domain.ErrorCode, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

// DriverFactory opens a fresh Driver per attempt.
type DriverFactory interface {
	NewDriver(ctx context.Context, marketplace string) (Driver, error)
}
