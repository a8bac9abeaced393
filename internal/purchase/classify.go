package purchase

import (
	"context"
	"errors"
	"fmt"

	"github.com/alanyoungcy/arbbuyer/internal/domain"
)

var errNoOrderID = errors.New("confirmation page carried no order id")

// stepDefaults is the code used when a step fails with an error the driver
// did not classify.
var stepDefaults = map[domain.Step]domain.ErrorCode{
	domain.StepLogin:     domain.ErrCodeLoginRequired,
	domain.StepAddToCart: domain.ErrCodeCartFailed,
	domain.StepConfirm:   domain.ErrCodeCheckoutFailed,
}

// classify maps a step error onto the closed taxonomy. The second result
// reports whether the code is a fallback that a visible challenge on the
// page may override.
func classify(step domain.Step, err error) (*domain.PurchaseError, bool) {
	var pe *domain.PurchaseError
	switch {
	case errors.As(err, &pe):
		return pe, false
	case errors.Is(err, context.DeadlineExceeded):
		return &domain.PurchaseError{
			Code:    domain.ErrCodeTimeout,
			Message: fmt.Sprintf("%s timed out", step),
			Err:     err,
		}, false
	case errors.Is(err, errNoOrderID):
		return &domain.PurchaseError{Code: domain.ErrCodeUnknown, Message: err.Error(), Err: err}, true
	case errors.Is(err, context.Canceled):
		return &domain.PurchaseError{
			Code:    domain.ErrCodeCancelled,
			Message: fmt.Sprintf("cancelled during %s", step),
			Err:     err,
		}, false
	}

	code, ok := stepDefaults[step]
	if !ok {
		code = domain.ErrCodeUnknown
	}
	return &domain.PurchaseError{Code: code, Message: err.Error(), Err: err}, true
}

// priceRiseExceeded reports whether the on-page unit price rose more than
// maxRise above expected. A nil maxRise tolerates no rise.
func priceRiseExceeded(expected, current domain.Money, maxRise *domain.Money) bool {
	rise := current - expected
	if rise <= 0 {
		return false
	}
	if maxRise == nil {
		return true
	}
	return rise > *maxRise
}
