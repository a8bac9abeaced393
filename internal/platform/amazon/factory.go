package amazon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/alanyoungcy/arbbuyer/internal/domain"
	"github.com/alanyoungcy/arbbuyer/internal/platform/cdp"
	"github.com/alanyoungcy/arbbuyer/internal/purchase"
	"github.com/alanyoungcy/arbbuyer/internal/session"
)

// DefaultStorefronts maps supplier marketplace names to storefront URLs.
var DefaultStorefronts = map[string]string{
	"amazon.co.jp": "https://www.amazon.co.jp",
	"amazon.com":   "https://www.amazon.com",
}

// Factory opens one browser tab per attempt on a shared DevTools connection.
type Factory struct {
	devtoolsURL string
	storefronts map[string]string

	mu   sync.Mutex
	conn *cdp.Conn
}

// NewFactory creates a Factory for the browser at devtoolsURL, either the
// HTTP endpoint ("http://127.0.0.1:9222") or a browser websocket URL.
func NewFactory(devtoolsURL string, storefronts map[string]string) *Factory {
	if len(storefronts) == 0 {
		storefronts = DefaultStorefronts
	}
	return &Factory{devtoolsURL: devtoolsURL, storefronts: storefronts}
}

// NewDriver implements purchase.DriverFactory.
func (f *Factory) NewDriver(ctx context.Context, marketplace string) (purchase.Driver, error) {
	base, ok := f.storefronts[marketplace]
	if !ok {
		return nil, fmt.Errorf("amazon: unsupported marketplace %q", marketplace)
	}

	page, err := f.newPage(ctx)
	if errors.Is(err, cdp.ErrClosed) {
		f.reset()
		page, err = f.newPage(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("amazon: open tab: %w", err)
	}
	return NewDriver(page, base), nil
}

func (f *Factory) newPage(ctx context.Context) (*cdp.Page, error) {
	conn, err := f.connect(ctx)
	if err != nil {
		return nil, err
	}
	return conn.NewPage(ctx)
}

func (f *Factory) connect(ctx context.Context) (*cdp.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		return f.conn, nil
	}

	wsURL := f.devtoolsURL
	if strings.HasPrefix(wsURL, "http") {
		var err error
		if wsURL, err = cdp.Discover(ctx, wsURL); err != nil {
			return nil, err
		}
	}
	conn, err := cdp.Dial(ctx, wsURL)
	if err != nil {
		return nil, err
	}
	f.conn = conn
	return conn, nil
}

func (f *Factory) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		_ = f.conn.Close()
		f.conn = nil
	}
}

// Close closes the browser connection.
func (f *Factory) Close() error {
	f.reset()
	return nil
}

// Validator checks a session by loading the account page with it.
type Validator struct {
	drivers purchase.DriverFactory
}

// NewValidator creates a Validator opening drivers from drivers.
func NewValidator(drivers purchase.DriverFactory) *Validator {
	return &Validator{drivers: drivers}
}

// Validate implements session.Validator. Only a page that positively
// rejects the session counts as invalid.
func (v *Validator) Validate(ctx context.Context, key domain.SessionKey, m domain.SessionMaterial) error {
	drv, err := v.drivers.NewDriver(ctx, key.Marketplace)
	if err != nil {
		return fmt.Errorf("%v: %w", err, session.ErrValidationUnavailable)
	}
	defer drv.Close()

	err = drv.Login(ctx, m)
	var pe *domain.PurchaseError
	if err != nil && !errors.As(err, &pe) {
		return fmt.Errorf("%v: %w", err, session.ErrValidationUnavailable)
	}
	return err
}

var (
	_ purchase.DriverFactory = (*Factory)(nil)
	_ session.Validator      = (*Validator)(nil)
)
