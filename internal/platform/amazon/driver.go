// Package amazon drives the supplier's storefront through a browser page.
package amazon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/arbbuyer/internal/domain"
	"github.com/alanyoungcy/arbbuyer/internal/purchase"
)

// Page is the slice of browser control the driver needs. *cdp.Page
// satisfies it.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Evaluate(ctx context.Context, expr string, out any) error
	WaitFor(ctx context.Context, expr string, every time.Duration) error
	SetCookies(ctx context.Context, cookies []domain.Cookie) error
	SetUserAgent(ctx context.Context, ua string) error
	Screenshot(ctx context.Context) ([]byte, error)
	Close(ctx context.Context) error
}

const pollEvery = 250 * time.Millisecond

var orderIDPattern = regexp.MustCompile(orderIDRegexp)

// Driver implements purchase.Driver for one Amazon storefront.
type Driver struct {
	page    Page
	baseURL string
}

// NewDriver wraps page for the storefront at baseURL, e.g.
// "https://www.amazon.co.jp".
func NewDriver(page Page, baseURL string) *Driver {
	return &Driver{page: page, baseURL: strings.TrimRight(baseURL, "/")}
}

// js quotes s as a JavaScript string literal.
func js(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func exists(sel string) string {
	return fmt.Sprintf(`document.querySelector(%s) !== null`, js(sel))
}

func text(sel string) string {
	return fmt.Sprintf(`(document.querySelector(%s)?.innerText ?? "").trim()`, js(sel))
}

func click(sel string) string {
	return fmt.Sprintf(`(() => { const el = document.querySelector(%s); if (!el) return false; el.click(); return true; })()`, js(sel))
}

func (d *Driver) evalBool(ctx context.Context, expr string) (bool, error) {
	var v bool
	err := d.page.Evaluate(ctx, expr, &v)
	return v, err
}

func (d *Driver) evalString(ctx context.Context, expr string) (string, error) {
	var v string
	err := d.page.Evaluate(ctx, expr, &v)
	return v, err
}

func domChanged(what string) error {
	return domain.NewPurchaseError(domain.ErrCodeDOMChanged, what+" not found on page")
}

// Login installs the session material and checks the account page shows a
// signed-in customer.
func (d *Driver) Login(ctx context.Context, m domain.SessionMaterial) error {
	if m.UserAgent != "" {
		if err := d.page.SetUserAgent(ctx, m.UserAgent); err != nil {
			return err
		}
	}
	if err := d.page.SetCookies(ctx, m.Cookies); err != nil {
		return err
	}
	if err := d.page.Navigate(ctx, d.baseURL+pathAccount); err != nil {
		return err
	}

	code, err := d.DetectChallenge(ctx)
	if err != nil {
		return err
	}
	if code != "" {
		return domain.NewPurchaseError(code, "account page demands "+strings.ToLower(string(code)))
	}
	signedIn, err := d.evalBool(ctx, exists(selAccountName))
	if err != nil {
		return err
	}
	if !signedIn {
		return domain.NewPurchaseError(domain.ErrCodeLoginRequired, "account page shows no signed-in customer")
	}
	return nil
}

// OpenProduct loads the detail page for the supplier SKU (ASIN).
func (d *Driver) OpenProduct(ctx context.Context, skuID string) error {
	if err := d.page.Navigate(ctx, d.baseURL+pathProduct+skuID); err != nil {
		return err
	}
	gone, err := d.evalBool(ctx, exists(selNotFound))
	if err != nil {
		return err
	}
	if gone {
		return domain.NewPurchaseError(domain.ErrCodeOutOfStock, "listing "+skuID+" no longer exists")
	}
	ok, err := d.evalBool(ctx, exists(selProductTitle))
	if err != nil {
		return err
	}
	if !ok {
		return domainOrChallenge(ctx, d, "product title")
	}
	return nil
}

// domainOrChallenge reports a missing element as DOM_CHANGED unless a
// challenge page explains it.
func domainOrChallenge(ctx context.Context, d *Driver, what string) error {
	code, err := d.DetectChallenge(ctx)
	if err == nil && code != "" {
		return domain.NewPurchaseError(code, what+" hidden behind "+strings.ToLower(string(code)))
	}
	return domChanged(what)
}

// ReadAvailability reads the buy box.
func (d *Driver) ReadAvailability(ctx context.Context) (purchase.Availability, error) {
	var av struct {
		HasButton bool   `json:"hasButton"`
		UsedOnly  bool   `json:"usedOnly"`
		Text      string `json:"text"`
	}
	expr := fmt.Sprintf(`({hasButton: %s, usedOnly: %s, text: %s})`,
		exists(selAddToCart), exists(selUsedOnlyBox), text(selAvailability))
	if err := d.page.Evaluate(ctx, expr, &av); err != nil {
		return purchase.Availability{}, err
	}

	out := purchase.Availability{InStock: av.HasButton, Condition: domain.ConditionNew}
	if av.UsedOnly {
		out.Condition = domain.ConditionUsed
	}
	if outOfStockText(av.Text) {
		out.InStock = false
	}
	return out, nil
}

func outOfStockText(s string) bool {
	s = strings.ToLower(s)
	for _, marker := range []string{"在庫切れ", "現在お取り扱いできません", "currently unavailable", "out of stock"} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

// AddToCart sets the quantity and waits for the cart confirmation.
func (d *Driver) AddToCart(ctx context.Context, quantity int) error {
	if quantity > 1 {
		setQty := fmt.Sprintf(`(() => { const s = document.querySelector(%s); if (!s) return false; s.value = %s; s.dispatchEvent(new Event("change", {bubbles: true})); return true; })()`,
			js(selQuantity), js(strconv.Itoa(quantity)))
		ok, err := d.evalBool(ctx, setQty)
		if err != nil {
			return err
		}
		if !ok {
			return domain.NewPurchaseError(domain.ErrCodeCartFailed, "quantity selector missing")
		}
	}

	ok, err := d.evalBool(ctx, click(selAddToCart))
	if err != nil {
		return err
	}
	if !ok {
		return domChanged("add-to-cart button")
	}
	if err := d.page.WaitFor(ctx, exists(selCartConfirmed), pollEvery); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return &domain.PurchaseError{Code: domain.ErrCodeCartFailed, Message: "cart confirmation did not appear", Err: err}
	}
	return nil
}

// SetAddress opens checkout and selects the delivery address.
func (d *Driver) SetAddress(ctx context.Context, addressID string) error {
	if err := d.page.Navigate(ctx, d.baseURL+pathCheckout); err != nil {
		return err
	}
	sel := fmt.Sprintf(`%s[value*=%s]`, selAddressRadio, js(addressID))
	ok, err := d.evalBool(ctx, click(sel))
	if err != nil {
		return err
	}
	if !ok {
		found, err := d.evalBool(ctx, exists(selAddressRadio))
		if err != nil {
			return err
		}
		if !found {
			return domainOrChallenge(ctx, d, "address list")
		}
		return domain.NewPurchaseError(domain.ErrCodeAddressInvalid, "address "+addressID+" not on account")
	}
	return nil
}

// SelectShipping keeps the selected shipping speed or picks the first one.
func (d *Driver) SelectShipping(ctx context.Context) error {
	expr := fmt.Sprintf(`(() => { const opts = [...document.querySelectorAll(%s)]; if (opts.length === 0) return "none"; if (opts.some(o => o.checked)) return "kept"; opts[0].click(); return "picked"; })()`,
		js(selShippingRadio))
	res, err := d.evalString(ctx, expr)
	if err != nil {
		return err
	}
	if res == "none" {
		return domChanged("shipping options")
	}
	return nil
}

// ReadPrice reads the unit price of the single checkout line item.
func (d *Driver) ReadPrice(ctx context.Context) (domain.Money, error) {
	raw, err := d.evalString(ctx, text(selItemPrice))
	if err != nil {
		return 0, err
	}
	price, err := parseYen(raw)
	if err != nil {
		return 0, &domain.PurchaseError{Code: domain.ErrCodeDOMChanged, Message: "unreadable item price", Err: err}
	}
	return price, nil
}

// PlaceOrder clicks the order button and reads the thank-you page.
func (d *Driver) PlaceOrder(ctx context.Context) (purchase.Confirmation, error) {
	ok, err := d.evalBool(ctx, click(selPlaceOrder))
	if err != nil {
		return purchase.Confirmation{}, err
	}
	if !ok {
		return purchase.Confirmation{}, domChanged("place-order button")
	}

	done := fmt.Sprintf(`location.pathname.startsWith(%s) || %s`, js(pathThankYou), exists(selPaymentProblem))
	if err := d.page.WaitFor(ctx, done, pollEvery); err != nil {
		return purchase.Confirmation{}, err
	}

	paymentIssue, err := d.evalBool(ctx, exists(selPaymentProblem))
	if err != nil {
		return purchase.Confirmation{}, err
	}
	if paymentIssue {
		msg, _ := d.evalString(ctx, text(selPaymentProblem))
		return purchase.Confirmation{}, domain.NewPurchaseError(domain.ErrCodePaymentFailed, msg)
	}

	var page struct {
		Body   string `json:"body"`
		Total  string `json:"total"`
		Points string `json:"points"`
	}
	expr := fmt.Sprintf(`({body: document.body.innerText, total: %s, points: %s})`, text(selOrderTotal), text(selPointsEarned))
	if err := d.page.Evaluate(ctx, expr, &page); err != nil {
		return purchase.Confirmation{}, err
	}

	conf := purchase.Confirmation{
		OrderID:  orderIDPattern.FindString(page.Body),
		PlacedAt: time.Now().UTC(),
	}
	conf.TotalPaid, _ = parseYen(page.Total)
	conf.PointsEarned, _ = parseYen(page.Points)
	return conf, nil
}

// DetectChallenge looks for CAPTCHA, second-factor and sign-in pages.
func (d *Driver) DetectChallenge(ctx context.Context) (domain.ErrorCode, error) {
	expr := fmt.Sprintf(`%s ? "CAPTCHA" : %s ? "TWO_FACTOR_REQUIRED" : %s ? "LOGIN_REQUIRED" : ""`,
		exists(selCaptchaForm), exists(selOTPInput), exists(selSignInForm))
	raw, err := d.evalString(ctx, expr)
	if err != nil || raw == "" {
		return "", err
	}
	return domain.ParseErrorCode(raw)
}

func (d *Driver) Screenshot(ctx context.Context) ([]byte, error) {
	return d.page.Screenshot(ctx)
}

// Close closes the tab.
func (d *Driver) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return d.page.Close(ctx)
}

// parseYen extracts an integer yen amount from text like "￥10,980" or
// "10,980円" or "300ポイント".
func parseYen(s string) (domain.Money, error) {
	var digits strings.Builder
scan:
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r >= '０' && r <= '９':
			digits.WriteRune('0' + (r - '０'))
		case r == '.':
			// Decimal fractions do not occur in yen prices.
			break scan
		}
	}
	if digits.Len() == 0 {
		return 0, fmt.Errorf("amazon: no amount in %q", s)
	}
	n, err := strconv.ParseInt(digits.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("amazon: parse amount %q: %w", s, err)
	}
	return domain.Money(n), nil
}

var _ purchase.Driver = (*Driver)(nil)
