package cdp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/arbbuyer/internal/domain"
)

// Page is one browser tab in its own browser context, so cookies set on it
// are invisible to every other Page.
type Page struct {
	conn      *Conn
	contextID string
	targetID  string
	sessionID string
}

// NewPage creates an isolated browser context, opens a blank tab in it and
// attaches to the tab.
func (c *Conn) NewPage(ctx context.Context) (*Page, error) {
	var bc struct {
		BrowserContextID string `json:"browserContextId"`
	}
	if err := c.Call(ctx, "", "Target.createBrowserContext", map[string]any{}, &bc); err != nil {
		return nil, err
	}
	p := &Page{conn: c, contextID: bc.BrowserContextID}

	var created struct {
		TargetID string `json:"targetId"`
	}
	err := c.Call(ctx, "", "Target.createTarget", map[string]any{
		"url":              "about:blank",
		"browserContextId": p.contextID,
	}, &created)
	if err != nil {
		_ = p.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	p.targetID = created.TargetID

	var attached struct {
		SessionID string `json:"sessionId"`
	}
	err = c.Call(ctx, "", "Target.attachToTarget", map[string]any{
		"targetId": p.targetID,
		"flatten":  true,
	}, &attached)
	if err != nil {
		_ = p.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	p.sessionID = attached.SessionID

	for _, domainName := range []string{"Page.enable", "Runtime.enable", "Network.enable"} {
		if err := p.call(ctx, domainName, nil, nil); err != nil {
			_ = p.Close(context.WithoutCancel(ctx))
			return nil, err
		}
	}
	return p, nil
}

func (p *Page) call(ctx context.Context, method string, params, out any) error {
	return p.conn.Call(ctx, p.sessionID, method, params, out)
}

// Navigate loads url and waits until the document finished loading.
func (p *Page) Navigate(ctx context.Context, url string) error {
	var res struct {
		ErrorText string `json:"errorText"`
	}
	if err := p.call(ctx, "Page.navigate", map[string]any{"url": url}, &res); err != nil {
		return err
	}
	if res.ErrorText != "" {
		return fmt.Errorf("cdp: navigate %s: %s", url, res.ErrorText)
	}
	return p.WaitFor(ctx, `document.readyState === "complete"`, 200*time.Millisecond)
}

// Evaluate runs a JavaScript expression in the page and decodes its value
// into out.
func (p *Page) Evaluate(ctx context.Context, expr string, out any) error {
	var res struct {
		Result struct {
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text string `json:"text"`
		} `json:"exceptionDetails"`
	}
	err := p.call(ctx, "Runtime.evaluate", map[string]any{
		"expression":    expr,
		"returnByValue": true,
		"awaitPromise":  true,
	}, &res)
	if err != nil {
		return err
	}
	if res.ExceptionDetails != nil {
		return fmt.Errorf("cdp: evaluate: %s", res.ExceptionDetails.Text)
	}
	if out == nil || len(res.Result.Value) == 0 {
		return nil
	}
	return json.Unmarshal(res.Result.Value, out)
}

// WaitFor polls a boolean expression until it holds or ctx ends.
func (p *Page) WaitFor(ctx context.Context, expr string, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		// Evaluation fails while a navigation swaps the execution context;
		// keep polling through that.
		var ok bool
		err := p.Evaluate(ctx, expr, &ok)
		if errors.Is(err, ErrClosed) {
			return err
		}
		if err == nil && ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SetCookies installs session cookies in the browser.
func (p *Page) SetCookies(ctx context.Context, cookies []domain.Cookie) error {
	if len(cookies) == 0 {
		return nil
	}
	return p.call(ctx, "Network.setCookies", map[string]any{"cookies": cookies}, nil)
}

// SetUserAgent overrides the tab's user agent.
func (p *Page) SetUserAgent(ctx context.Context, ua string) error {
	return p.call(ctx, "Network.setUserAgentOverride", map[string]any{"userAgent": ua}, nil)
}

// Screenshot captures the viewport as PNG.
func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	var res struct {
		Data string `json:"data"`
	}
	if err := p.call(ctx, "Page.captureScreenshot", map[string]any{"format": "png"}, &res); err != nil {
		return nil, err
	}
	png, err := base64.StdEncoding.DecodeString(res.Data)
	if err != nil {
		return nil, fmt.Errorf("cdp: decode screenshot: %w", err)
	}
	return png, nil
}

// Close closes the tab and disposes its browser context along with the
// cookies it held.
func (p *Page) Close(ctx context.Context) error {
	var errs []error
	if p.targetID != "" {
		if err := p.conn.Call(ctx, "", "Target.closeTarget", map[string]any{"targetId": p.targetID}, nil); err != nil {
			errs = append(errs, err)
		}
	}
	if p.contextID != "" {
		err := p.conn.Call(ctx, "", "Target.disposeBrowserContext", map[string]any{"browserContextId": p.contextID}, nil)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
