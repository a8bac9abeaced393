package purchase

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/alanyoungcy/arbbuyer/internal/domain"
	"github.com/alanyoungcy/arbbuyer/internal/session"
)

// Config controls step timing and evidence storage.
type Config struct {
	StepTimeout      time.Duration
	FlushTimeout     time.Duration
	ScreenshotPrefix string
}

// Orchestrator executes purchase attempts. It never retries a step and never
// returns an error: every failure becomes a classified PurchaseOutcome.
type Orchestrator struct {
	drivers DriverFactory
	audit   domain.PurchaseAuditStore
	blobs   domain.BlobWriter
	cfg     Config
	tracer  trace.Tracer
	logger  *slog.Logger
	now     func() time.Time
}

// NewOrchestrator creates an Orchestrator. blobs may be nil, in which case
// screenshots are not kept.
func NewOrchestrator(drivers DriverFactory, audit domain.PurchaseAuditStore, blobs domain.BlobWriter, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 30 * time.Second
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 10 * time.Second
	}
	if cfg.ScreenshotPrefix == "" {
		cfg.ScreenshotPrefix = "screenshots"
	}
	return &Orchestrator{
		drivers: drivers,
		audit:   audit,
		blobs:   blobs,
		cfg:     cfg,
		tracer:  tracenoop.NewTracerProvider().Tracer("purchase"),
		logger:  logger.With(slog.String("component", "purchase")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithTracer records a span per attempt and per step.
func (o *Orchestrator) WithTracer(t trace.Tracer) *Orchestrator {
	if t != nil {
		o.tracer = t
	}
	return o
}

// attempt is the state of one running Purchase call.
type attempt struct {
	o    *Orchestrator
	req  domain.PurchaseRequest
	rec  *recorder
	drv  Driver
	out  domain.PurchaseOutcome
	conf Confirmation
}

// Purchase buys req.Quantity units of req.SupplierSKUID using the leased
// session. Cancelling ctx stops the attempt before the next step begins;
// a step already running finishes or times out on its own.
func (o *Orchestrator) Purchase(ctx context.Context, req domain.PurchaseRequest, lease *session.Lease) (out domain.PurchaseOutcome) {
	ctx, span := o.tracer.Start(ctx, "purchase.attempt", trace.WithAttributes(
		attribute.String("arbbuyer.org_id", req.OrgID),
		attribute.String("arbbuyer.candidate_id", req.CandidateID),
		attribute.String("arbbuyer.attempt_id", req.AttemptID),
		attribute.String("arbbuyer.marketplace", req.SupplierMarketplace),
	))
	a := &attempt{
		o:   o,
		req: req,
		rec: newRecorder(req, o.now),
		out: domain.PurchaseOutcome{
			AttemptID:   req.AttemptID,
			CandidateID: req.CandidateID,
			StartedAt:   o.now(),
		},
	}

	defer func() {
		if r := recover(); r != nil {
			a.fail(ctx, a.current(), &domain.PurchaseError{
				Code:    domain.ErrCodeUnknown,
				Message: fmt.Sprintf("panic: %v", r),
			}, false)
		}
		if a.drv != nil {
			if err := a.drv.Close(); err != nil {
				o.logger.Warn("driver close failed",
					slog.String("attempt_id", req.AttemptID),
					slog.String("error", err.Error()),
				)
			}
		}
		a.out.FinishedAt = o.now()
		o.flush(ctx, a.rec)
		out = a.out
		if !out.OK {
			span.SetAttributes(attribute.String("arbbuyer.failed_step", string(out.FailedStep)))
			span.SetStatus(codes.Error, string(out.ErrorCode))
		}
		span.End()
	}()

	steps := []struct {
		step domain.Step
		run  func(context.Context) error
	}{
		{domain.StepInit, a.init},
		{domain.StepLogin, func(ctx context.Context) error { return a.drv.Login(ctx, lease.Material) }},
		{domain.StepNavigateProduct, func(ctx context.Context) error { return a.drv.OpenProduct(ctx, req.SupplierSKUID) }},
		{domain.StepVerifyAvailability, a.verifyAvailability},
		{domain.StepAddToCart, func(ctx context.Context) error { return a.drv.AddToCart(ctx, req.Quantity) }},
		{domain.StepSetAddress, func(ctx context.Context) error { return a.drv.SetAddress(ctx, req.DestinationAddressID) }},
		{domain.StepSelectShipping, func(ctx context.Context) error { return a.drv.SelectShipping(ctx) }},
		{domain.StepConfirm, a.confirm},
	}

	for _, s := range steps {
		a.rec.started(s.step)
		if err := ctx.Err(); err != nil {
			a.fail(ctx, s.step, &domain.PurchaseError{
				Code:    domain.ErrCodeCancelled,
				Message: fmt.Sprintf("cancelled before %s", s.step),
				Err:     err,
			}, false)
			return
		}
		if err := a.run(ctx, s.step, s.run); err != nil {
			pe, fallback := classify(s.step, err)
			a.fail(ctx, s.step, pe, fallback)
			return
		}
		a.rec.completed(s.step, "", nil)
	}

	a.out.OK = true
	a.out.OrderID = a.conf.OrderID
	a.out.PlacedAt = a.conf.PlacedAt
	a.out.TotalPaid = a.conf.TotalPaid
	a.out.PointsEarned = a.conf.PointsEarned
	a.rec.add(domain.StepComplete, domain.PhaseCompleted, "order placed", "", map[string]string{
		"orderId":   a.conf.OrderID,
		"totalPaid": a.conf.TotalPaid.String(),
	})
	o.logger.InfoContext(ctx, "purchase succeeded",
		slog.String("attempt_id", req.AttemptID),
		slog.String("candidate_id", req.CandidateID),
		slog.String("order_id", a.conf.OrderID),
	)
	return
}

// Reject records an attempt that could not start, such as one whose session
// needs a human login. The trail is INIT followed by ERROR.
func (o *Orchestrator) Reject(ctx context.Context, req domain.PurchaseRequest, code domain.ErrorCode, msg string) domain.PurchaseOutcome {
	rec := newRecorder(req, o.now)
	now := o.now()
	pe := domain.NewPurchaseError(code, msg)

	rec.started(domain.StepInit)
	rec.failed(domain.StepInit, pe, "")
	rec.add(domain.StepError, domain.PhaseFailed, msg, "", map[string]string{
		"failedStep": string(domain.StepInit),
		"errorCode":  string(code),
	})
	o.flush(ctx, rec)

	return domain.PurchaseOutcome{
		AttemptID:    req.AttemptID,
		CandidateID:  req.CandidateID,
		ErrorCode:    code,
		ErrorMessage: msg,
		FailedStep:   domain.StepInit,
		StartedAt:    now,
		FinishedAt:   o.now(),
	}
}

func (o *Orchestrator) stepContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.cfg.StepTimeout)
}

func (o *Orchestrator) flush(ctx context.Context, rec *recorder) {
	if len(rec.entries) == 0 {
		return
	}
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.FlushTimeout)
	defer cancel()
	if err := o.audit.AppendBatch(flushCtx, rec.entries); err != nil {
		o.logger.ErrorContext(ctx, "audit flush failed",
			slog.String("attempt_id", rec.attemptID),
			slog.Int("entries", len(rec.entries)),
			slog.String("error", err.Error()),
		)
	}
}

// screenshot captures and stores the current page, returning its blob key
// or "" when nothing was stored.
func (o *Orchestrator) screenshot(ctx context.Context, drv Driver, req domain.PurchaseRequest, label string) string {
	if drv == nil || o.blobs == nil {
		return ""
	}
	shotCtx, cancel := o.stepContext(ctx)
	defer cancel()

	png, err := drv.Screenshot(shotCtx)
	if err != nil {
		o.logger.WarnContext(ctx, "screenshot failed",
			slog.String("attempt_id", req.AttemptID),
			slog.String("label", label),
			slog.String("error", err.Error()),
		)
		return ""
	}
	key := fmt.Sprintf("%s/%s/%s/%s-%s.png", o.cfg.ScreenshotPrefix, req.OrgID, req.CandidateID, req.AttemptID, label)
	if err := o.blobs.Put(shotCtx, key, bytes.NewReader(png), "image/png"); err != nil {
		o.logger.WarnContext(ctx, "screenshot upload failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return ""
	}
	return key
}

func (a *attempt) run(ctx context.Context, step domain.Step, fn func(context.Context) error) error {
	stepCtx, cancel := a.o.stepContext(ctx)
	defer cancel()
	stepCtx, span := a.o.tracer.Start(stepCtx, "purchase.step", trace.WithAttributes(
		attribute.String("arbbuyer.step", string(step)),
	))
	defer span.End()
	err := fn(stepCtx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (a *attempt) current() domain.Step {
	for i := len(a.rec.entries) - 1; i >= 0; i-- {
		if s := a.rec.entries[i].Step; !s.Terminal() {
			return s
		}
	}
	return domain.StepInit
}

// fail closes the attempt with pe. When fallback is set and the page shows
// a known challenge, the challenge's code replaces pe's.
func (a *attempt) fail(ctx context.Context, step domain.Step, pe *domain.PurchaseError, fallback bool) {
	o := a.o
	if fallback && a.drv != nil {
		detectCtx, cancel := o.stepContext(ctx)
		code, err := a.drv.DetectChallenge(detectCtx)
		cancel()
		if err == nil && code != "" {
			pe = &domain.PurchaseError{Code: code, Message: fmt.Sprintf("%s detected: %s", code, pe.Message), Err: pe.Err}
		}
	}

	shot := o.screenshot(ctx, a.drv, a.req, "error")
	a.rec.failed(step, pe, shot)
	a.rec.add(domain.StepError, domain.PhaseFailed, pe.Message, shot, map[string]string{
		"failedStep": string(step),
		"errorCode":  string(pe.Code),
	})

	a.out.OK = false
	a.out.ErrorCode = pe.Code
	a.out.ErrorMessage = pe.Message
	a.out.FailedStep = step
	a.out.ScreenshotKey = shot

	o.logger.WarnContext(ctx, "purchase failed",
		slog.String("attempt_id", a.req.AttemptID),
		slog.String("candidate_id", a.req.CandidateID),
		slog.String("step", string(step)),
		slog.String("error_code", string(pe.Code)),
		slog.String("error", pe.Error()),
	)
}

func (a *attempt) init(ctx context.Context) error {
	drv, err := a.o.drivers.NewDriver(ctx, a.req.SupplierMarketplace)
	if err != nil {
		return err
	}
	a.drv = drv
	return nil
}

func (a *attempt) verifyAvailability(ctx context.Context) error {
	av, err := a.drv.ReadAvailability(ctx)
	if err != nil {
		return err
	}
	if !av.InStock {
		return domain.NewPurchaseError(domain.ErrCodeOutOfStock, "offer not in stock")
	}
	if av.Condition != "" && av.Condition != domain.ConditionNew {
		return domain.NewPurchaseError(domain.ErrCodeOutOfStock, fmt.Sprintf("only %s offers available", av.Condition))
	}
	return nil
}

func (a *attempt) confirm(ctx context.Context) error {
	price, err := a.drv.ReadPrice(ctx)
	if err != nil {
		return err
	}
	if priceRiseExceeded(a.req.ExpectedUnitPrice, price, a.req.MaxPriceThreshold) {
		return domain.NewPurchaseError(domain.ErrCodePriceChanged,
			fmt.Sprintf("unit price %s, expected %s", price, a.req.ExpectedUnitPrice))
	}
	a.rec.info(domain.StepConfirm, "price check passed", "")

	if shot := a.o.screenshot(ctx, a.drv, a.req, "before-confirm"); shot != "" {
		a.rec.info(domain.StepConfirm, "before confirmation", shot)
	}
	conf, err := a.drv.PlaceOrder(ctx)
	if shot := a.o.screenshot(ctx, a.drv, a.req, "after-confirm"); shot != "" {
		a.rec.info(domain.StepConfirm, "after confirmation", shot)
	}
	if err != nil {
		return err
	}
	if conf.OrderID == "" {
		return errNoOrderID
	}
	if conf.PlacedAt.IsZero() {
		conf.PlacedAt = a.o.now()
	}
	a.conf = conf
	return nil
}
