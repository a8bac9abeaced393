package purchase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/alanyoungcy/arbbuyer/internal/domain"
	"github.com/alanyoungcy/arbbuyer/internal/session"
	"github.com/alanyoungcy/arbbuyer/internal/store/memory"
)

type fakeDriver struct {
	errs      map[domain.Step]error
	block     domain.Step
	avail     Availability
	price     domain.Money
	conf      Confirmation
	challenge domain.ErrorCode
	panicAt   domain.Step
	onStep    func(domain.Step)
	closed    bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		errs:  map[domain.Step]error{},
		avail: Availability{InStock: true, Condition: domain.ConditionNew},
		price: 10000,
		conf:  Confirmation{OrderID: "503-0000000-0000001", TotalPaid: 10000, PointsEarned: 300},
	}
}

func (d *fakeDriver) step(ctx context.Context, s domain.Step) error {
	if d.onStep != nil {
		d.onStep(s)
	}
	if d.panicAt == s {
		panic("selector engine crashed")
	}
	if d.block == s {
		<-ctx.Done()
		return ctx.Err()
	}
	return d.errs[s]
}

func (d *fakeDriver) Login(ctx context.Context, _ domain.SessionMaterial) error {
	return d.step(ctx, domain.StepLogin)
}
func (d *fakeDriver) OpenProduct(ctx context.Context, _ string) error {
	return d.step(ctx, domain.StepNavigateProduct)
}
func (d *fakeDriver) ReadAvailability(ctx context.Context) (Availability, error) {
	return d.avail, d.step(ctx, domain.StepVerifyAvailability)
}
func (d *fakeDriver) AddToCart(ctx context.Context, _ int) error {
	return d.step(ctx, domain.StepAddToCart)
}
func (d *fakeDriver) SetAddress(ctx context.Context, _ string) error {
	return d.step(ctx, domain.StepSetAddress)
}
func (d *fakeDriver) SelectShipping(ctx context.Context) error {
	return d.step(ctx, domain.StepSelectShipping)
}
func (d *fakeDriver) ReadPrice(context.Context) (domain.Money, error) { return d.price, nil }
func (d *fakeDriver) PlaceOrder(ctx context.Context) (Confirmation, error) {
	return d.conf, d.step(ctx, domain.StepConfirm)
}
func (d *fakeDriver) DetectChallenge(context.Context) (domain.ErrorCode, error) {
	return d.challenge, nil
}
func (d *fakeDriver) Screenshot(context.Context) ([]byte, error) { return []byte("png"), nil }
func (d *fakeDriver) Close() error {
	d.closed = true
	return nil
}

type fakeFactory struct{ drv *fakeDriver }

func (f fakeFactory) NewDriver(context.Context, string) (Driver, error) { return f.drv, nil }

type blobSink struct {
	mu   sync.Mutex
	keys []string
}

func (b *blobSink) Put(_ context.Context, path string, _ io.Reader, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keys = append(b.keys, path)
	return nil
}

func (b *blobSink) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return b.Put(ctx, path, data, "")
}

type harness struct {
	orch  *Orchestrator
	audit *memory.PurchaseAuditStore
	blobs *blobSink
	drv   *fakeDriver
}

func newHarness(stepTimeout time.Duration) harness {
	h := harness{
		audit: memory.NewPurchaseAuditStore(),
		blobs: &blobSink{},
		drv:   newFakeDriver(),
	}
	h.orch = NewOrchestrator(fakeFactory{h.drv}, h.audit, h.blobs, Config{StepTimeout: stepTimeout}, slog.New(slog.DiscardHandler))
	return h
}

func request() domain.PurchaseRequest {
	return domain.PurchaseRequest{
		AttemptID:            "att-1",
		OrgID:                "org-1",
		CandidateID:          "cand-1",
		SupplierMarketplace:  "amazon.co.jp",
		SupplierSKUID:        "B0TESTASIN",
		Quantity:             1,
		DestinationAddressID: "addr-1",
		ExpectedUnitPrice:    10000,
	}
}

func (h harness) trail(t *testing.T) []domain.PurchaseAuditEntry {
	t.Helper()
	entries, err := h.audit.ListByAttempt(context.Background(), "att-1")
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	return entries
}

func workSteps(entries []domain.PurchaseAuditEntry) []domain.Step {
	var out []domain.Step
	for _, e := range entries {
		if e.Phase == domain.PhaseStarted {
			out = append(out, e.Step)
		}
	}
	return out
}

func TestPurchase_Success(t *testing.T) {
	h := newHarness(time.Second)
	out := h.orch.Purchase(context.Background(), request(), &session.Lease{})

	require.True(t, out.OK, out.ErrorMessage)
	assert.Equal(t, "503-0000000-0000001", out.OrderID)
	assert.Equal(t, domain.Money(300), out.PointsEarned)
	assert.False(t, out.PlacedAt.IsZero())
	assert.True(t, h.drv.closed)

	entries := h.trail(t)
	assert.Equal(t, domain.PurchaseSteps, workSteps(entries))
	assert.Equal(t, domain.StepInit, entries[0].Step)
	assert.Equal(t, domain.StepComplete, entries[len(entries)-1].Step)
	for i, e := range entries {
		assert.Equal(t, i+1, e.Seq)
	}
	assert.Len(t, h.blobs.keys, 2, "before and after confirmation")
}

func TestPurchase_TimeoutDuringSetAddress(t *testing.T) {
	h := newHarness(20 * time.Millisecond)
	h.drv.block = domain.StepSetAddress

	out := h.orch.Purchase(context.Background(), request(), &session.Lease{})
	require.False(t, out.OK)
	assert.Equal(t, domain.ErrCodeTimeout, out.ErrorCode)
	assert.Equal(t, domain.StepSetAddress, out.FailedStep)
	assert.NotEmpty(t, out.ScreenshotKey)

	entries := h.trail(t)
	for _, e := range entries {
		assert.NotEqual(t, domain.StepConfirm, e.Step)
	}
	last, beforeLast := entries[len(entries)-1], entries[len(entries)-2]
	assert.Equal(t, domain.StepError, last.Step)
	assert.Equal(t, "SET_ADDRESS", last.Metadata["failedStep"])
	assert.Equal(t, domain.StepSetAddress, beforeLast.Step)
	assert.Equal(t, domain.PhaseFailed, beforeLast.Phase)
}

func TestPurchase_PriceSafety(t *testing.T) {
	tests := []struct {
		name    string
		price   domain.Money
		maxRise *domain.Money
		wantOK  bool
	}{
		{"unchanged", 10000, nil, true},
		{"cheaper", 9000, nil, true},
		{"any rise without threshold", 10001, nil, false},
		{"rise within threshold", 10200, ptr(domain.Money(200)), true},
		{"rise beyond threshold", 10201, ptr(domain.Money(200)), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(time.Second)
			h.drv.price = tt.price
			req := request()
			req.MaxPriceThreshold = tt.maxRise

			out := h.orch.Purchase(context.Background(), req, &session.Lease{})
			assert.Equal(t, tt.wantOK, out.OK)
			if !tt.wantOK {
				assert.Equal(t, domain.ErrCodePriceChanged, out.ErrorCode)
				assert.Equal(t, domain.StepConfirm, out.FailedStep)
				assert.Len(t, h.blobs.keys, 1, "no confirmation screenshots, only the error one")
			}
		})
	}
}

func ptr[T any](v T) *T { return &v }

func TestPurchase_MissingOrderID(t *testing.T) {
	h := newHarness(time.Second)
	h.drv.conf.OrderID = ""

	out := h.orch.Purchase(context.Background(), request(), &session.Lease{})
	assert.False(t, out.OK)
	assert.Equal(t, domain.ErrCodeUnknown, out.ErrorCode)

	h = newHarness(time.Second)
	h.drv.conf.OrderID = ""
	h.drv.challenge = domain.ErrCodeCaptcha
	out = h.orch.Purchase(context.Background(), request(), &session.Lease{})
	assert.Equal(t, domain.ErrCodeCaptcha, out.ErrorCode)
}

func TestPurchase_Classification(t *testing.T) {
	tests := []struct {
		name string
		step domain.Step
		err  error
		want domain.ErrorCode
	}{
		{"driver classified", domain.StepNavigateProduct, domain.NewPurchaseError(domain.ErrCodeDOMChanged, "no #productTitle"), domain.ErrCodeDOMChanged},
		{"login fallback", domain.StepLogin, errors.New("redirected"), domain.ErrCodeLoginRequired},
		{"cart fallback", domain.StepAddToCart, errors.New("button inert"), domain.ErrCodeCartFailed},
		{"generic", domain.StepSelectShipping, errors.New("odd page"), domain.ErrCodeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(time.Second)
			h.drv.errs[tt.step] = tt.err
			out := h.orch.Purchase(context.Background(), request(), &session.Lease{})
			assert.Equal(t, tt.want, out.ErrorCode)
			assert.Equal(t, tt.step, out.FailedStep)
		})
	}
}

func TestPurchase_OutOfStock(t *testing.T) {
	h := newHarness(time.Second)
	h.drv.avail = Availability{InStock: true, Condition: domain.ConditionUsed}
	out := h.orch.Purchase(context.Background(), request(), &session.Lease{})
	assert.Equal(t, domain.ErrCodeOutOfStock, out.ErrorCode)
	assert.Equal(t, domain.StepVerifyAvailability, out.FailedStep)
}

func TestPurchase_CancelledBetweenSteps(t *testing.T) {
	h := newHarness(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	h.drv.onStep = func(s domain.Step) {
		if s == domain.StepAddToCart {
			cancel()
		}
	}

	out := h.orch.Purchase(ctx, request(), &session.Lease{})
	assert.Equal(t, domain.ErrCodeCancelled, out.ErrorCode)
	assert.Equal(t, domain.StepSetAddress, out.FailedStep)

	// ADD_TO_CART was already running and completed.
	steps := workSteps(h.trail(t))
	assert.Equal(t, []domain.Step{domain.StepAddToCart, domain.StepSetAddress}, steps[len(steps)-2:])
}

func TestPurchase_CancelledBeforeInitKeepsTrailPaired(t *testing.T) {
	h := newHarness(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := h.orch.Purchase(ctx, request(), &session.Lease{})
	assert.False(t, out.OK)
	assert.Equal(t, domain.ErrCodeCancelled, out.ErrorCode)
	assert.Equal(t, domain.StepInit, out.FailedStep)

	entries := h.trail(t)
	require.Len(t, entries, 3)
	assert.Equal(t, domain.StepInit, entries[0].Step)
	assert.Equal(t, domain.PhaseStarted, entries[0].Phase)
	assert.Equal(t, domain.StepInit, entries[1].Step)
	assert.Equal(t, domain.PhaseFailed, entries[1].Phase)
	assert.Equal(t, domain.StepError, entries[2].Step)
}

func TestPurchase_PanicBecomesUnknown(t *testing.T) {
	h := newHarness(time.Second)
	h.drv.panicAt = domain.StepSelectShipping

	out := h.orch.Purchase(context.Background(), request(), &session.Lease{})
	assert.False(t, out.OK)
	assert.Equal(t, domain.ErrCodeUnknown, out.ErrorCode)
	assert.Equal(t, domain.StepSelectShipping, out.FailedStep)

	entries := h.trail(t)
	assert.Equal(t, domain.StepError, entries[len(entries)-1].Step)
}

func TestReject(t *testing.T) {
	h := newHarness(time.Second)
	out := h.orch.Reject(context.Background(), request(), domain.ErrCodeLoginRequired, "session flagged")
	assert.False(t, out.OK)
	assert.Equal(t, domain.ErrCodeLoginRequired, out.ErrorCode)

	entries := h.trail(t)
	require.Len(t, entries, 3)
	assert.Equal(t, domain.StepInit, entries[0].Step)
	assert.Equal(t, domain.StepError, entries[2].Step)
}

func TestAuditCompletenessAcrossOutcomes(t *testing.T) {
	for _, step := range domain.PurchaseSteps[1:] {
		h := newHarness(time.Second)
		h.drv.errs[step] = errors.New("boom")
		h.orch.Purchase(context.Background(), request(), &session.Lease{})

		entries := h.trail(t)
		assert.Equal(t, domain.StepInit, entries[0].Step, step)
		assert.True(t, entries[len(entries)-1].Step.Terminal(), step)
	}
}

func TestPurchase_RecordsSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	h := newHarness(time.Second)
	h.orch.WithTracer(tp.Tracer("test"))
	h.drv.errs[domain.StepAddToCart] = errors.New("button missing")

	out := h.orch.Purchase(context.Background(), request(), &session.Lease{})
	require.False(t, out.OK)

	spans := sr.Ended()
	require.NotEmpty(t, spans)
	root := spans[len(spans)-1]
	assert.Equal(t, "purchase.attempt", root.Name())
	assert.Equal(t, codes.Error, root.Status().Code)

	var steps int
	for _, s := range spans[:len(spans)-1] {
		assert.Equal(t, "purchase.step", s.Name())
		assert.Equal(t, root.SpanContext().SpanID(), s.Parent().SpanID())
		steps++
	}
	assert.Equal(t, 5, steps, "INIT through ADD_TO_CART")
}
