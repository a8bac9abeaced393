package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/alanyoungcy/arbbuyer/internal/domain"
)

// Metrics holds the pipeline's instruments. A nil *Metrics records nothing.
type Metrics struct {
	evaluated       metric.Int64Counter
	enqueued        metric.Int64Counter
	attempts        metric.Int64Counter
	attemptDuration metric.Float64Histogram
	sessionWait     metric.Float64Histogram
	inFlight        metric.Int64UpDownCounter
	reaped          metric.Int64Counter
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	if m.evaluated, err = meter.Int64Counter("arbbuyer.candidates.evaluated",
		metric.WithDescription("Candidates evaluated, by resulting status"),
		metric.WithUnit("{candidate}")); err != nil {
		return nil, fmt.Errorf("telemetry: evaluated counter: %w", err)
	}
	if m.enqueued, err = meter.Int64Counter("arbbuyer.candidates.enqueued",
		metric.WithDescription("Candidates moved to the purchase queue"),
		metric.WithUnit("{candidate}")); err != nil {
		return nil, fmt.Errorf("telemetry: enqueued counter: %w", err)
	}
	if m.attempts, err = meter.Int64Counter("arbbuyer.purchase.attempts",
		metric.WithDescription("Purchase attempts, by outcome code"),
		metric.WithUnit("{attempt}")); err != nil {
		return nil, fmt.Errorf("telemetry: attempts counter: %w", err)
	}
	if m.attemptDuration, err = meter.Float64Histogram("arbbuyer.purchase.duration",
		metric.WithDescription("Wall time of a purchase attempt"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 20, 30, 60, 120, 300)); err != nil {
		return nil, fmt.Errorf("telemetry: duration histogram: %w", err)
	}
	if m.sessionWait, err = meter.Float64Histogram("arbbuyer.session.wait",
		metric.WithDescription("Time spent waiting for a supplier session"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.1, 0.5, 1, 5, 15, 30, 60)); err != nil {
		return nil, fmt.Errorf("telemetry: session wait histogram: %w", err)
	}
	if m.inFlight, err = meter.Int64UpDownCounter("arbbuyer.purchase.in_flight",
		metric.WithDescription("Purchase attempts currently running"),
		metric.WithUnit("{attempt}")); err != nil {
		return nil, fmt.Errorf("telemetry: in-flight counter: %w", err)
	}
	if m.reaped, err = meter.Int64Counter("arbbuyer.purchase.reaped",
		metric.WithDescription("In-progress candidates failed by the stale reaper"),
		metric.WithUnit("{candidate}")); err != nil {
		return nil, fmt.Errorf("telemetry: reaped counter: %w", err)
	}
	return m, nil
}

// Evaluated counts n candidates evaluated into status.
func (m *Metrics) Evaluated(ctx context.Context, orgID string, status domain.CandidateStatus, n int) {
	if m == nil || n == 0 {
		return
	}
	m.evaluated.Add(ctx, int64(n), metric.WithAttributes(
		orgAttr(orgID), attribute.String("arbbuyer.status", string(status))))
}

// Enqueued counts candidates queued for purchase.
func (m *Metrics) Enqueued(ctx context.Context, orgID string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.enqueued.Add(ctx, int64(n), metric.WithAttributes(orgAttr(orgID)))
}

// AttemptStarted marks an attempt in flight and returns the function that
// records its outcome.
func (m *Metrics) AttemptStarted(ctx context.Context, marketplace string) func(domain.PurchaseOutcome) {
	if m == nil {
		return func(domain.PurchaseOutcome) {}
	}
	mp := attribute.String("arbbuyer.marketplace", marketplace)
	m.inFlight.Add(ctx, 1, metric.WithAttributes(mp))
	return func(out domain.PurchaseOutcome) {
		m.inFlight.Add(ctx, -1, metric.WithAttributes(mp))
		code := "OK"
		if !out.OK {
			code = string(out.ErrorCode)
		}
		attrs := metric.WithAttributes(mp, attribute.String("arbbuyer.code", code))
		m.attempts.Add(ctx, 1, attrs)
		m.attemptDuration.Record(ctx, out.Duration().Seconds(), attrs)
	}
}

// SessionWait records how long a worker waited for a session.
func (m *Metrics) SessionWait(ctx context.Context, marketplace string, wait time.Duration) {
	if m == nil {
		return
	}
	m.sessionWait.Record(ctx, wait.Seconds(), metric.WithAttributes(
		attribute.String("arbbuyer.marketplace", marketplace)))
}

// Reaped counts stale candidates failed by the reaper.
func (m *Metrics) Reaped(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.reaped.Add(ctx, int64(n))
}
