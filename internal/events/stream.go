// Package events publishes purchase outcome events for downstream reporting.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alanyoungcy/arbbuyer/internal/domain"
)

// OutcomeStream is the durable stream every outcome is appended to.
const OutcomeStream = "outcomes"

// OutcomeChannel returns the live Pub/Sub channel for an organization.
func OutcomeChannel(orgID string) string {
	return "outcomes:" + orgID
}

// StreamPublisher appends outcomes to an OutcomeBus stream and announces them
// on the organization's channel.
type StreamPublisher struct {
	bus domain.OutcomeBus
}

// NewStreamPublisher creates a StreamPublisher.
func NewStreamPublisher(bus domain.OutcomeBus) *StreamPublisher {
	return &StreamPublisher{bus: bus}
}

// PublishOutcome writes ev to the stream first; the live notification is
// best effort and only reported if the append succeeded.
func (p *StreamPublisher) PublishOutcome(ctx context.Context, ev domain.OutcomeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal outcome: %w", err)
	}
	if err := p.bus.StreamAppend(ctx, OutcomeStream, payload); err != nil {
		return fmt.Errorf("events: append outcome %s: %w", ev.AttemptID, err)
	}
	if err := p.bus.Publish(ctx, OutcomeChannel(ev.OrgID), payload); err != nil {
		return fmt.Errorf("events: announce outcome %s: %w", ev.AttemptID, err)
	}
	return nil
}

// Multi fans an outcome out to several publishers. Every publisher is tried;
// the failures are joined.
type Multi []domain.EventPublisher

// PublishOutcome implements domain.EventPublisher.
func (m Multi) PublishOutcome(ctx context.Context, ev domain.OutcomeEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.PublishOutcome(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ domain.EventPublisher = (*StreamPublisher)(nil)
	_ domain.EventPublisher = Multi(nil)
)
