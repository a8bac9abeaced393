package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbbuyer/internal/domain"
)

type fakeBus struct {
	mu        sync.Mutex
	streams   map[string][][]byte
	published map[string][][]byte
	appendErr error
}

func newFakeBus() *fakeBus {
	return &fakeBus{streams: map[string][][]byte{}, published: map[string][][]byte{}}
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *fakeBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	if b.appendErr != nil {
		return b.appendErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streams[stream] = append(b.streams[stream], payload)
	return nil
}

func outcome() domain.OutcomeEvent {
	return domain.OutcomeEvent{
		OrgID:           "o1",
		CandidateID:     "c1",
		AttemptID:       "a1",
		Status:          domain.StatusSucceeded,
		SupplierOrderID: "503-1234567-1234567",
		TotalPaid:       9800,
		OccurredAt:      time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestStreamPublisher(t *testing.T) {
	bus := newFakeBus()
	require.NoError(t, NewStreamPublisher(bus).PublishOutcome(context.Background(), outcome()))

	require.Len(t, bus.streams[OutcomeStream], 1)
	require.Len(t, bus.published["outcomes:o1"], 1)

	var got domain.OutcomeEvent
	require.NoError(t, json.Unmarshal(bus.streams[OutcomeStream][0], &got))
	assert.Equal(t, outcome(), got)
}

func TestStreamPublisherSkipsAnnounceOnAppendFailure(t *testing.T) {
	bus := newFakeBus()
	bus.appendErr = errors.New("down")
	err := NewStreamPublisher(bus).PublishOutcome(context.Background(), outcome())
	require.Error(t, err)
	assert.Empty(t, bus.published)
}

type fakeWriter struct {
	failures int
	calls    int
	msgs     []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.calls++
	if w.calls <= w.failures {
		return errors.New("leader not available")
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaPublisherRetries(t *testing.T) {
	w := &fakeWriter{failures: 2}
	p := newKafkaPublisher(w, 3, time.Second)
	p.backoff = time.Millisecond

	require.NoError(t, p.PublishOutcome(context.Background(), outcome()))
	assert.Equal(t, 3, w.calls)
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "c1", string(w.msgs[0].Key))
	assert.Equal(t, "org_id", w.msgs[0].Headers[0].Key)
}

func TestKafkaPublisherGivesUp(t *testing.T) {
	w := &fakeWriter{failures: 10}
	p := newKafkaPublisher(w, 2, time.Second)
	p.backoff = time.Millisecond

	err := p.PublishOutcome(context.Background(), outcome())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Equal(t, 2, w.calls)
}

func TestNewKafkaPublisherValidates(t *testing.T) {
	_, err := NewKafkaPublisher(KafkaConfig{Topic: "t"})
	require.Error(t, err)
	_, err = NewKafkaPublisher(KafkaConfig{Brokers: []string{"k:9092"}})
	require.Error(t, err)
}

type errPublisher struct{ err error }

func (p errPublisher) PublishOutcome(context.Context, domain.OutcomeEvent) error { return p.err }

func TestMultiTriesEveryPublisher(t *testing.T) {
	bus := newFakeBus()
	boom := errors.New("boom")
	err := Multi{errPublisher{boom}, NewStreamPublisher(bus)}.PublishOutcome(context.Background(), outcome())
	require.ErrorIs(t, err, boom)
	assert.Len(t, bus.streams[OutcomeStream], 1)
}
