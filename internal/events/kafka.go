package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/alanyoungcy/arbbuyer/internal/domain"
)

// KafkaConfig configures the Kafka outcome publisher.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	// MaxAttempts bounds retries of one publish. Defaults to 3.
	MaxAttempts  int
	WriteTimeout time.Duration
}

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher produces outcome events keyed by candidate id, so one
// candidate's outcomes stay ordered within a partition.
type KafkaPublisher struct {
	writer      messageWriter
	maxAttempts int
	timeout     time.Duration
	backoff     time.Duration
}

// NewKafkaPublisher creates a KafkaPublisher with a synchronous hash-balanced
// writer.
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("events: kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("events: kafka: topic required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           cfg.WriteTimeout,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: false,
	}
	return newKafkaPublisher(w, cfg.MaxAttempts, cfg.WriteTimeout), nil
}

func newKafkaPublisher(w messageWriter, maxAttempts int, timeout time.Duration) *KafkaPublisher {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &KafkaPublisher{
		writer:      w,
		maxAttempts: maxAttempts,
		timeout:     timeout,
		backoff:     100 * time.Millisecond,
	}
}

// PublishOutcome writes ev, retrying with exponential backoff capped at 2s.
func (p *KafkaPublisher) PublishOutcome(ctx context.Context, ev domain.OutcomeEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal outcome: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.CandidateID),
		Value: value,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "org_id", Value: []byte(ev.OrgID)},
			{Key: "status", Value: []byte(ev.Status)},
		},
	}

	var lastErr error
	backoff := p.backoff
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, p.timeout)
		lastErr = p.writer.WriteMessages(attemptCtx, msg)
		cancel()
		if lastErr == nil {
			return nil
		}
		if attempt == p.maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("events: kafka publish %s: %w", ev.AttemptID, ctx.Err())
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 2*time.Second)
	}
	return fmt.Errorf("events: kafka publish %s failed after %d attempts: %w", ev.AttemptID, p.maxAttempts, lastErr)
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

var _ domain.EventPublisher = (*KafkaPublisher)(nil)
