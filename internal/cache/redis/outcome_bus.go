package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/arbbuyer/internal/domain"
)

// DefaultStreamMaxLen bounds the outcome stream through approximate XADD
// trimming.
const DefaultStreamMaxLen int64 = 10000

// OutcomeBus writes outcome payloads to a capped Redis stream and announces
// them over Pub/Sub.
type OutcomeBus struct {
	client *Client
	maxLen int64
}

// NewOutcomeBus creates an OutcomeBus. maxLen <= 0 selects
// DefaultStreamMaxLen.
func NewOutcomeBus(c *Client, maxLen int64) *OutcomeBus {
	if maxLen <= 0 {
		maxLen = DefaultStreamMaxLen
	}
	return &OutcomeBus{client: c, maxLen: maxLen}
}

func (b *OutcomeBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	err := b.client.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: b.client.Key(stream),
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{"payload": payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: xadd %s: %w", stream, err)
	}
	return nil
}

// Publish reports an error only when Redis does; zero subscribers is fine.
func (b *OutcomeBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.rdb.Publish(ctx, b.client.Key(channel), payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

var _ domain.OutcomeBus = (*OutcomeBus)(nil)
