package domain

import (
	"context"
	"time"
)

// RuleConfigCache keeps recently read rule configurations close at hand.
type RuleConfigCache interface {
	Get(ctx context.Context, orgID string) (RuleConfig, error)
	Set(ctx context.Context, cfg RuleConfig) error
	Invalidate(ctx context.Context, orgID string) error
}

// Quota is the result of counting one request against a window.
type Quota struct {
	Allowed bool
	// Remaining is how many more requests fit in the current window.
	Remaining int
}

// RateLimiter counts requests per key over a sliding window shared by every
// API replica.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Quota, error)
}

// LockManager hands out leases that hold across processes. unlock is safe to
// call after the lease expired.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// OutcomeBus carries attempt outcomes: a durable, trimmed stream for
// consumers that replay, plus a fire-and-forget channel for live listeners.
type OutcomeBus interface {
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	Publish(ctx context.Context, channel string, payload []byte) error
}
