package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/arbbuyer/internal/domain"
)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

// RateLimiter is a sliding window kept in a sorted set per key. The check and
// the insert run as one script so replicas never overshoot the limit.
type RateLimiter struct {
	client *Client
	script *redis.Script
	now    func() time.Time
}

func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{client: c, script: redis.NewScript(slidingWindowLua), now: time.Now}
}

// Allow counts one request for key. A rejected request is not recorded, so a
// caller that backs off regains its slot once older requests age out.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (domain.Quota, error) {
	if limit <= 0 {
		return domain.Quota{}, fmt.Errorf("redis: rate limit %s: limit must be positive", key)
	}
	if window <= 0 {
		window = time.Second
	}
	res, err := rl.script.Run(ctx, rl.client.rdb,
		[]string{rl.client.Key("ratelimit", key)},
		rl.now().UnixMicro(), window.Microseconds(), limit,
	).Int64Slice()
	if err != nil {
		return domain.Quota{}, fmt.Errorf("redis: rate limit %s: %w", key, err)
	}
	if len(res) != 2 {
		return domain.Quota{}, fmt.Errorf("redis: rate limit %s: script returned %d values", key, len(res))
	}
	return domain.Quota{Allowed: res[0] == 1, Remaining: max(limit-int(res[1]), 0)}, nil
}

var _ domain.RateLimiter = (*RateLimiter)(nil)
