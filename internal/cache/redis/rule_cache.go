package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/arbbuyer/internal/domain"
)

// RuleCache implements domain.RuleConfigCache as JSON strings with a TTL.
type RuleCache struct {
	client *Client
	ttl    time.Duration
}

// NewRuleCache creates a RuleCache whose entries expire after ttl.
func NewRuleCache(c *Client, ttl time.Duration) *RuleCache {
	return &RuleCache{client: c, ttl: ttl}
}

func (rc *RuleCache) key(orgID string) string {
	return rc.client.Key("rules", orgID)
}

// Get returns the cached config or domain.ErrNotFound on a miss.
func (rc *RuleCache) Get(ctx context.Context, orgID string) (domain.RuleConfig, error) {
	data, err := rc.client.rdb.Get(ctx, rc.key(orgID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.RuleConfig{}, domain.ErrNotFound
		}
		return domain.RuleConfig{}, fmt.Errorf("redis: get rules %s: %w", orgID, err)
	}
	var cfg domain.RuleConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return domain.RuleConfig{}, fmt.Errorf("redis: decode rules %s: %w", orgID, err)
	}
	return cfg, nil
}

// Set caches cfg.
func (rc *RuleCache) Set(ctx context.Context, cfg domain.RuleConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("redis: encode rules %s: %w", cfg.OrgID, err)
	}
	if err := rc.client.rdb.Set(ctx, rc.key(cfg.OrgID), data, rc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set rules %s: %w", cfg.OrgID, err)
	}
	return nil
}

// Invalidate drops the cached config for orgID.
func (rc *RuleCache) Invalidate(ctx context.Context, orgID string) error {
	if err := rc.client.rdb.Del(ctx, rc.key(orgID)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate rules %s: %w", orgID, err)
	}
	return nil
}

var _ domain.RuleConfigCache = (*RuleCache)(nil)
