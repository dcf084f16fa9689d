// Package dedup remembers inbound webhook deliveries already accepted, so
// a redelivered email is not enqueued twice.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultTTL    = 72 * time.Hour
	DefaultPrefix = "leadmark:seen:"
)

type Filter struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	prefix string
}

func NewFilter(rdb redis.UniversalClient, ttl time.Duration, prefix string) *Filter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Filter{rdb: rdb, ttl: ttl, prefix: prefix}
}

// IsNew reports whether key has not been seen, marking it seen if so.
func (f *Filter) IsNew(ctx context.Context, key string) (bool, error) {
	set, err := f.rdb.SetNX(ctx, f.prefix+key, time.Now().Unix(), f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup setnx: %w", err)
	}
	return set, nil
}

// Forget drops key so a later delivery is accepted again.
func (f *Filter) Forget(ctx context.Context, key string) error {
	if err := f.rdb.Del(ctx, f.prefix+key).Err(); err != nil {
		return fmt.Errorf("dedup del: %w", err)
	}
	return nil
}
