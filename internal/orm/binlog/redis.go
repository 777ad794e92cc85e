package binlog

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisInvalidator deletes the cached objects and association values an
// event makes stale. Object keys are "<prefix><Type>:<id>" and association
// keys "<prefix><Type>.<prop>:<id>".
type RedisInvalidator struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisInvalidator creates an invalidator over an existing client
func NewRedisInvalidator(client *redis.Client, prefix string, logger *zap.Logger) *RedisInvalidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisInvalidator{client: client, prefix: prefix, logger: logger}
}

// Keys returns the cache keys ev invalidates
func (r *RedisInvalidator) Keys(ev *Event) []string {
	var keys []string
	seen := make(map[string]bool)
	add := func(key string) {
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}

	if ev.Type != nil && ev.ID != nil {
		// the row is also cached under every entity supertype
		for t := ev.Type; t != nil; t = t.Super() {
			if t.IsEntity() {
				add(fmt.Sprintf("%s%s:%v", r.prefix, t.Name(), ev.ID))
			}
		}
	}
	for _, a := range ev.Affected {
		add(fmt.Sprintf("%s%s:%v", r.prefix, a.Prop.String(), a.ID))
	}
	return keys
}

// Invalidate deletes the keys of ev
func (r *RedisInvalidator) Invalidate(ctx context.Context, ev *Event) error {
	keys := r.Keys(ev)
	if len(keys) == 0 {
		return nil
	}
	n, err := r.client.Del(ctx, keys...).Result()
	if err != nil {
		return err
	}
	r.logger.Debug("invalidated cache keys",
		zap.Strings("keys", keys),
		zap.Int64("deleted", n))
	return nil
}

// Clear removes every key under the prefix
func (r *RedisInvalidator) Clear(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

// Close closes the Redis connection
func (r *RedisInvalidator) Close() error {
	return r.client.Close()
}
