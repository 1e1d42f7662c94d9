package cache

import (
	"context"
	"errors"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Redis keeps the mapping in a single redis hash so it survives restarts and
// is shared between replicas. The hash has no expiry. Counters are local to
// the process.
type Redis struct {
	rdb *redis.Client
	key string
	counters
}

// NewRedis creates a cache over the hash stored at key.
func NewRedis(rdb *redis.Client, key string) *Redis {
	if key == "" {
		key = "chatpool:customers"
	}
	return &Redis{rdb: rdb, key: key}
}

// Lookup treats redis errors as misses so a cache outage only costs a
// database round trip.
func (r *Redis) Lookup(ctx context.Context, key string) (string, bool) {
	v, err := r.rdb.HGet(ctx, r.key, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("cache: redis lookup failed", slog.String("error", err.Error()))
		}
		r.record(false)
		return "", false
	}
	r.record(true)
	return v, true
}

func (r *Redis) Store(ctx context.Context, key, value string) {
	if err := r.rdb.HSet(ctx, r.key, key, value).Err(); err != nil {
		slog.Warn("cache: redis store failed", slog.String("error", err.Error()))
	}
}

func (r *Redis) Stats() Stats { return r.snapshot() }

var (
	_ Cache = (*Memory)(nil)
	_ Cache = (*Redis)(nil)
)
