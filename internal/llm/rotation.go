package llm

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RotationCounterKey is the shared counter that selects the active API key.
// All replicas see the same counter, so a rate-limited key is skipped
// fleet-wide once any replica advances past it.
const RotationCounterKey = "runtime_config:openai_api_key_rotation_counter:v1"

// RotationCounter tracks which key in the configured pool is active.
type RotationCounter interface {
	// Current returns the counter value. The active key is keys[value % len(keys)].
	Current(ctx context.Context) int64
	// Advance moves to the next key and returns the new value.
	Advance(ctx context.Context) int64
}

// RedisRotation keeps the counter in Redis so rotation survives restarts
// and is shared across replicas.
type RedisRotation struct {
	rdb *redis.Client
}

func NewRedisRotation(rdb *redis.Client) *RedisRotation {
	return &RedisRotation{rdb: rdb}
}

func (r *RedisRotation) Current(ctx context.Context) int64 {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	n, err := r.rdb.Get(ctx, RotationCounterKey).Int64()
	if err != nil && err != redis.Nil {
		slog.Warn("rotation counter read failed", "error", err)
	}
	return n
}

func (r *RedisRotation) Advance(ctx context.Context) int64 {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	n, err := r.rdb.Incr(ctx, RotationCounterKey).Result()
	if err != nil {
		slog.Warn("rotation counter advance failed", "error", err)
		return 0
	}
	return n
}

// LocalRotation is the in-process fallback used when Redis is unavailable.
type LocalRotation struct {
	n atomic.Int64
}

func (l *LocalRotation) Current(ctx context.Context) int64 { return l.n.Load() }
func (l *LocalRotation) Advance(ctx context.Context) int64 { return l.n.Add(1) }
