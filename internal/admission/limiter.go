// Package admission caps the number of verification requests in flight.
package admission

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Limiter admits or rejects a request without waiting. The returned release
// function must be called exactly once when ok is true.
type Limiter interface {
	TryAcquire(ctx context.Context) (release func(), ok bool)
}

// LocalLimiter bounds concurrency within this process.
type LocalLimiter struct {
	sem *semaphore.Weighted
}

// NewLocalLimiter admits at most limit concurrent requests.
func NewLocalLimiter(limit int64) *LocalLimiter {
	return &LocalLimiter{sem: semaphore.NewWeighted(limit)}
}

func (l *LocalLimiter) TryAcquire(context.Context) (func(), bool) {
	if !l.sem.TryAcquire(1) {
		return nil, false
	}
	return func() { l.sem.Release(1) }, true
}

// Counter is the subset of Redis used for a shared in-flight count.
type Counter interface {
	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// RedisCounter is a Counter backed by go-redis.
type RedisCounter struct {
	client *redis.Client
}

// NewRedisCounter constructs a new Redis-backed counter.
func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

func (c *RedisCounter) Incr(ctx context.Context, key string) (int64, error) {
	return c.client.Incr(ctx, key).Result()
}

func (c *RedisCounter) Decr(ctx context.Context, key string) (int64, error) {
	return c.client.Decr(ctx, key).Result()
}

func (c *RedisCounter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.client.Expire(ctx, key, ttl).Err()
}

// SharedLimiter enforces one cap across every replica using a Redis counter.
// When Redis is unreachable it falls back to a per-process limit.
type SharedLimiter struct {
	counter  Counter
	key      string
	limit    int64
	ttl      time.Duration
	fallback *LocalLimiter
	logger   *zap.Logger
}

// NewSharedLimiter admits at most limit requests across all replicas sharing key.
func NewSharedLimiter(counter Counter, key string, limit int64, logger *zap.Logger) *SharedLimiter {
	return &SharedLimiter{
		counter:  counter,
		key:      key,
		limit:    limit,
		ttl:      10 * time.Minute,
		fallback: NewLocalLimiter(limit),
		logger:   logger.Named("admission"),
	}
}

func (l *SharedLimiter) TryAcquire(ctx context.Context) (func(), bool) {
	n, err := l.counter.Incr(ctx, l.key)
	if err != nil {
		l.logger.Warn("shared in-flight counter unavailable, using local limit", zap.Error(err))
		return l.fallback.TryAcquire(ctx)
	}
	// A crashed replica never decrements; the TTL bounds how long its slots leak.
	if err := l.counter.Expire(ctx, l.key, l.ttl); err != nil {
		l.logger.Warn("failed to refresh in-flight counter ttl", zap.Error(err))
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if _, err := l.counter.Decr(releaseCtx, l.key); err != nil {
			l.logger.Warn("failed to release in-flight slot", zap.Error(err))
		}
	}
	if n > l.limit {
		release()
		return nil, false
	}
	return release, true
}
