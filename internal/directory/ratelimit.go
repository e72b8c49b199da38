package directory

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
)

// Limiter blocks until one more remote request may be sent
type Limiter interface {
	Wait(ctx context.Context) error
}

// RedisLimiter is a GCRA request budget stored in Redis, shared by every instance that
// uses the same key.
type RedisLimiter struct {
	limiter *redis_rate.Limiter
	key     string
	limit   redis_rate.Limit
}

// NewRedisLimiter creates a limiter allowing perMinute requests per minute across all instances
func NewRedisLimiter(rdb *redis.Client, key string, perMinute int) *RedisLimiter {
	return &RedisLimiter{
		limiter: redis_rate.NewLimiter(rdb),
		key:     key,
		limit:   redis_rate.PerMinute(perMinute),
	}
}

// Wait implements Limiter
func (l *RedisLimiter) Wait(ctx context.Context) error {
	for {
		res, err := l.limiter.Allow(ctx, l.key, l.limit)
		if err != nil {
			return fmt.Errorf("rate limiter unavailable: %w", err)
		}
		if res.Allowed > 0 {
			return nil
		}

		wait := res.RetryAfter
		if wait <= 0 {
			wait = 100 * time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// rateLimited applies a Limiter in front of every call to the wrapped Directory
type rateLimited struct {
	Directory
	limiter Limiter
}

// WithLimiter wraps dir so that each remote request first waits on limiter.
// A nil limiter returns dir unchanged.
func WithLimiter(dir Directory, limiter Limiter) Directory {
	if limiter == nil {
		return dir
	}
	return &rateLimited{Directory: dir, limiter: limiter}
}

func (r *rateLimited) FetchPage(ctx context.Context, cursor string, modifiedSince *time.Time) (*Page, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.Directory.FetchPage(ctx, cursor, modifiedSince)
}

func (r *rateLimited) LatestModified(ctx context.Context) (*time.Time, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.Directory.LatestModified(ctx)
}
