package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds our token, so an expired lock
// that another instance has since taken is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a lock stored under a single Redis key with an expiry
type Redis struct {
	rdb redis.Cmdable
	key string
	ttl time.Duration

	mu    sync.Mutex
	token string
}

// NewRedis creates a Redis lock; ttl bounds how long a crashed holder can block others
func NewRedis(rdb redis.Cmdable, key string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Redis{rdb: rdb, key: key, ttl: ttl}
}

// TryLock implements Locker
func (r *Redis) TryLock(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.token != "" {
		return false, nil
	}

	token := uuid.New().String()
	ok, err := r.rdb.SetNX(ctx, r.key, token, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire redis lock: %w", err)
	}
	if ok {
		r.token = token
	}
	return ok, nil
}

// Unlock implements Locker
func (r *Redis) Unlock(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.token == "" {
		return nil
	}
	token := r.token
	r.token = ""

	if err := releaseScript.Run(ctx, r.rdb, []string{r.key}, token).Err(); err != nil {
		return fmt.Errorf("failed to release redis lock: %w", err)
	}
	return nil
}

// Locked implements Locker
func (r *Redis) Locked(ctx context.Context) (bool, error) {
	n, err := r.rdb.Exists(ctx, r.key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to inspect redis lock: %w", err)
	}
	return n > 0, nil
}
