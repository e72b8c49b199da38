// Package lock provides the single-flight guard that keeps at most one directory sync
// running. The in-process Memory lock serves single-instance deployments; Postgres and
// Redis locks coordinate several instances.
package lock

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/config"
)

// Locker is a non-blocking mutual exclusion primitive
type Locker interface {
	// TryLock acquires the lock if it is free and reports whether it was acquired.
	TryLock(ctx context.Context) (bool, error)
	// Unlock releases a lock acquired by this Locker. Releasing a lock that is not held is a no-op.
	Unlock(ctx context.Context) error
	// Locked reports whether the lock is currently held by anyone.
	Locked(ctx context.Context) (bool, error)
}

// New builds the Locker selected by cfg.Backend
func New(cfg config.LockConfig, db *sql.DB, rdb *redis.Client) (Locker, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(), nil
	case "postgres":
		if db == nil {
			return nil, fmt.Errorf("postgres lock requires a database handle")
		}
		key, err := cfg.AdvisoryKey()
		if err != nil {
			return nil, err
		}
		return NewPostgres(db, int64(key)), nil
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("redis lock requires a redis client")
		}
		return NewRedis(rdb, "dirsync:lock:"+cfg.Key, cfg.TTL), nil
	default:
		return nil, fmt.Errorf("unknown lock backend: %s", cfg.Backend)
	}
}
