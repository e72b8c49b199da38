package lock

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
)

// Postgres is a session-level advisory lock. Advisory locks belong to the connection that
// took them, so the lock pins one pooled connection for as long as it is held.
type Postgres struct {
	db  *sql.DB
	key int64

	mu   sync.Mutex
	conn *sql.Conn
}

// NewPostgres creates an advisory lock on key
func NewPostgres(db *sql.DB, key int64) *Postgres {
	return &Postgres{db: db, key: key}
}

// TryLock implements Locker
func (p *Postgres) TryLock(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil {
		return false, nil
	}

	conn, err := p.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to reserve lock connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, p.key).Scan(&acquired); err != nil {
		conn.Close()
		return false, fmt.Errorf("failed to try advisory lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}

	p.conn = conn
	return true, nil
}

// Unlock implements Locker
func (p *Postgres) Unlock(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		return nil
	}
	conn := p.conn
	p.conn = nil
	// closing the connection ends the session, which drops the lock even if the unlock fails
	defer conn.Close()

	var released bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock($1)`, p.key).Scan(&released); err != nil {
		return fmt.Errorf("failed to release advisory lock: %w", err)
	}
	if !released {
		slog.Warn("advisory lock was not held at release", "key", p.key)
	}
	return nil
}

// Locked implements Locker
func (p *Postgres) Locked(ctx context.Context) (bool, error) {
	p.mu.Lock()
	held := p.conn != nil
	p.mu.Unlock()
	if held {
		return true, nil
	}

	var locked bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_locks
			WHERE locktype = 'advisory' AND classid = 0 AND objid = $1 AND objsubid = 1 AND granted
		)`, p.key).Scan(&locked)
	if err != nil {
		return false, fmt.Errorf("failed to inspect advisory locks: %w", err)
	}
	return locked, nil
}
