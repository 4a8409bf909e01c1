// Package distlock provides the distributed lock used to ensure a single
// campaign scheduler tick runs at a time across engine instances.
package distlock

import (
	"context"
	"database/sql"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lock is the interface for distributed locking. A Lock instance must not be
// shared across goroutines; each goroutine takes its own instance.
type Lock interface {
	// Acquire tries to take the lock. Returns true on success.
	Acquire(ctx context.Context) (bool, error)
	// Release gives up the lock if this instance still owns it.
	Release(ctx context.Context) error
}

// New returns a lock backed by Redis when a client is available, falling
// back to a PostgreSQL advisory lock otherwise. The advisory lock is
// session-scoped: if the connection drops the lock is freed, which gives
// crash safety comparable to the Redis TTL.
func New(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) Lock {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	return NewAdvisoryLock(db, key)
}

// AdvisoryLock implements Lock on top of pg_try_advisory_lock. Advisory
// locks belong to the database session that took them, so the lock pins one
// connection out of the pool for its whole hold: acquire and release must
// land on that same session or the unlock silently no-ops and the lock
// leaks onto an idle pooled connection.
type AdvisoryLock struct {
	db     *sql.DB
	conn   *sql.Conn
	lockID int64
}

// NewAdvisoryLock derives a deterministic advisory lock ID from key.
func NewAdvisoryLock(db *sql.DB, key string) *AdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &AdvisoryLock{db: db, lockID: int64(h.Sum64())}
}

// Acquire attempts the advisory lock without blocking. On success the
// underlying connection is held until Release.
func (l *AdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, err
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, err
	}
	if !acquired {
		conn.Close()
		return false, nil
	}

	l.conn = conn
	return true, nil
}

// Release unlocks the advisory lock on the session that holds it and
// returns the connection to the pool. A no-op when the lock was never
// acquired.
func (l *AdvisoryLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}

	var released bool
	err := l.conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID).Scan(&released)
	closeErr := l.conn.Close()
	l.conn = nil
	if err != nil {
		return err
	}
	return closeErr
}
