// Package distlock elects a single sweeper across scheduler instances.
// Redis backs the lock when available; Postgres advisory locks are the
// fallback so a single-store deployment still gets mutual exclusion.
package distlock

import (
	"context"
	"database/sql"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistLock is a non-blocking distributed lock. Instances are not safe for
// concurrent use; give each goroutine its own.
type DistLock interface {
	// Acquire attempts the lock without blocking. True means this holder
	// owns it until Release or expiry.
	Acquire(ctx context.Context) (bool, error)
	// Release gives the lock up if still owned; releasing a lost lock is
	// a no-op.
	Release(ctx context.Context) error
}

// New picks the backend: Redis when a client is provided, otherwise a
// Postgres advisory lock keyed off the same name.
func New(redisClient *redis.Client, db *sql.DB, name string, ttl time.Duration) DistLock {
	if redisClient != nil {
		return NewRedisLock(redisClient, name, ttl)
	}
	return NewPGAdvisoryLock(db, name)
}

// PGAdvisoryLock uses pg_try_advisory_lock, which is session scoped: the
// lock dies with the connection, so a crashed holder cannot wedge the
// scheduler.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64
}

// NewPGAdvisoryLock derives a stable 64-bit lock id from the name.
func NewPGAdvisoryLock(db *sql.DB, name string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(name))
	return &PGAdvisoryLock{db: db, lockID: int64(h.Sum64())}
}

// Acquire tries the advisory lock without blocking.
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	var acquired bool
	err := l.db.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired)
	return acquired, err
}

// Release unlocks the advisory lock.
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}
