package distlock

import (
	"context"
	"database/sql"
	"hash/fnv"
)

// AdvisoryLock maps the lock name onto a Postgres advisory lock ID.
// Session scoped: the lock dissolves with the connection, covering a
// crashed owner the way a Redis TTL does.
type AdvisoryLock struct {
	db     *sql.DB
	lockID int64
}

func NewAdvisoryLock(db *sql.DB, name string) *AdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(name))
	return &AdvisoryLock{db: db, lockID: int64(h.Sum64())}
}

func (l *AdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	var acquired bool
	err := l.db.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired)
	return acquired, err
}

func (l *AdvisoryLock) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}
