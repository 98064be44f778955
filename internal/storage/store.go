package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SchedulerLockKey is the advisory lock id scheduler instances compete for.
const SchedulerLockKey int64 = 42

type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

// Leader returns an elector for the advisory lock key.
func (s *Store) Leader(key int64) *Leader { return &Leader{db: s.db, key: key} }

// Leader holds a Postgres session advisory lock. Session locks belong to a
// connection, so the winning connection is kept out of the pool until
// Release. Not safe for concurrent use.
type Leader struct {
	db   *pgxpool.Pool
	key  int64
	conn *pgxpool.Conn
}

// TryAcquire reports whether this process holds the lock, taking it if free.
// If the held connection has died the lock is gone with it and false is returned.
func (l *Leader) TryAcquire(ctx context.Context) (bool, error) {
	if l.conn != nil {
		if err := l.conn.Ping(ctx); err != nil {
			l.conn.Release()
			l.conn = nil
			return false, fmt.Errorf("storage: leader connection lost: %w", err)
		}
		return true, nil
	}

	conn, err := l.db.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("storage: acquire conn: %w", err)
	}
	var ok bool
	if err := conn.QueryRow(ctx, `select pg_try_advisory_lock($1)`, l.key).Scan(&ok); err != nil {
		conn.Release()
		return false, fmt.Errorf("storage: try advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Release gives up the lock if held.
func (l *Leader) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	defer func() {
		l.conn.Release()
		l.conn = nil
	}()
	if _, err := l.conn.Exec(ctx, `select pg_advisory_unlock($1)`, l.key); err != nil {
		return fmt.Errorf("storage: advisory unlock: %w", err)
	}
	return nil
}
