package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"sync"
	"time"

	"github.com/Keyring-Network/inquiryos/internal/runlock"
)

// advisoryNamespace is the first key of the two-int advisory lock space
// reserved for pipeline runs.
const advisoryNamespace int32 = 6699

// AdvisoryLocker guards pipeline runs with session-level advisory locks so
// exclusivity holds across every process sharing the database.
type AdvisoryLocker struct {
	db             *sql.DB
	releaseTimeout time.Duration
}

func NewAdvisoryLocker(db *sql.DB) *AdvisoryLocker {
	return &AdvisoryLocker{db: db, releaseTimeout: 5 * time.Second}
}

func (p *PostgresStore) Locker() *AdvisoryLocker {
	return NewAdvisoryLocker(p.db)
}

// TryAcquire pins a pooled connection for the lifetime of the lock. The
// advisory lock belongs to that session, so release must run on it too.
func (l *AdvisoryLocker) TryAcquire(ctx context.Context, runID string) (func(), error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1, hashtext($2))", advisoryNamespace, runID).Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("postgres: try advisory lock: %w", err)
	}
	if !acquired {
		_ = conn.Close()
		return nil, runlock.ErrBusy
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(conn, runID) })
	}, nil
}

// release unlocks on the pinned session. Session advisory locks are
// re-entrant, so a session whose unlock failed must never return to the
// pool: the next TryAcquire on it would succeed while the stale hold remains.
// Closing the driver connection ends the session and drops the lock.
func (l *AdvisoryLocker) release(conn *sql.Conn, runID string) {
	releaseCtx, cancel := context.WithTimeout(context.Background(), l.releaseTimeout)
	defer cancel()
	var released bool
	err := conn.QueryRowContext(releaseCtx, "SELECT pg_advisory_unlock($1, hashtext($2))", advisoryNamespace, runID).Scan(&released)
	if err != nil || !released {
		_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	}
	_ = conn.Close()
}

func (l *AdvisoryLocker) Held(ctx context.Context, runID string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM pg_locks
			WHERE locktype = 'advisory'
				AND classid::bigint = $1
				AND objid::bigint = (hashtext($2)::bigint & 4294967295)
				AND objsubid = 2
				AND granted
		)
	`
	var held bool
	if err := l.db.QueryRowContext(ctx, query, advisoryNamespace, runID).Scan(&held); err != nil {
		return false, err
	}
	return held, nil
}
