package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Advisory lock keys. Each background role holds its own key so a sweeper
// and an outbox relay never block each other.
const (
	SweeperLockKey int64 = 0x61646865_00000001
	OutboxLockKey  int64 = 0x61646865_00000002
	PlannerLockKey int64 = 0x61646865_00000003
)

// AdvisoryLock is a session-level pg_try_advisory_lock. The lock lives on
// the connection that took it, so the connection is held until unlock.
type AdvisoryLock struct {
	pool   *pgxpool.Pool
	key    int64
	logger *zap.Logger
}

func NewAdvisoryLock(pool *pgxpool.Pool, key int64, logger *zap.Logger) *AdvisoryLock {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdvisoryLock{pool: pool, key: key, logger: logger}
}

// TryLock returns acquired=false without error when another session holds
// the key.
func (l *AdvisoryLock) TryLock(ctx context.Context) (func(), bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", l.key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", l.key); err != nil {
			// Closing the session releases the lock server-side.
			l.logger.Warn("advisory unlock failed, dropping connection",
				zap.Int64("key", l.key), zap.Error(err))
			_ = conn.Conn().Close(ctx)
		}
		conn.Release()
	}
	return unlock, true, nil
}
