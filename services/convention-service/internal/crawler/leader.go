package crawler

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"

	"github.com/md-rashed-zaman/conventions/libs/db"
)

// Leader elects the single crawler allowed to dispatch a batch.
// TryAcquire returning ok=false means another instance holds the lock.
type Leader interface {
	TryAcquire(ctx context.Context) (release func(), ok bool, err error)
}

// PGAdvisoryLeader holds a session-level Postgres advisory lock for the
// duration of one batch.
type PGAdvisoryLeader struct {
	pool   *db.Pool
	key    int64
	logger *slog.Logger
}

func NewPGAdvisoryLeader(pool *db.Pool, name string, logger *slog.Logger) *PGAdvisoryLeader {
	if logger == nil {
		logger = slog.Default()
	}
	return &PGAdvisoryLeader{pool: pool, key: LockKey(name), logger: logger}
}

// LockKey maps a lock name to the bigint key pg_try_advisory_lock expects.
func LockKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

func (l *PGAdvisoryLeader) TryAcquire(ctx context.Context) (func(), bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire conn: %w", err)
	}
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, l.key).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}
	release := func() {
		if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, l.key); err != nil {
			l.logger.Warn("advisory unlock failed", "err", err)
			// A session lock outlives the query; dropping the connection frees it.
			_ = conn.Conn().Close(context.Background())
		}
		conn.Release()
	}
	return release, true, nil
}

// LocalLeader is an in-process Leader for tests and single-binary setups.
type LocalLeader struct {
	ch chan struct{}
}

func NewLocalLeader() *LocalLeader {
	return &LocalLeader{ch: make(chan struct{}, 1)}
}

func (l *LocalLeader) TryAcquire(context.Context) (func(), bool, error) {
	select {
	case l.ch <- struct{}{}:
		return func() { <-l.ch }, true, nil
	default:
		return nil, false, nil
	}
}
