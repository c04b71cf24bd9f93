package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/md-rashed-zaman/conventions/libs/db"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps claims in the handler_dedup table.
type PostgresStore struct {
	db    execer
	lease time.Duration
}

func NewPostgresStore(pool *db.Pool, lease time.Duration) *PostgresStore {
	return newPostgresStore(pool, lease)
}

func newPostgresStore(e execer, lease time.Duration) *PostgresStore {
	if lease <= 0 {
		lease = DefaultLease
	}
	return &PostgresStore{db: e, lease: lease}
}

func (s *PostgresStore) Claim(ctx context.Context, k Key) (ClaimState, error) {
	_, err := s.db.Exec(ctx, `
		INSERT INTO handler_dedup (event_id, handler_id)
		VALUES ($1, $2)
	`, k.EventID, k.HandlerID)
	if err == nil {
		return Claimed, nil
	}
	if !db.IsUniqueViolation(err) {
		return Held, err
	}

	// Take over a claim whose holder never finished.
	tag, err := s.db.Exec(ctx, `
		UPDATE handler_dedup
		SET claimed_at = now()
		WHERE event_id = $1 AND handler_id = $2
		  AND completed_at IS NULL
		  AND claimed_at < now() - make_interval(secs => $3)
	`, k.EventID, k.HandlerID, s.lease.Seconds())
	if err != nil {
		return Held, fmt.Errorf("reclaim: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return Claimed, nil
	}

	var completed bool
	err = s.db.QueryRow(ctx, `
		SELECT completed_at IS NOT NULL
		FROM handler_dedup
		WHERE event_id = $1 AND handler_id = $2
	`, k.EventID, k.HandlerID).Scan(&completed)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// Released between the statements; the next attempt claims it.
		return Held, nil
	case err != nil:
		return Held, fmt.Errorf("claim state: %w", err)
	case completed:
		return Completed, nil
	default:
		return Held, nil
	}
}

func (s *PostgresStore) Complete(ctx context.Context, k Key) error {
	_, err := s.db.Exec(ctx, `
		UPDATE handler_dedup SET completed_at = now()
		WHERE event_id = $1 AND handler_id = $2
	`, k.EventID, k.HandlerID)
	return err
}

func (s *PostgresStore) Release(ctx context.Context, k Key) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM handler_dedup
		WHERE event_id = $1 AND handler_id = $2 AND completed_at IS NULL
	`, k.EventID, k.HandlerID)
	return err
}
