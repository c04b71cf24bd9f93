package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/conventions/libs/db"
	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/events"
)

// Repository is the Postgres Outbox Store. Events are written through the
// caller's transaction; reads and publication appends use the pool.
type Repository struct {
	pool   *db.Pool
	logger *slog.Logger
}

func NewRepository(pool *db.Pool, logger *slog.Logger) *Repository {
	return &Repository{pool: pool, logger: logger}
}

func (r *Repository) Save(ctx context.Context, tx db.Tx, evts ...events.Event) error {
	for _, evt := range evts {
		payload, err := events.EncodePayload(evt.Payload)
		if err != nil {
			return fmt.Errorf("save event %s: %w", evt.ID, err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO outbox_events (id, topic, payload, occurred_at, quarantined, traceparent, tracestate)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, evt.ID.String(), string(evt.Topic), payload, evt.OccurredAt, evt.Quarantined, evt.Traceparent, evt.Tracestate)
		if err != nil {
			return fmt.Errorf("save event %s (%s): %w", evt.ID, evt.Topic, err)
		}
	}
	return nil
}

const eventColumns = `e.id::text, e.topic, e.payload, e.occurred_at, e.quarantined, e.traceparent, e.tracestate`

// Unpublished quarantines rows whose payload no longer decodes and fetches
// again, so poison rows never hold a batch's slots.
func (r *Repository) Unpublished(ctx context.Context, limit int) ([]events.Event, error) {
	for {
		rows, err := r.pool.Query(ctx, `
			SELECT `+eventColumns+`
			FROM outbox_events e
			WHERE NOT e.quarantined
			  AND NOT EXISTS (
				SELECT 1 FROM outbox_publications p
				WHERE p.event_id = e.id AND p.ok
			  )
			ORDER BY e.occurred_at, e.seq
			LIMIT $1
		`, batchLimit(limit))
		if err != nil {
			return nil, fmt.Errorf("query unpublished events: %w", err)
		}
		evts, err := r.scanEvents(rows)
		if err != nil {
			return nil, err
		}

		ready := evts[:0]
		var poisoned []string
		for _, evt := range evts {
			if events.IsUndecodable(evt.Payload) {
				poisoned = append(poisoned, evt.ID.String())
				continue
			}
			ready = append(ready, evt)
		}
		if len(poisoned) == 0 {
			return r.withPublications(ctx, ready)
		}
		if _, err := r.pool.Exec(ctx, `
			UPDATE outbox_events SET quarantined = TRUE
			WHERE id = ANY($1::uuid[])
		`, poisoned); err != nil {
			return nil, fmt.Errorf("quarantine undecodable events: %w", err)
		}
		if r.logger != nil {
			r.logger.Error("undecodable outbox events quarantined", "event_ids", poisoned)
		}
	}
}

func (r *Repository) MarkPublicationResult(ctx context.Context, id uuid.UUID, p events.Publication) error {
	succeeded := p.Succeeded
	if succeeded == nil {
		succeeded = []string{}
	}
	failures := p.Failures
	if failures == nil {
		failures = []events.HandlerFailure{}
	}
	rawFailures, err := json.Marshal(failures)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO outbox_publications (event_id, attempted_at, ok, succeeded, failures)
		VALUES ($1, $2, $3, $4, $5)
	`, id.String(), p.AttemptedAt, p.Ok(), succeeded, rawFailures)
	if err != nil {
		if db.IsForeignKeyViolation(err) {
			return fmt.Errorf("%w: %s", ErrEventNotFound, id)
		}
		return fmt.Errorf("record publication for %s: %w", id, err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (events.Event, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM outbox_events e
		WHERE e.id = $1
	`, id.String())
	if err != nil {
		return events.Event{}, fmt.Errorf("query event %s: %w", id, err)
	}
	evts, err := r.scanEvents(rows)
	if err != nil {
		return events.Event{}, err
	}
	if len(evts) == 0 {
		return events.Event{}, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	evts, err = r.withPublications(ctx, evts)
	if err != nil {
		return events.Event{}, err
	}
	return evts[0], nil
}

func (r *Repository) List(ctx context.Context, f Filter) ([]events.Event, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Topic != "" {
		where = append(where, "e.topic = "+arg(string(f.Topic)))
	}
	if !f.Before.IsZero() {
		where = append(where, "e.occurred_at < "+arg(f.Before))
	}
	okExists := "EXISTS (SELECT 1 FROM outbox_publications p WHERE p.event_id = e.id AND p.ok)"
	switch f.Status {
	case StatusPublished:
		where = append(where, okExists)
	case StatusUnpublished:
		where = append(where, "NOT e.quarantined", "NOT "+okExists)
	case StatusQuarantined:
		where = append(where, "e.quarantined")
	}

	query := `SELECT ` + eventColumns + ` FROM outbox_events e`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY e.occurred_at DESC, e.seq DESC LIMIT " + arg(f.limit())

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	evts, err := r.scanEvents(rows)
	if err != nil {
		return nil, err
	}
	return r.withPublications(ctx, evts)
}

// scanEvents closes rows. A payload that no longer decodes is kept as
// events.Undecodable so callers can see and handle the row.
func (r *Repository) scanEvents(rows pgx.Rows) ([]events.Event, error) {
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var (
			rawID   string
			topic   string
			payload []byte
			evt     events.Event
		)
		if err := rows.Scan(&rawID, &topic, &payload, &evt.OccurredAt, &evt.Quarantined, &evt.Traceparent, &evt.Tracestate); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		id, err := uuid.Parse(rawID)
		if err != nil {
			return nil, fmt.Errorf("scan event id %q: %w", rawID, err)
		}
		evt.ID = id
		evt.Topic = events.Topic(topic)
		evt.OccurredAt = evt.OccurredAt.UTC()
		evt.Payload, err = events.DecodePayload(evt.Topic, payload)
		if err != nil {
			if r.logger != nil {
				r.logger.Warn("undecodable outbox event", "event_id", rawID, "topic", topic, "err", err)
			}
			evt.Payload = events.NewUndecodable(evt.Topic, payload, err)
		}
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func (r *Repository) withPublications(ctx context.Context, evts []events.Event) ([]events.Event, error) {
	if len(evts) == 0 {
		return evts, nil
	}
	ids := make([]string, 0, len(evts))
	index := make(map[uuid.UUID]int, len(evts))
	for i, e := range evts {
		ids = append(ids, e.ID.String())
		index[e.ID] = i
	}

	rows, err := r.pool.Query(ctx, `
		SELECT event_id::text, attempted_at, succeeded, failures
		FROM outbox_publications
		WHERE event_id = ANY($1::uuid[])
		ORDER BY id
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("query publications: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rawID       string
			pub         events.Publication
			rawFailures []byte
		)
		if err := rows.Scan(&rawID, &pub.AttemptedAt, &pub.Succeeded, &rawFailures); err != nil {
			return nil, fmt.Errorf("scan publication: %w", err)
		}
		if len(rawFailures) > 0 {
			if err := json.Unmarshal(rawFailures, &pub.Failures); err != nil {
				return nil, fmt.Errorf("decode publication failures for %s: %w", rawID, err)
			}
		}
		if len(pub.Failures) == 0 {
			pub.Failures = nil
		}
		pub.AttemptedAt = pub.AttemptedAt.UTC()
		id, err := uuid.Parse(rawID)
		if err != nil {
			return nil, fmt.Errorf("scan publication event id %q: %w", rawID, err)
		}
		if i, ok := index[id]; ok {
			evts[i].Publications = append(evts[i].Publications, pub)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate publications: %w", err)
	}
	return evts, nil
}

var (
	_ Store   = (*Repository)(nil)
	_ Auditor = (*Repository)(nil)
)
