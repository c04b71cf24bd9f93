package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/conventions/libs/db"
	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/events"
)

const (
	DefaultBatchSize = 50
	DefaultListLimit = 100
	MaxListLimit     = 500
)

var ErrEventNotFound = errors.New("outbox event not found")

// Saver is what producers need: append events inside their own transaction.
type Saver interface {
	Save(ctx context.Context, tx db.Tx, evts ...events.Event) error
}

// Store is the full dispatch-side contract.
type Store interface {
	Saver
	// Unpublished returns non-quarantined events without a successful
	// publication, oldest first, with their publication history.
	Unpublished(ctx context.Context, limit int) ([]events.Event, error)
	// MarkPublicationResult appends one publication attempt to the event.
	MarkPublicationResult(ctx context.Context, id uuid.UUID, p events.Publication) error
}

// Auditor exposes the full event history, quarantined and failed included.
type Auditor interface {
	Get(ctx context.Context, id uuid.UUID) (events.Event, error)
	List(ctx context.Context, f Filter) ([]events.Event, error)
}

type Status string

const (
	StatusAll         Status = ""
	StatusPublished   Status = "published"
	StatusUnpublished Status = "unpublished"
	StatusQuarantined Status = "quarantined"
)

func ParseStatus(raw string) (Status, bool) {
	switch s := Status(raw); s {
	case StatusAll, StatusPublished, StatusUnpublished, StatusQuarantined:
		return s, true
	default:
		return "", false
	}
}

// Filter selects events for the audit listing, newest first.
type Filter struct {
	Topic  events.Topic
	Status Status
	Before time.Time
	Limit  int
}

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return f.Limit
	}
}

func (f Filter) matches(e events.Event) bool {
	if f.Topic != "" && e.Topic != f.Topic {
		return false
	}
	if !f.Before.IsZero() && !e.OccurredAt.Before(f.Before) {
		return false
	}
	switch f.Status {
	case StatusPublished:
		return e.Published()
	case StatusUnpublished:
		return !e.Quarantined && !e.Published()
	case StatusQuarantined:
		return e.Quarantined
	}
	return true
}

func batchLimit(limit int) int {
	if limit <= 0 {
		return DefaultBatchSize
	}
	return limit
}
