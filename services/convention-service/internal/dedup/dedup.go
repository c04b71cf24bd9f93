// Package dedup makes handler side effects effectively-once across crawler
// retries, keyed by (event id, handler id).
package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/eventbus"
	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/events"
)

const (
	// DefaultLease bounds how long a claim survives a handler that died
	// before completing or releasing it.
	DefaultLease = 5 * time.Minute
	// DefaultRetention is how long completed keys are remembered in stores
	// that expire them.
	DefaultRetention = 7 * 24 * time.Hour
)

type Key struct {
	EventID   uuid.UUID
	HandlerID string
}

func (k Key) String() string {
	return k.EventID.String() + ":" + k.HandlerID
}

// ErrClaimHeld means another attempt holds a live claim on the key and has
// neither completed nor released it. The side effect may not have happened.
var ErrClaimHeld = errors.New("dedup claim held by another attempt")

type ClaimState int

const (
	// Claimed: the caller now holds the key and must Complete or Release it.
	Claimed ClaimState = iota
	// Completed: the side effect already happened.
	Completed
	// Held: a live claim that is not completed.
	Held
)

func (s ClaimState) String() string {
	switch s {
	case Claimed:
		return "claimed"
	case Completed:
		return "completed"
	case Held:
		return "held"
	default:
		return fmt.Sprintf("ClaimState(%d)", int(s))
	}
}

type Store interface {
	Claim(ctx context.Context, k Key) (ClaimState, error)
	Complete(ctx context.Context, k Key) error
	Release(ctx context.Context, k Key) error
}

// Once wraps h so it runs at most once to completion per event. Only a
// completed key is skipped; a held claim fails the attempt so it is retried
// once the lease lapses. A handler error releases the claim.
func Once(store Store, handlerID string, h eventbus.Handler, logger *slog.Logger) eventbus.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, evt events.Event) (err error) {
		k := Key{EventID: evt.ID, HandlerID: handlerID}
		state, err := store.Claim(ctx, k)
		if err != nil {
			return fmt.Errorf("dedup claim %s: %w", k, err)
		}
		switch state {
		case Completed:
			logger.InfoContext(ctx, "handler already ran for event, skipped",
				"event_id", evt.ID.String(), "topic", string(evt.Topic), "handler", handlerID)
			return nil
		case Held:
			return fmt.Errorf("%w: %s", ErrClaimHeld, k)
		}

		defer func() {
			if r := recover(); r != nil {
				release(ctx, store, k, logger)
				panic(r)
			}
		}()

		if err := h(ctx, evt); err != nil {
			release(ctx, store, k, logger)
			return err
		}
		if err := store.Complete(context.WithoutCancel(ctx), k); err != nil {
			// The side effect happened; the claim lapses after the lease.
			logger.WarnContext(ctx, "dedup completion not stored", "key", k.String(), "err", err)
		}
		return nil
	}
}

func release(ctx context.Context, store Store, k Key, logger *slog.Logger) {
	if err := store.Release(context.WithoutCancel(ctx), k); err != nil {
		logger.WarnContext(ctx, "dedup release failed", "key", k.String(), "err", err)
	}
}
