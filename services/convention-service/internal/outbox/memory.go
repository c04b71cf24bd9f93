package outbox

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/conventions/libs/db"
	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/events"
)

// MemoryStore keeps events in process. Save stages writes on a db.Staged
// transaction (see db.MemoryRunner) so they land only on commit; with any
// other Tx the write is applied immediately.
type MemoryStore struct {
	mu     sync.Mutex
	seq    int64
	events map[uuid.UUID]*memoryRecord

	// SaveErr, when set, makes Save fail before staging anything.
	SaveErr error
}

type memoryRecord struct {
	seq   int64
	event events.Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: map[uuid.UUID]*memoryRecord{}}
}

func (s *MemoryStore) Save(_ context.Context, tx db.Tx, evts ...events.Event) error {
	s.mu.Lock()
	saveErr := s.SaveErr
	s.mu.Unlock()
	if saveErr != nil {
		return saveErr
	}

	batch := make([]events.Event, len(evts))
	copy(batch, evts)
	apply := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, evt := range batch {
			s.seq++
			evt.Publications = nil
			s.events[evt.ID] = &memoryRecord{seq: s.seq, event: evt}
		}
	}
	if staged, ok := tx.(db.Staged); ok {
		staged.OnCommit(apply)
		return nil
	}
	apply()
	return nil
}

func (s *MemoryStore) Unpublished(_ context.Context, limit int) ([]events.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []events.Event
	for _, rec := range s.sorted(false) {
		if rec.event.Quarantined || rec.event.Published() {
			continue
		}
		out = append(out, clone(rec.event))
		if len(out) == batchLimit(limit) {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkPublicationResult(_ context.Context, id uuid.UUID, p events.Publication) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.events[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	rec.event = rec.event.WithPublication(p)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (events.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.events[id]
	if !ok {
		return events.Event{}, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	return clone(rec.event), nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]events.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []events.Event
	for _, rec := range s.sorted(true) {
		if !f.matches(rec.event) {
			continue
		}
		out = append(out, clone(rec.event))
		if len(out) == f.limit() {
			break
		}
	}
	return out, nil
}

// All returns every stored event, oldest first.
func (s *MemoryStore) All() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]events.Event, 0, len(s.events))
	for _, rec := range s.sorted(false) {
		out = append(out, clone(rec.event))
	}
	return out
}

func (s *MemoryStore) sorted(newestFirst bool) []*memoryRecord {
	recs := make([]*memoryRecord, 0, len(s.events))
	for _, rec := range s.events {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if !a.event.OccurredAt.Equal(b.event.OccurredAt) {
			if newestFirst {
				return a.event.OccurredAt.After(b.event.OccurredAt)
			}
			return a.event.OccurredAt.Before(b.event.OccurredAt)
		}
		if newestFirst {
			return a.seq > b.seq
		}
		return a.seq < b.seq
	})
	return recs
}

func clone(e events.Event) events.Event {
	e.Publications = append([]events.Publication(nil), e.Publications...)
	return e
}

var (
	_ Store   = (*MemoryStore)(nil)
	_ Auditor = (*MemoryStore)(nil)
)
