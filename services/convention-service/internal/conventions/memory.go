package conventions

import (
	"context"
	"fmt"
	"sync"

	"github.com/md-rashed-zaman/conventions/libs/db"
	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/events"
)

// MemoryRepository pairs with db.MemoryRunner: writes are staged on the
// transaction and applied on commit.
type MemoryRepository struct {
	mu          sync.RWMutex
	conventions map[string]events.Convention
	agencies    map[string]events.Agency
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		conventions: map[string]events.Convention{},
		agencies:    map[string]events.Agency{},
	}
}

func (r *MemoryRepository) Get(_ context.Context, _ db.Tx, id string) (events.Convention, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conventions[id]
	if !ok {
		return events.Convention{}, fmt.Errorf("%w: %s", ErrConventionNotFound, id)
	}
	return cloneConvention(c), nil
}

func (r *MemoryRepository) Insert(_ context.Context, tx db.Tx, c events.Convention) error {
	r.mu.RLock()
	_, exists := r.conventions[c.ID]
	r.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: %s", ErrConventionExists, c.ID)
	}
	r.stage(tx, func() { r.conventions[c.ID] = cloneConvention(c) })
	return nil
}

func (r *MemoryRepository) Update(_ context.Context, tx db.Tx, c events.Convention) error {
	r.mu.RLock()
	_, exists := r.conventions[c.ID]
	r.mu.RUnlock()
	if !exists {
		return fmt.Errorf("%w: %s", ErrConventionNotFound, c.ID)
	}
	r.stage(tx, func() { r.conventions[c.ID] = cloneConvention(c) })
	return nil
}

func (r *MemoryRepository) SaveAgency(_ context.Context, tx db.Tx, a events.Agency) error {
	r.stage(tx, func() { r.agencies[a.ID] = a })
	return nil
}

func (r *MemoryRepository) Agency(_ context.Context, id string) (events.Agency, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agencies[id]
	if !ok {
		return events.Agency{}, fmt.Errorf("%w: %s", ErrAgencyNotFound, id)
	}
	return a, nil
}

func (r *MemoryRepository) stage(tx db.Tx, apply func()) {
	locked := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		apply()
	}
	if staged, ok := tx.(db.Staged); ok {
		staged.OnCommit(locked)
		return
	}
	locked()
}

func cloneConvention(c events.Convention) events.Convention {
	c.Signatories = append([]events.Signatory(nil), c.Signatories...)
	for i, s := range c.Signatories {
		if s.SignedAt != nil {
			at := *s.SignedAt
			c.Signatories[i].SignedAt = &at
		}
	}
	return c
}
