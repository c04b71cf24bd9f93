package notifications

import (
	"context"
	"fmt"
	"sync"

	"github.com/md-rashed-zaman/conventions/services/convention-service/internal/events"
)

var ErrAgencyNotFound = events.ErrAgencyNotFound

// AgencyDirectory resolves the reviewers of an agency.
type AgencyDirectory interface {
	Agency(ctx context.Context, id string) (events.Agency, error)
}

type MemoryDirectory struct {
	mu       sync.RWMutex
	agencies map[string]events.Agency
}

func NewMemoryDirectory(agencies ...events.Agency) *MemoryDirectory {
	d := &MemoryDirectory{agencies: make(map[string]events.Agency, len(agencies))}
	for _, a := range agencies {
		d.agencies[a.ID] = a
	}
	return d
}

func (d *MemoryDirectory) Put(a events.Agency) {
	d.mu.Lock()
	d.agencies[a.ID] = a
	d.mu.Unlock()
}

func (d *MemoryDirectory) Agency(_ context.Context, id string) (events.Agency, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.agencies[id]
	if !ok {
		return events.Agency{}, fmt.Errorf("%w: %s", ErrAgencyNotFound, id)
	}
	return a, nil
}
