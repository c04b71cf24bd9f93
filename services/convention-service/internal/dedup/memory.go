package dedup

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	claimedAt time.Time
	done      bool
}

type MemoryStore struct {
	mu      sync.Mutex
	entries map[Key]memoryEntry
	lease   time.Duration
	now     func() time.Time
}

func NewMemoryStore(lease time.Duration, now func() time.Time) *MemoryStore {
	if lease <= 0 {
		lease = DefaultLease
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{entries: map[Key]memoryEntry{}, lease: lease, now: now}
}

func (s *MemoryStore) Claim(_ context.Context, k Key) (ClaimState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k]
	switch {
	case ok && e.done:
		return Completed, nil
	case ok && s.now().Sub(e.claimedAt) < s.lease:
		return Held, nil
	}
	s.entries[k] = memoryEntry{claimedAt: s.now()}
	return Claimed, nil
}

func (s *MemoryStore) Complete(_ context.Context, k Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[k]
	e.done = true
	s.entries[k] = e
	return nil
}

func (s *MemoryStore) Release(_ context.Context, k Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[k]; ok && !e.done {
		delete(s.entries, k)
	}
	return nil
}
