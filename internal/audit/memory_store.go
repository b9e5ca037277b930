package audit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps entries in memory for demo/testing.
type MemoryStore struct {
	mu      sync.Mutex
	entries []*Entry
}

// NewMemoryStore creates an in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Create(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.append(e)
	return nil
}

// append stores a copy (caller holds lock).
func (s *MemoryStore) append(e *Entry) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	cp := *e
	s.entries = append(s.entries, &cp)
}

func (s *MemoryStore) CreateIfNoneSince(_ context.Context, e *Entry, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-window)
	for _, existing := range s.entries {
		if existing.ActionType != e.ActionType || existing.CreatedAt.Before(cutoff) {
			continue
		}
		if e.TargetUserID != "" && existing.TargetUserID != e.TargetUserID {
			continue
		}
		return false, nil
	}
	s.append(e)
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.ID == id {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	var result []*Entry
	// Iterate in reverse for descending order
	for i := len(s.entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := s.entries[i]
		if f.ActionType != "" && e.ActionType != f.ActionType {
			continue
		}
		if f.TargetUserID != "" && e.TargetUserID != f.TargetUserID {
			continue
		}
		if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

func (s *MemoryStore) MarkReversed(_ context.Context, id, by string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.ID != id {
			continue
		}
		if e.Reversed {
			return false, nil
		}
		e.Reversed = true
		e.ReversedAt = &at
		e.ReversedBy = by
		return true, nil
	}
	return false, ErrNotFound
}

// Entries returns all stored entries (for testing).
func (s *MemoryStore) Entries() []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*Entry, len(s.entries))
	for i, e := range s.entries {
		cp := *e
		result[i] = &cp
	}
	return result
}
