package moderation

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps enforcement records in memory for demo/testing.
type MemoryStore struct {
	mu      sync.Mutex
	actions []*Action
}

// NewMemoryStore creates an in-memory moderation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Create(_ context.Context, a *Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	cp := *a
	s.actions = append(s.actions, &cp)
	return nil
}

func (s *MemoryStore) ActiveFor(_ context.Context, targetUserID string) ([]*Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*Action
	for _, a := range s.actions {
		if a.TargetUserID == targetUserID && a.Active {
			cp := *a
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) DeactivateRecent(_ context.Context, targetUserID string, t ActionType, cutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *Action
	for _, a := range s.actions {
		if a.TargetUserID != targetUserID || a.Type != t || !a.Active {
			continue
		}
		if a.CreatedAt.Before(cutoff) {
			continue
		}
		if latest == nil || a.CreatedAt.After(latest.CreatedAt) {
			latest = a
		}
	}
	if latest == nil {
		return false, nil
	}
	latest.Active = false
	return true, nil
}

// All returns every stored record (for testing).
func (s *MemoryStore) All() []*Action {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*Action, len(s.actions))
	for i, a := range s.actions {
		cp := *a
		result[i] = &cp
	}
	return result
}
