package notify

import (
	"context"
	"sync"
)

// MemoryStore keeps notifications in memory for demo/testing.
type MemoryStore struct {
	mu      sync.RWMutex
	notices []*Notification
}

// NewMemoryStore creates an in-memory notification store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Create(_ context.Context, n *Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *n
	s.notices = append(s.notices, &cp)
	return nil
}

func (s *MemoryStore) ListFor(_ context.Context, userID string, limit int) ([]*Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	var result []*Notification
	for i := len(s.notices) - 1; i >= 0 && len(result) < limit; i-- {
		n := s.notices[i]
		if n.Audience == AudienceAll || n.UserID == userID {
			cp := *n
			result = append(result, &cp)
		}
	}
	return result, nil
}

// All returns every stored notification (for testing).
func (s *MemoryStore) All() []*Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Notification, len(s.notices))
	for i, n := range s.notices {
		cp := *n
		result[i] = &cp
	}
	return result
}
