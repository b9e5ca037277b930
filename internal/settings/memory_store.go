package settings

import (
	"context"
	"sync"
	"time"
)

// MemoryStore holds the settings singleton in memory for demo/testing.
type MemoryStore struct {
	mu      sync.RWMutex
	current *Settings
}

// NewMemoryStore creates an in-memory settings store seeded with defaults.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{current: Defaults()}
}

func (s *MemoryStore) Get(_ context.Context) (*Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp := *s.current
	return &cp, nil
}

func (s *MemoryStore) SetFlag(_ context.Context, name string, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.current.setFlag(name, value); err != nil {
		return err
	}
	s.current.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) Update(_ context.Context, next *Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *next
	cp.UpdatedAt = time.Now()
	s.current = &cp
	return nil
}
