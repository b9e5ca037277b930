package auth

import (
	"context"
	"sync"
)

// MemoryStore keeps operator keys in memory for demo/testing.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*Key // by ID
}

// NewMemoryStore creates an in-memory key store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*Key)}
}

func (s *MemoryStore) Create(_ context.Context, key *Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *MemoryStore) GetByHash(_ context.Context, hash string) (*Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, k := range s.keys {
		if k.Hash == hash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) ListByOperator(_ context.Context, operatorID string) ([]*Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Key
	for _, k := range s.keys {
		if k.OperatorID == operatorID {
			cp := *k
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) Update(_ context.Context, key *Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *key
	s.keys[key.ID] = &cp
	return nil
}
