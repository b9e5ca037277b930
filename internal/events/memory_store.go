package events

import (
	"context"
	"sort"
	"sync"
	"time"
)

// retention bounds how long the memory store keeps samples. Anything older
// than the decision window by a wide margin is dead weight.
const retention = time.Hour

// MemoryStore keeps samples in memory for demo/testing.
type MemoryStore struct {
	mu      sync.RWMutex
	samples []*Sample
}

// NewMemoryStore creates an in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Record(_ context.Context, sample *Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *sample
	s.samples = append(s.samples, &cp)
	s.prune()
	return nil
}

// prune drops samples past retention (caller holds lock).
func (s *MemoryStore) prune() {
	cutoff := time.Now().Add(-retention)
	start := 0
	for start < len(s.samples) && s.samples[start].CreatedAt.Before(cutoff) {
		start++
	}
	if start > 0 {
		s.samples = s.samples[start:]
	}
}

func (s *MemoryStore) StatsSince(_ context.Context, cutoff time.Time) (*ActivityStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &ActivityStats{}
	actors := make(map[string]struct{})
	for _, sample := range s.samples {
		if sample.CreatedAt.Before(cutoff) {
			continue
		}
		switch sample.Kind {
		case KindSignup:
			stats.Signups++
		case KindMessage:
			stats.Messages++
		case KindFailedLogin:
			stats.FailedLogins++
		}
		if sample.ActorID != "" {
			actors[sample.ActorID] = struct{}{}
		}
	}
	stats.ActiveUsers = len(actors)
	return stats, nil
}

func (s *MemoryStore) TopActors(_ context.Context, cutoff time.Time, limit int) ([]ActorCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 5
	}

	counts := make(map[string]int)
	for _, sample := range s.samples {
		if sample.CreatedAt.Before(cutoff) || sample.ActorID == "" {
			continue
		}
		counts[sample.ActorID]++
	}

	result := make([]ActorCount, 0, len(counts))
	for id, n := range counts {
		result = append(result, ActorCount{ActorID: id, Events: n})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Events != result[j].Events {
			return result[i].Events > result[j].Events
		}
		return result[i].ActorID < result[j].ActorID
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
