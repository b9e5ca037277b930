// Package events reads and aggregates the observable activity event stream.
//
// Producers elsewhere in the platform append samples (signups, messages,
// failed logins); the engine only ever reads windowed aggregates. A missing
// or empty store yields all-zero metrics: the engine assumes calm, never
// crisis, when data is unavailable.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/navidesk/sentinel/internal/idgen"
)

// Kind is the event classification.
type Kind string

const (
	KindSignup      Kind = "signup"
	KindMessage     Kind = "message"
	KindFailedLogin Kind = "failed_login"
)

// Valid reports whether k is a known event kind.
func (k Kind) Valid() bool {
	switch k {
	case KindSignup, KindMessage, KindFailedLogin:
		return true
	}
	return false
}

// Sample is a single immutable activity event.
type Sample struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	ActorID   string    `json:"actorId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ActivityStats are windowed aggregate counts.
type ActivityStats struct {
	Signups      int `json:"signups"`
	Messages     int `json:"messages"`
	FailedLogins int `json:"failedLogins"`
	ActiveUsers  int `json:"activeUsers"`
}

// ActorCount pairs an actor with their event count inside the window.
type ActorCount struct {
	ActorID string `json:"actorId"`
	Events  int    `json:"events"`
}

// Store persists and aggregates samples.
type Store interface {
	Record(ctx context.Context, s *Sample) error
	StatsSince(ctx context.Context, cutoff time.Time) (*ActivityStats, error)
	TopActors(ctx context.Context, cutoff time.Time, limit int) ([]ActorCount, error)
}

// Window is the trailing aggregation window for all engine decisions.
const Window = 5 * time.Minute

// Aggregator computes windowed metrics from the event store.
type Aggregator struct {
	store  Store
	window time.Duration
	now    func() time.Time
}

// NewAggregator creates an aggregator over the given store.
func NewAggregator(store Store) *Aggregator {
	return &Aggregator{store: store, window: Window, now: time.Now}
}

// WithWindow overrides the aggregation window (tests only).
func (a *Aggregator) WithWindow(w time.Duration) *Aggregator {
	a.window = w
	return a
}

// WithClock overrides the time source (tests only).
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.now = now
	return a
}

// Record validates and appends a sample.
func (a *Aggregator) Record(ctx context.Context, kind Kind, actorID string) (*Sample, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
	s := &Sample{
		ID:        idgen.WithPrefix("evt_"),
		Kind:      kind,
		ActorID:   actorID,
		CreatedAt: a.now(),
	}
	if err := a.store.Record(ctx, s); err != nil {
		return nil, fmt.Errorf("record event: %w", err)
	}
	return s, nil
}

// Snapshot returns counts for the trailing window. No side effects.
func (a *Aggregator) Snapshot(ctx context.Context) (*ActivityStats, error) {
	stats, err := a.store.StatsSince(ctx, a.now().Add(-a.window))
	if err != nil {
		return nil, fmt.Errorf("aggregate events: %w", err)
	}
	return stats, nil
}

// TopOffenders returns the most active actors in the trailing window,
// busiest first. Used to pick lockdown ban targets.
func (a *Aggregator) TopOffenders(ctx context.Context, limit int) ([]ActorCount, error) {
	actors, err := a.store.TopActors(ctx, a.now().Add(-a.window), limit)
	if err != nil {
		return nil, fmt.Errorf("rank actors: %w", err)
	}
	return actors, nil
}
