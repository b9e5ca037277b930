// Package audit is the durable ledger of autonomous actions.
//
// Every action the executor performs produces exactly one entry carrying the
// metrics snapshot that triggered it. Entries are append-only; the reversed
// fields are the only permitted mutation, and only through MarkReversed.
//
// The ledger doubles as the executor's rate-limit substrate: "at most one
// lockdown per hour" and "at most one warn per target per hour" are enforced
// with CreateIfNoneSince, an atomic conditional insert, so concurrent callers
// cannot both succeed.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/navidesk/sentinel/internal/actor"
)

// ErrNotFound is returned when an entry does not exist.
var ErrNotFound = errors.New("audit: entry not found")

// Entry is one autonomous action record.
type Entry struct {
	ID           string          `json:"id"`
	ActionType   string          `json:"actionType"`
	TargetUserID string          `json:"targetUserId,omitempty"`
	Reason       string          `json:"reason"`
	TriggerStats json.RawMessage `json:"triggerStats,omitempty"`
	ThreatLevel  string          `json:"threatLevel"`
	Actor        actor.Actor     `json:"actor"`
	CreatedAt    time.Time       `json:"createdAt"`
	Reversed     bool            `json:"reversed"`
	ReversedAt   *time.Time      `json:"reversedAt,omitempty"`
	ReversedBy   string          `json:"reversedBy,omitempty"`
}

// Filter narrows List results.
type Filter struct {
	ActionType   string
	TargetUserID string
	Since        time.Time
	Limit        int
}

// Store persists entries.
type Store interface {
	Create(ctx context.Context, e *Entry) error
	// CreateIfNoneSince inserts e only if no entry with the same action type
	// (and target, when e has one) exists inside the trailing window. The
	// check and insert are atomic. Returns false when an earlier entry wins.
	CreateIfNoneSince(ctx context.Context, e *Entry, window time.Duration) (bool, error)
	Get(ctx context.Context, id string) (*Entry, error)
	List(ctx context.Context, f Filter) ([]*Entry, error)
	// MarkReversed sets the reversed fields once. Returns false without
	// mutating anything if the entry is already reversed.
	MarkReversed(ctx context.Context, id, by string, at time.Time) (bool, error)
}
