// Package moderation holds the enforcement records the rest of the platform
// consults to decide whether a user is restricted.
//
// Expiry is advisory: nothing sweeps expired rows in the background, so
// consumers must check ExpiresAt at read time via InEffect.
package moderation

import (
	"context"
	"time"

	"github.com/navidesk/sentinel/internal/actor"
)

// ActionType classifies an enforcement record.
type ActionType string

const (
	TypeWarn     ActionType = "warn"
	TypeTempBan  ActionType = "temp_ban"
	TypePermBan  ActionType = "perm_ban"
	TypeLockdown ActionType = "lockdown"
)

// Action is one enforcement record against a user.
type Action struct {
	ID           string      `json:"id"`
	TargetUserID string      `json:"targetUserId"`
	Type         ActionType  `json:"actionType"`
	Reason       string      `json:"reason"`
	ExpiresAt    *time.Time  `json:"expiresAt,omitempty"`
	Active       bool        `json:"isActive"`
	Actor        actor.Actor `json:"actor"`
	CreatedAt    time.Time   `json:"createdAt"`
}

// InEffect reports whether the record currently restricts its target.
func (a *Action) InEffect(now time.Time) bool {
	if !a.Active {
		return false
	}
	if a.ExpiresAt != nil && !a.ExpiresAt.After(now) {
		return false
	}
	return true
}

// Store persists enforcement records.
type Store interface {
	Create(ctx context.Context, a *Action) error
	// ActiveFor returns records still flagged active for a user. Callers
	// filter natural expiry with InEffect.
	ActiveFor(ctx context.Context, targetUserID string) ([]*Action, error)
	// DeactivateRecent flips Active off on the most recent matching record
	// created after cutoff. Returns false when nothing matched.
	DeactivateRecent(ctx context.Context, targetUserID string, t ActionType, cutoff time.Time) (bool, error)
}

// IsRestricted reports whether any enforcement record is in effect for the
// user right now.
func IsRestricted(ctx context.Context, s Store, targetUserID string, now time.Time) (bool, error) {
	actions, err := s.ActiveFor(ctx, targetUserID)
	if err != nil {
		return false, err
	}
	for _, a := range actions {
		if a.InEffect(now) {
			return true, nil
		}
	}
	return false, nil
}
