// Package actor identifies who caused an enforcement or audit record.
//
// Every mutation in the engine is attributed either to a human operator or to
// the autonomous policy loop. The distinction is an explicit tagged value
// here; the Postgres layer maps the autonomous variant to a NULL created_by
// column so existing consumers of the rows keep the established convention.
package actor

import "database/sql"

// Type discriminates the actor variants.
type Type string

const (
	TypeHuman      Type = "human"
	TypeAutonomous Type = "autonomous"
)

// Actor is who performed an action.
type Actor struct {
	Type Type   `json:"type"`
	ID   string `json:"id,omitempty"` // set only for human actors
}

// Human returns an actor for an authenticated operator.
func Human(id string) Actor {
	return Actor{Type: TypeHuman, ID: id}
}

// Autonomous returns the engine's own actor identity.
func Autonomous() Actor {
	return Actor{Type: TypeAutonomous}
}

// IsAutonomous reports whether the action was machine-initiated.
func (a Actor) IsAutonomous() bool {
	return a.Type == TypeAutonomous
}

// IsZero reports whether the actor is unset (unauthenticated caller).
func (a Actor) IsZero() bool {
	return a.Type == ""
}

// String renders the actor for logs and reversal attribution.
func (a Actor) String() string {
	if a.IsAutonomous() {
		return "autonomous"
	}
	if a.ID == "" {
		return string(a.Type)
	}
	return string(a.Type) + ":" + a.ID
}

// NullableID maps the actor to the nullable created_by column.
// NULL means "the machine did this".
func (a Actor) NullableID() sql.NullString {
	if a.IsAutonomous() || a.ID == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: a.ID, Valid: true}
}

// FromNullableID reconstructs an actor from a created_by column.
func FromNullableID(ns sql.NullString) Actor {
	if !ns.Valid {
		return Autonomous()
	}
	return Human(ns.String)
}
