package moderation

import (
	"context"
	"database/sql"
	"time"

	"github.com/navidesk/sentinel/internal/actor"
)

// PostgresStore persists enforcement records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a moderation store backed by PostgreSQL.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, a *Action) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO moderation_actions
			(id, target_user_id, action_type, reason, expires_at, is_active, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.ID, a.TargetUserID, string(a.Type), a.Reason, a.ExpiresAt, a.Active,
		a.Actor.NullableID(), a.CreatedAt)
	return err
}

func (s *PostgresStore) ActiveFor(ctx context.Context, targetUserID string) ([]*Action, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, target_user_id, action_type, reason, expires_at, is_active, created_by, created_at
		FROM moderation_actions
		WHERE target_user_id = $1 AND is_active = TRUE
		ORDER BY created_at DESC
	`, targetUserID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Action
	for rows.Next() {
		a := &Action{}
		var expiresAt sql.NullTime
		var createdBy sql.NullString
		var actionType string
		if err := rows.Scan(&a.ID, &a.TargetUserID, &actionType, &a.Reason,
			&expiresAt, &a.Active, &createdBy, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Type = ActionType(actionType)
		if expiresAt.Valid {
			t := expiresAt.Time
			a.ExpiresAt = &t
		}
		a.Actor = actor.FromNullableID(createdBy)
		result = append(result, a)
	}
	return result, rows.Err()
}

func (s *PostgresStore) DeactivateRecent(ctx context.Context, targetUserID string, t ActionType, cutoff time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE moderation_actions SET is_active = FALSE
		WHERE id = (
			SELECT id FROM moderation_actions
			WHERE target_user_id = $1 AND action_type = $2 AND is_active = TRUE AND created_at >= $3
			ORDER BY created_at DESC
			LIMIT 1
		)
	`, targetUserID, string(t), cutoff)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
