package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/navidesk/sentinel/internal/actor"
)

// PostgresStore persists entries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates an audit store backed by PostgreSQL.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const insertEntry = `
	INSERT INTO auto_actions
		(id, action_type, target_user_id, reason, trigger_stats, threat_level, created_by, created_at)
	VALUES ($1, $2, NULLIF($3, ''), $4, $5::JSONB, $6, $7, $8)`

func (s *PostgresStore) Create(ctx context.Context, e *Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, insertEntry,
		e.ID, e.ActionType, e.TargetUserID, e.Reason, statsJSON(e), e.ThreatLevel,
		e.Actor.NullableID(), e.CreatedAt)
	return err
}

func (s *PostgresStore) CreateIfNoneSince(ctx context.Context, e *Entry, window time.Duration) (bool, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	// Serialize concurrent limit checks for the same scope. The advisory
	// lock is released at commit/rollback, so two callers racing on the
	// same action type cannot both pass the freshness check.
	scope := e.ActionType + "/" + e.TargetUserID
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, scope); err != nil {
		return false, err
	}

	var exists bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM auto_actions
			WHERE action_type = $1
			  AND created_at > $2
			  AND ($3 = '' OR target_user_id = $3)
		)
	`, e.ActionType, time.Now().Add(-window), e.TargetUserID).Scan(&exists)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, insertEntry,
		e.ID, e.ActionType, e.TargetUserID, e.Reason, statsJSON(e), e.ThreatLevel,
		e.Actor.NullableID(), e.CreatedAt); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

const selectEntry = `
	SELECT id, action_type, COALESCE(target_user_id, ''), reason,
		COALESCE(trigger_stats::TEXT, ''), threat_level, created_by, created_at,
		reversed, reversed_at, COALESCE(reversed_by, '')
	FROM auto_actions`

func (s *PostgresStore) Get(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, selectEntry+` WHERE id = $1`, id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*Entry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	query := selectEntry + ` WHERE 1=1`
	args := []interface{}{}
	idx := 1
	if f.ActionType != "" {
		query += fmt.Sprintf(" AND action_type = $%d", idx)
		args = append(args, f.ActionType)
		idx++
	}
	if f.TargetUserID != "" {
		query += fmt.Sprintf(" AND target_user_id = $%d", idx)
		args = append(args, f.TargetUserID)
		idx++
	}
	if !f.Since.IsZero() {
		query += fmt.Sprintf(" AND created_at >= $%d", idx)
		args = append(args, f.Since)
		idx++
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", idx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) MarkReversed(ctx context.Context, id, by string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE auto_actions
		SET reversed = TRUE, reversed_at = $2, reversed_by = $3
		WHERE id = $1 AND reversed = FALSE
	`, id, at, by)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	// Distinguish "already reversed" from "missing".
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM auto_actions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	e := &Entry{}
	var stats string
	var createdBy sql.NullString
	var reversedAt sql.NullTime
	if err := row.Scan(&e.ID, &e.ActionType, &e.TargetUserID, &e.Reason,
		&stats, &e.ThreatLevel, &createdBy, &e.CreatedAt,
		&e.Reversed, &reversedAt, &e.ReversedBy); err != nil {
		return nil, err
	}
	if stats != "" {
		e.TriggerStats = []byte(stats)
	}
	e.Actor = actor.FromNullableID(createdBy)
	if reversedAt.Valid {
		t := reversedAt.Time
		e.ReversedAt = &t
	}
	return e, nil
}

func statsJSON(e *Entry) string {
	if len(e.TriggerStats) == 0 {
		return "{}"
	}
	return string(e.TriggerStats)
}
