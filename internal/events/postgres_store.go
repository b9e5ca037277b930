package events

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists samples in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates an event store backed by PostgreSQL.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, sample *Sample) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_events (id, kind, actor_id, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4)
	`, sample.ID, string(sample.Kind), sample.ActorID, sample.CreatedAt)
	return err
}

func (s *PostgresStore) StatsSince(ctx context.Context, cutoff time.Time) (*ActivityStats, error) {
	stats := &ActivityStats{}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE kind = 'signup'),
			COUNT(*) FILTER (WHERE kind = 'message'),
			COUNT(*) FILTER (WHERE kind = 'failed_login'),
			COUNT(DISTINCT actor_id) FILTER (WHERE actor_id IS NOT NULL)
		FROM activity_events
		WHERE created_at >= $1
	`, cutoff).Scan(&stats.Signups, &stats.Messages, &stats.FailedLogins, &stats.ActiveUsers)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *PostgresStore) TopActors(ctx context.Context, cutoff time.Time, limit int) ([]ActorCount, error) {
	if limit <= 0 {
		limit = 5
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT actor_id, COUNT(*) AS events
		FROM activity_events
		WHERE created_at >= $1 AND actor_id IS NOT NULL
		GROUP BY actor_id
		ORDER BY events DESC, actor_id ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []ActorCount
	for rows.Next() {
		var ac ActorCount
		if err := rows.Scan(&ac.ActorID, &ac.Events); err != nil {
			return nil, err
		}
		result = append(result, ac)
	}
	return result, rows.Err()
}
