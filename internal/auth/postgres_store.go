package auth

import (
	"context"
	"database/sql"
)

// PostgresStore persists operator keys in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed key store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, key *Key) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operator_keys (id, hash, operator_id, name, created_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, key.ID, key.Hash, key.OperatorID, key.Name, key.CreatedAt, key.Revoked)
	return err
}

func (s *PostgresStore) GetByHash(ctx context.Context, hash string) (*Key, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, hash, operator_id, name, created_at, last_used, revoked, revoked_at
		FROM operator_keys WHERE hash = $1
	`, hash)
	key, err := scanKey(row)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	return key, err
}

func (s *PostgresStore) ListByOperator(ctx context.Context, operatorID string) ([]*Key, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, hash, operator_id, name, created_at, last_used, revoked, revoked_at
		FROM operator_keys WHERE operator_id = $1 ORDER BY created_at DESC
	`, operatorID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []*Key
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) Update(ctx context.Context, key *Key) error {
	var lastUsed sql.NullTime
	if !key.LastUsed.IsZero() {
		lastUsed = sql.NullTime{Time: key.LastUsed, Valid: true}
	}
	var revokedAt sql.NullTime
	if key.RevokedAt != nil {
		revokedAt = sql.NullTime{Time: *key.RevokedAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE operator_keys
		SET name = $2, last_used = $3, revoked = $4, revoked_at = $5
		WHERE id = $1
	`, key.ID, key.Name, lastUsed, key.Revoked, revokedAt)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (*Key, error) {
	key := &Key{}
	var lastUsed, revokedAt sql.NullTime

	if err := row.Scan(
		&key.ID, &key.Hash, &key.OperatorID, &key.Name,
		&key.CreatedAt, &lastUsed, &key.Revoked, &revokedAt,
	); err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		key.LastUsed = lastUsed.Time
	}
	if revokedAt.Valid {
		key.RevokedAt = &revokedAt.Time
	}
	return key, nil
}
