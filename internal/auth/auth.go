// Package auth authenticates callers of the engine API.
//
// Two credential types exist:
//   - Operator API keys ("key_..."): issued to humans, SHA-256 hashed at
//     rest, revocable. An operator key resolves to a human actor.
//   - The engine secret: a single shared token carried by the policy loop's
//     requests. It resolves to the autonomous actor and is compared in
//     constant time.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/navidesk/sentinel/internal/actor"
)

var (
	ErrNoCredential = errors.New("auth: credential required")
	ErrInvalidKey   = errors.New("auth: invalid or revoked API key")
	ErrKeyNotFound  = errors.New("auth: API key not found")
)

// Key is an operator API key. The raw key is shown once at creation; only
// the hash is stored.
type Key struct {
	ID         string     `json:"id"`
	Hash       string     `json:"-"`
	OperatorID string     `json:"operatorId"`
	Name       string     `json:"name"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsed   time.Time  `json:"lastUsed,omitempty"`
	Revoked    bool       `json:"revoked"`
	RevokedAt  *time.Time `json:"revokedAt,omitempty"`
}

// Store persists operator keys.
type Store interface {
	Create(ctx context.Context, key *Key) error
	GetByHash(ctx context.Context, hash string) (*Key, error)
	ListByOperator(ctx context.Context, operatorID string) ([]*Key, error)
	Update(ctx context.Context, key *Key) error
}

// Manager validates credentials and resolves them to actors.
type Manager struct {
	store        Store
	engineSecret string
}

// NewManager creates the auth manager. engineSecret is the shared token the
// policy loop presents.
func NewManager(store Store, engineSecret string) *Manager {
	return &Manager{store: store, engineSecret: engineSecret}
}

// GenerateKey issues a new operator key. The raw key is returned once and
// never stored.
func (m *Manager) GenerateKey(ctx context.Context, operatorID, name string) (rawKey string, key *Key, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}

	rawKey = "key_" + hex.EncodeToString(b)
	key = &Key{
		ID:         "opk_" + hex.EncodeToString(b[:8]),
		Hash:       hashKey(rawKey),
		OperatorID: operatorID,
		Name:       name,
		CreatedAt:  time.Now(),
	}

	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}

// Resolve maps a presented credential to an actor.
func (m *Manager) Resolve(ctx context.Context, credential string) (actor.Actor, error) {
	credential = strings.TrimPrefix(credential, "Bearer ")
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return actor.Actor{}, ErrNoCredential
	}

	if m.engineSecret != "" &&
		subtle.ConstantTimeCompare([]byte(credential), []byte(m.engineSecret)) == 1 {
		return actor.Autonomous(), nil
	}

	if !strings.HasPrefix(credential, "key_") {
		return actor.Actor{}, ErrInvalidKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(credential))
	if err != nil {
		return actor.Actor{}, ErrInvalidKey
	}
	if key.Revoked {
		return actor.Actor{}, ErrInvalidKey
	}

	// Last-used bookkeeping must never block the request.
	go func() {
		key.LastUsed = time.Now()
		_ = m.store.Update(context.Background(), key)
	}()

	return actor.Human(key.OperatorID), nil
}

// ListKeys returns an operator's keys.
func (m *Manager) ListKeys(ctx context.Context, operatorID string) ([]*Key, error) {
	return m.store.ListByOperator(ctx, operatorID)
}

// RevokeKey revokes one of an operator's keys.
func (m *Manager) RevokeKey(ctx context.Context, operatorID, keyID string) error {
	keys, err := m.store.ListByOperator(ctx, operatorID)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID != keyID {
			continue
		}
		if k.Revoked {
			return nil
		}
		now := time.Now()
		k.Revoked = true
		k.RevokedAt = &now
		return m.store.Update(ctx, k)
	}
	return ErrKeyNotFound
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
