package postgres

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/anvillabs/crucible/internal/models"
)

// APIKeyStore implements store.APIKeyStore using PostgreSQL.
type APIKeyStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// Create persists a new key record. Fills in ID and CreatedAt when the
// caller left them zero.
func (s *APIKeyStore) Create(ctx context.Context, key *models.APIKey) error {
	if key.ID == "" {
		key.ID = uuid.New().String()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO api_keys (id, user_id, name, key_hash, scopes, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.db.ExecContext(ctx, query,
		key.ID, key.UserID, key.Name, key.KeyHash,
		pq.Array(key.Scopes), key.CreatedAt, key.ExpiresAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	return err
}

// GetByHash retrieves a key by its SHA-256 hash, nil if absent.
func (s *APIKeyStore) GetByHash(ctx context.Context, hash string) (*models.APIKey, error) {
	query := `
		SELECT id, user_id, name, key_hash, scopes, created_at, expires_at, last_used_at
		FROM api_keys WHERE key_hash = $1
	`

	var key models.APIKey
	err := s.db.QueryRowContext(ctx, query, hash).Scan(
		&key.ID, &key.UserID, &key.Name, &key.KeyHash,
		pq.Array(&key.Scopes), &key.CreatedAt, &key.ExpiresAt, &key.LastUsedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// ListByUser retrieves all keys belonging to a user, newest first.
func (s *APIKeyStore) ListByUser(ctx context.Context, userID string) ([]*models.APIKey, error) {
	query := `
		SELECT id, user_id, name, key_hash, scopes, created_at, expires_at, last_used_at
		FROM api_keys WHERE user_id = $1 ORDER BY created_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var key models.APIKey
		if err := rows.Scan(
			&key.ID, &key.UserID, &key.Name, &key.KeyHash,
			pq.Array(&key.Scopes), &key.CreatedAt, &key.ExpiresAt, &key.LastUsedAt,
		); err != nil {
			return nil, err
		}
		keys = append(keys, &key)
	}
	return keys, rows.Err()
}

// Delete removes a key by ID.
func (s *APIKeyStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastUsed records that the key just authenticated a request.
func (s *APIKeyStore) TouchLastUsed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, id,
	)
	return err
}
