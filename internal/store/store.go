// Package store defines the persistence interfaces for principals and
// API keys. Build state never goes through here: jobs live only in the
// engine's in-memory registry and die with the process.
package store

import (
	"context"

	"github.com/anvillabs/crucible/internal/models"
)

// UserStore defines operations for principal management.
type UserStore interface {
	// Create creates a new user with a bcrypt-hashed password.
	Create(ctx context.Context, email, password string, role models.Role) (*models.User, error)
	// GetByEmail retrieves a user by email, nil if absent.
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	// GetByID retrieves a user by ID, nil if absent.
	GetByID(ctx context.Context, id string) (*models.User, error)
	// Authenticate verifies credentials and returns the user.
	Authenticate(ctx context.Context, email, password string) (*models.User, error)
	// List retrieves all users.
	List(ctx context.Context) ([]*models.User, error)
	// Delete removes a user and cascades to their API keys.
	Delete(ctx context.Context, id string) error
	// CountByRole returns the number of users holding a role.
	CountByRole(ctx context.Context, role models.Role) (int, error)
}

// APIKeyStore defines operations for API key management.
type APIKeyStore interface {
	// Create persists a new key record. The raw key never reaches the
	// store, only its hash.
	Create(ctx context.Context, key *models.APIKey) error
	// GetByHash retrieves a key by its SHA-256 hash, nil if absent.
	GetByHash(ctx context.Context, hash string) (*models.APIKey, error)
	// ListByUser retrieves all keys belonging to a user.
	ListByUser(ctx context.Context, userID string) ([]*models.APIKey, error)
	// Delete removes a key by ID.
	Delete(ctx context.Context, id string) error
	// TouchLastUsed records that the key just authenticated a request.
	TouchLastUsed(ctx context.Context, id string) error
}

// Store is the main interface for database operations.
type Store interface {
	// Users returns the UserStore for principal operations.
	Users() UserStore
	// APIKeys returns the APIKeyStore for key operations.
	APIKeys() APIKeyStore

	// Ping verifies the backing database is reachable.
	Ping(ctx context.Context) error
	// Close closes the database connection.
	Close() error
}
