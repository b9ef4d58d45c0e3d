package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/anvillabs/crucible/internal/store"
)

// Aliases for the interface-level sentinels, so code inside this package
// and its tests can reference them without the extra import.
var (
	ErrNotFound           = store.ErrNotFound
	ErrDuplicateEmail     = store.ErrDuplicateEmail
	ErrDuplicateKey       = store.ErrDuplicateKey
	ErrInvalidCredentials = store.ErrInvalidCredentials
)

// uniqueViolation is the PostgreSQL SQLSTATE for a unique constraint
// failure.
const uniqueViolation = "23505"

// isUniqueViolation reports whether err carries SQLSTATE 23505. The pgx
// stdlib driver surfaces server errors as *pgconn.PgError.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
