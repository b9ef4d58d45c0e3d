package store

import "errors"

// Sentinel errors every Store implementation maps its backend failures to,
// so callers never match on driver-specific errors.
var (
	// ErrNotFound is returned when a requested resource does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrDuplicateEmail is returned when a user with the email already exists.
	ErrDuplicateEmail = errors.New("email already registered")

	// ErrDuplicateKey is returned when an API key hash collides with an
	// existing record.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrInvalidCredentials is returned when authentication fails. The
	// message never says which of email or password was wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")
)
