package models

import "time"

// Role grants a fixed scope set to a principal.
type Role string

const (
	// RoleAdmin can manage principals and keys in addition to builds.
	RoleAdmin Role = "admin"
	// RoleBuilder can submit builds and collect their results.
	RoleBuilder Role = "builder"
)

// User is a human or CI principal allowed to submit builds.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// APIKey is a long-lived credential for machine principals. Only the
// SHA-256 hash of the raw key is ever stored.
type APIKey struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`
	Scopes     []string   `json:"scopes,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// Expired reports whether the key is past its expiry, if it has one.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}
