package auth

import (
	"errors"

	"github.com/anvillabs/crucible/internal/models"
)

// ErrPermissionDenied is returned when a principal lacks a required scope.
var ErrPermissionDenied = errors.New("permission denied")

// Scope names an action a principal may perform.
type Scope string

const (
	// ScopeBuildsWrite allows submitting and cancelling builds.
	ScopeBuildsWrite Scope = "builds:write"
	// ScopeBuildsRead allows reading build status, logs, and artifacts.
	ScopeBuildsRead Scope = "builds:read"
	// ScopeSecretsRead allows claiming generated program keypairs.
	ScopeSecretsRead Scope = "secrets:read"
	// ScopeKeysManage allows creating and revoking own API keys.
	ScopeKeysManage Scope = "keys:manage"
	// ScopeUsersManage allows managing principals.
	ScopeUsersManage Scope = "users:manage"
)

// roleScopes defines which scopes each role holds.
var roleScopes = map[models.Role][]Scope{
	models.RoleAdmin: {
		ScopeBuildsWrite,
		ScopeBuildsRead,
		ScopeSecretsRead,
		ScopeKeysManage,
		ScopeUsersManage,
	},
	models.RoleBuilder: {
		ScopeBuildsWrite,
		ScopeBuildsRead,
		ScopeSecretsRead,
		ScopeKeysManage,
	},
}

// ScopesForRole returns the scopes a role holds, in grant order.
func ScopesForRole(role models.Role) []Scope {
	scopes, ok := roleScopes[role]
	if !ok {
		return nil
	}
	out := make([]Scope, len(scopes))
	copy(out, scopes)
	return out
}

// CheckRoleScope checks if a role holds a specific scope.
func CheckRoleScope(role models.Role, scope Scope) error {
	for _, s := range roleScopes[role] {
		if s == scope {
			return nil
		}
	}
	return ErrPermissionDenied
}

// CheckKeyScope checks if an API key grants a scope. A key with no
// explicit scopes inherits everything its owner's role holds; a key with
// scopes is restricted to that list, still bounded by the role.
func CheckKeyScope(key *models.APIKey, role models.Role, scope Scope) error {
	if err := CheckRoleScope(role, scope); err != nil {
		return err
	}
	if len(key.Scopes) == 0 {
		return nil
	}
	for _, s := range key.Scopes {
		if Scope(s) == scope {
			return nil
		}
	}
	return ErrPermissionDenied
}
