package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/anvillabs/crucible/internal/auth"
	"github.com/anvillabs/crucible/internal/models"
	"github.com/anvillabs/crucible/internal/store"
)

// Context keys for principal information.
type contextKey string

const (
	// UserIDKey is the context key for the authenticated user ID.
	UserIDKey contextKey = "user_id"
	// UserEmailKey is the context key for the authenticated user email.
	UserEmailKey contextKey = "user_email"
	// UserRoleKey is the context key for the authenticated user role.
	UserRoleKey contextKey = "user_role"
	// APIKeyKey is the context key for the API key record, set only when
	// the request authenticated with a key rather than a JWT.
	APIKeyKey contextKey = "api_key"
)

// GetUserID extracts the user ID from the request context.
func GetUserID(ctx context.Context) string {
	if v := ctx.Value(UserIDKey); v != nil {
		return v.(string)
	}
	return ""
}

// GetUserEmail extracts the user email from the request context.
func GetUserEmail(ctx context.Context) string {
	if v := ctx.Value(UserEmailKey); v != nil {
		return v.(string)
	}
	return ""
}

// GetUserRole extracts the user role from the request context.
func GetUserRole(ctx context.Context) models.Role {
	if v := ctx.Value(UserRoleKey); v != nil {
		return v.(models.Role)
	}
	return ""
}

// GetAPIKey extracts the authenticating API key record, or nil when the
// request used a JWT.
func GetAPIKey(ctx context.Context) *models.APIKey {
	if v := ctx.Value(APIKeyKey); v != nil {
		return v.(*models.APIKey)
	}
	return nil
}

// AuthMiddleware handles JWT and API key authentication.
type AuthMiddleware struct {
	authService  *auth.Service
	store        store.Store
	apiKeyHeader string
	logger       *slog.Logger
}

// NewAuthMiddleware creates a new authentication middleware. The store
// resolves API keys back to their owning user.
func NewAuthMiddleware(authService *auth.Service, st store.Store, apiKeyHeader string, logger *slog.Logger) *AuthMiddleware {
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthMiddleware{
		authService:  authService,
		store:        st,
		apiKeyHeader: apiKeyHeader,
		logger:       logger,
	}
}

// Authenticate is a middleware that validates JWT tokens or API keys and
// stores the resolved principal in the request context.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var (
			userID, email string
			role          models.Role
			key           *models.APIKey
		)

		// Try API key first
		rawKey := r.Header.Get(m.apiKeyHeader)
		if rawKey != "" {
			validated, err := m.authService.ValidateAPIKey(r.Context(), rawKey)
			if err != nil {
				m.logger.Debug("API key validation failed", "error", err)
				if errors.Is(err, auth.ErrExpiredToken) {
					writeUnauthorized(w, "API key has expired")
					return
				}
				writeUnauthorized(w, "Invalid API key")
				return
			}
			user, err := m.store.Users().GetByID(r.Context(), validated.UserID)
			if err != nil || user == nil {
				m.logger.Debug("API key owner lookup failed", "error", err, "key_id", validated.ID)
				writeUnauthorized(w, "Invalid API key")
				return
			}
			userID = user.ID
			email = user.Email
			role = user.Role
			key = validated
			m.touchKey(validated.ID)
		} else {
			// Fall back to a JWT bearer token
			authHeader := r.Header.Get("Authorization")
			token := auth.ExtractBearerToken(authHeader)
			if token == "" {
				writeUnauthorized(w, "Missing authentication")
				return
			}

			claims, err := m.authService.ValidateToken(token)
			if err != nil {
				m.logger.Debug("JWT validation failed", "error", err)
				if errors.Is(err, auth.ErrExpiredToken) {
					writeUnauthorized(w, "Token has expired")
					return
				}
				writeUnauthorized(w, "Invalid token")
				return
			}
			userID = claims.UserID
			email = claims.Email
			role = claims.Role
		}

		notePrincipal(r.Context(), userID)

		ctx := context.WithValue(r.Context(), UserIDKey, userID)
		ctx = context.WithValue(ctx, UserEmailKey, email)
		ctx = context.WithValue(ctx, UserRoleKey, role)
		if key != nil {
			ctx = context.WithValue(ctx, APIKeyKey, key)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// touchKey records key usage without blocking the request.
func (m *AuthMiddleware) touchKey(keyID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.store.APIKeys().TouchLastUsed(ctx, keyID); err != nil {
			m.logger.Debug("failed to record API key usage", "error", err, "key_id", keyID)
		}
	}()
}

// RequireScope returns a middleware that rejects requests whose principal
// does not hold the given scope. JWT principals carry their role's full
// scope set; API keys may be restricted further.
func RequireScope(scope auth.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role := GetUserRole(r.Context())
			if role == "" {
				writeUnauthorized(w, "Authentication required")
				return
			}

			var err error
			if key := GetAPIKey(r.Context()); key != nil {
				err = auth.CheckKeyScope(key, role, scope)
			} else {
				err = auth.CheckRoleScope(role, scope)
			}
			if err != nil {
				writeForbidden(w, "Missing required scope: "+string(scope))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"code":"unauthorized","message":"` + escapeJSON(message) + `"}`))
}

func writeForbidden(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	w.Write([]byte(`{"code":"forbidden","message":"` + escapeJSON(message) + `"}`))
}

func escapeJSON(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
