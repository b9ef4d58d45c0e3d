// Package auth issues and validates the two credential kinds crucible
// accepts: HS256 bearer tokens for interactive users and hashed API
// keys for machine callers. Role and scope checks live in scopes.go.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/anvillabs/crucible/internal/models"
)

// Errors surfaced to the authentication middleware.
var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrExpiredToken     = errors.New("token has expired")
	ErrMissingClaims    = errors.New("missing required claims")
	ErrInvalidAPIKey    = errors.New("invalid API key")
)

// Config holds authentication settings.
type Config struct {
	JWTSecret   []byte
	TokenExpiry time.Duration
}

// KeyStore is the slice of the API key store the service needs.
type KeyStore interface {
	GetByHash(ctx context.Context, hash string) (*models.APIKey, error)
}

// Service issues and validates credentials.
type Service struct {
	jwtSecret   []byte
	tokenExpiry time.Duration
	keys        KeyStore
	logger      *slog.Logger
}

// NewService creates an authentication service. keys may be nil when
// only JWT validation is needed.
func NewService(cfg *Config, keys KeyStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		jwtSecret:   cfg.JWTSecret,
		tokenExpiry: cfg.TokenExpiry,
		keys:        keys,
		logger:      logger,
	}
}

// tokenClaims is the wire shape of a crucible JWT.
type tokenClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// Claims is the validated identity carried by a token.
type Claims struct {
	UserID string
	Email  string
	Role   models.Role
	Exp    time.Time
}

// GenerateToken mints a signed token for the given user. The subject is
// required; email and role travel as private claims.
func (s *Service) GenerateToken(userID, email string, role models.Role) (string, error) {
	if userID == "" {
		return "", ErrMissingClaims
	}

	now := time.Now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenExpiry)),
		},
		Email: email,
		Role:  string(role),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// ValidateToken checks signature and time bounds and returns the
// identity a token carries.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	var claims tokenClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims,
		func(*jwt.Token) (any, error) { return s.jwtSecret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, mapJWTError(err)
	}

	if claims.Subject == "" || claims.ExpiresAt == nil {
		return nil, ErrMissingClaims
	}
	return &Claims{
		UserID: claims.Subject,
		Email:  claims.Email,
		Role:   models.Role(claims.Role),
		Exp:    claims.ExpiresAt.Time,
	}, nil
}

// mapJWTError folds the jwt library's error tree into this package's
// sentinels.
func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpiredToken
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrSignatureInvalid):
		return ErrInvalidSignature
	default:
		return ErrInvalidToken
	}
}

// ValidateAPIKey resolves a raw API key to its stored record. Lookup is
// by hash; the raw key never reaches the store.
func (s *Service) ValidateAPIKey(ctx context.Context, apiKey string) (*models.APIKey, error) {
	if apiKey == "" || s.keys == nil {
		return nil, ErrInvalidAPIKey
	}

	stored, err := s.keys.GetByHash(ctx, HashAPIKey(apiKey))
	if err != nil {
		s.logger.Debug("API key lookup failed", "error", err)
		return nil, ErrInvalidAPIKey
	}
	if stored == nil {
		return nil, ErrInvalidAPIKey
	}
	if stored.Expired(time.Now()) {
		return nil, ErrExpiredToken
	}
	return stored, nil
}

// GenerateAPIKey returns a fresh raw API key. The raw form is shown
// once and never stored; only its hash is.
func GenerateAPIKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating random bytes: %w", err)
	}
	return "crc_" + base64.RawURLEncoding.EncodeToString(raw), nil
}

// HashAPIKey returns the hex SHA-256 digest under which a key is stored.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// ExtractBearerToken pulls the token out of an Authorization header.
// Returns "" for anything that is not a Bearer credential.
func ExtractBearerToken(authHeader string) string {
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// SecureCompare reports whether two strings are equal without leaking
// where they differ.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
