package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/anvillabs/crucible/internal/api/middleware"
	"github.com/anvillabs/crucible/internal/auth"
	"github.com/anvillabs/crucible/internal/models"
	"github.com/anvillabs/crucible/internal/store"
)

// AuthHandler handles login, API key management, and user administration.
type AuthHandler struct {
	store    store.Store
	auth     *auth.Service
	tokenTTL time.Duration
	logger   *slog.Logger
}

// NewAuthHandler creates a new auth handler. tokenTTL is echoed back to
// clients so they know when to re-login.
func NewAuthHandler(st store.Store, authSvc *auth.Service, tokenTTL time.Duration, logger *slog.Logger) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{
		store:    st,
		auth:     authSvc,
		tokenTTL: tokenTTL,
		logger:   logger,
	}
}

// Login handles POST /api/v1/auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body: "+err.Error())
		return
	}
	if apiErr := validateRequest(&req); apiErr != nil {
		WriteJSON(w, http.StatusBadRequest, apiErr)
		return
	}

	user, err := h.store.Users().Authenticate(r.Context(), req.Email, req.Password)
	if err != nil || user == nil {
		h.logger.Debug("login rejected", "email", req.Email, "error", err)
		WriteUnauthorized(w, "Invalid email or password")
		return
	}

	token, err := h.auth.GenerateToken(user.ID, user.Email, user.Role)
	if err != nil {
		h.logger.Error("failed to generate token", "error", err)
		WriteInternalError(w, "Failed to generate token")
		return
	}

	h.logger.Info("user logged in", "user_id", user.ID, "role", user.Role)
	WriteJSON(w, http.StatusOK, map[string]any{
		"token":     token,
		"expiresAt": time.Now().Add(h.tokenTTL).UTC(),
		"user":      user,
	})
}

// CreateKey handles POST /api/v1/auth/keys. The raw key appears in this
// response and nowhere else; only its hash is stored.
func (h *AuthHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	var req CreateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body: "+err.Error())
		return
	}
	if apiErr := validateRequest(&req); apiErr != nil {
		WriteJSON(w, http.StatusBadRequest, apiErr)
		return
	}

	role := middleware.GetUserRole(r.Context())
	for _, s := range req.Scopes {
		if err := auth.CheckRoleScope(role, auth.Scope(s)); err != nil {
			WriteForbidden(w, "Cannot grant scope beyond your role: "+s)
			return
		}
	}

	var expiresAt *time.Time
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil || d <= 0 {
			WriteBadRequest(w, `expiresIn must be a positive duration like "720h"`)
			return
		}
		t := time.Now().Add(d).UTC()
		expiresAt = &t
	}

	raw, err := auth.GenerateAPIKey()
	if err != nil {
		h.logger.Error("failed to generate API key", "error", err)
		WriteInternalError(w, "Failed to generate key")
		return
	}

	key := &models.APIKey{
		UserID:    middleware.GetUserID(r.Context()),
		Name:      req.Name,
		KeyHash:   auth.HashAPIKey(raw),
		Scopes:    req.Scopes,
		ExpiresAt: expiresAt,
	}
	if err := h.store.APIKeys().Create(r.Context(), key); err != nil {
		h.logger.Error("failed to store API key", "error", err)
		WriteInternalError(w, "Failed to create key")
		return
	}

	h.logger.Info("API key created", "key_id", key.ID, "user_id", key.UserID, "name", key.Name)
	WriteJSON(w, http.StatusCreated, map[string]any{
		"id":        key.ID,
		"name":      key.Name,
		"key":       raw,
		"scopes":    key.Scopes,
		"createdAt": key.CreatedAt,
		"expiresAt": key.ExpiresAt,
	})
}

// ListKeys handles GET /api/v1/auth/keys.
func (h *AuthHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.store.APIKeys().ListByUser(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		h.logger.Error("failed to list API keys", "error", err)
		WriteInternalError(w, "Failed to list keys")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

// DeleteKey handles DELETE /api/v1/auth/keys/{id}. Keys are personal, so
// the ID must belong to the caller.
func (h *AuthHandler) DeleteKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		WriteBadRequest(w, "Key ID is required")
		return
	}

	userID := middleware.GetUserID(r.Context())
	keys, err := h.store.APIKeys().ListByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list API keys", "error", err)
		WriteInternalError(w, "Failed to revoke key")
		return
	}
	owned := false
	for _, k := range keys {
		if k.ID == id {
			owned = true
			break
		}
	}
	if !owned {
		WriteNotFound(w, "No such key")
		return
	}

	if err := h.store.APIKeys().Delete(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "No such key")
			return
		}
		h.logger.Error("failed to delete API key", "error", err, "key_id", id)
		WriteInternalError(w, "Failed to revoke key")
		return
	}

	h.logger.Info("API key revoked", "key_id", id, "user_id", userID)
	WriteJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// CreateUser handles POST /api/v1/auth/users.
func (h *AuthHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body: "+err.Error())
		return
	}
	if apiErr := validateRequest(&req); apiErr != nil {
		WriteJSON(w, http.StatusBadRequest, apiErr)
		return
	}

	user, err := h.store.Users().Create(r.Context(), req.Email, req.Password, models.Role(req.Role))
	if err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			WriteConflict(w, "Email already registered")
			return
		}
		h.logger.Error("failed to create user", "error", err)
		WriteInternalError(w, "Failed to create user")
		return
	}

	h.logger.Info("user created", "user_id", user.ID, "role", user.Role)
	WriteJSON(w, http.StatusCreated, user)
}

// ListUsers handles GET /api/v1/auth/users.
func (h *AuthHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.Users().List(r.Context())
	if err != nil {
		h.logger.Error("failed to list users", "error", err)
		WriteInternalError(w, "Failed to list users")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"users": users})
}

// DeleteUser handles DELETE /api/v1/auth/users/{id}. Removing the last
// admin is refused, otherwise the instance would lock itself out.
func (h *AuthHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		WriteBadRequest(w, "User ID is required")
		return
	}

	target, err := h.store.Users().GetByID(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to load user", "error", err, "user_id", id)
		WriteInternalError(w, "Failed to delete user")
		return
	}
	if target == nil {
		WriteNotFound(w, "No such user")
		return
	}

	if target.Role == models.RoleAdmin {
		admins, err := h.store.Users().CountByRole(r.Context(), models.RoleAdmin)
		if err != nil {
			h.logger.Error("failed to count admins", "error", err)
			WriteInternalError(w, "Failed to delete user")
			return
		}
		if admins <= 1 {
			WriteConflict(w, "Cannot remove the last admin")
			return
		}
	}

	if err := h.store.Users().Delete(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "No such user")
			return
		}
		h.logger.Error("failed to delete user", "error", err, "user_id", id)
		WriteInternalError(w, "Failed to delete user")
		return
	}

	h.logger.Info("user deleted", "user_id", id, "by", middleware.GetUserID(r.Context()))
	WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
