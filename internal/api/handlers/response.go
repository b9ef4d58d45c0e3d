package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	apierrors "github.com/anvillabs/crucible/internal/api/errors"
	"github.com/anvillabs/crucible/internal/engine"
	engineerrors "github.com/anvillabs/crucible/internal/engine/errors"
	"github.com/anvillabs/crucible/internal/guard"
)

// APIError is the error body every endpoint answers with.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return e.Message
}

// Endpoint error codes. Lowercase snake case on the wire.
const (
	ErrCodeInvalidRequest = "invalid_request"
	ErrCodeNotFound       = "not_found"
	ErrCodeConflict       = "conflict"
	ErrCodeUnauthorized   = "unauthorized"
	ErrCodeForbidden      = "forbidden"
	ErrCodeGone           = "gone"
	ErrCodeUnavailable    = "unavailable"
	ErrCodeInternalError  = "internal_error"
)

// WriteJSON writes data as JSON under the given status.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// WriteError writes an error body with code and message.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, &APIError{Code: code, Message: message})
}

// WriteErrorWithDetails writes an error body carrying extra details.
func WriteErrorWithDetails(w http.ResponseWriter, status int, code, message string, details any) {
	WriteJSON(w, status, &APIError{Code: code, Message: message, Details: details})
}

// WriteBadRequest answers 400 invalid_request.
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, ErrCodeInvalidRequest, message)
}

// WriteNotFound answers 404 not_found.
func WriteNotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// WriteConflict answers 409 conflict.
func WriteConflict(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, ErrCodeConflict, message)
}

// WriteUnauthorized answers 401 unauthorized.
func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// WriteForbidden answers 403 forbidden.
func WriteForbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, ErrCodeForbidden, message)
}

// WriteGone answers 410 gone, for one-shot resources already consumed.
func WriteGone(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusGone, ErrCodeGone, message)
}

// WriteUnavailable answers 503 unavailable.
func WriteUnavailable(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, message)
}

// WriteInternalError answers 500 internal_error.
func WriteInternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, ErrCodeInternalError, message)
}

// writeEngineError maps an engine admission error onto the wire. Guard
// conflicts carry the active build so clients can watch it instead of
// retrying blind.
func writeEngineError(w http.ResponseWriter, err error) {
	var conflict *guard.Conflict
	if errors.As(err, &conflict) {
		WriteErrorWithDetails(w, http.StatusConflict, ErrCodeConflict,
			"principal already has a build in flight",
			map[string]any{
				"activeBuildId": conflict.ActiveBuildID,
				"startedAt":     conflict.StartedAt,
			})
		return
	}
	if errors.Is(err, engine.ErrShuttingDown) {
		WriteUnavailable(w, "server is shutting down")
		return
	}
	if be, ok := engineerrors.AsBuildError(err); ok {
		WriteJSON(w, apierrors.BuildErrorStatus(be.Code), be.ToResponse())
		return
	}
	WriteInternalError(w, "failed to admit build")
}
