// Package errors defines the transport-level error vocabulary: the
// structured body middleware writes when a request dies before reaching
// a handler, plus helpers for field validation failures and panic log
// entries.
package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	engineerrors "github.com/anvillabs/crucible/internal/engine/errors"
)

// Transport error codes.
const (
	CodeValidationError = "VALIDATION_ERROR"
	CodeNotFound        = "NOT_FOUND"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeForbidden       = "FORBIDDEN"
	CodeConflict        = "CONFLICT"
	CodeGone            = "GONE"
	CodeUnavailable     = "UNAVAILABLE"
	CodeInternalError   = "INTERNAL_ERROR"
)

// statusByCode is the single source of truth for code to HTTP status.
// Codes not listed here, including unknown ones, answer as 500.
var statusByCode = map[string]int{
	CodeValidationError: http.StatusBadRequest,
	CodeNotFound:        http.StatusNotFound,
	CodeUnauthorized:    http.StatusUnauthorized,
	CodeForbidden:       http.StatusForbidden,
	CodeConflict:        http.StatusConflict,
	CodeGone:            http.StatusGone,
	CodeUnavailable:     http.StatusServiceUnavailable,
	CodeInternalError:   http.StatusInternalServerError,
}

// APIError is the JSON body of a failed request.
type APIError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// New creates an APIError with the given code and message.
func New(code, message string) *APIError {
	return &APIError{Code: code, Message: message}
}

// NewValidationError creates a VALIDATION_ERROR.
func NewValidationError(message string) *APIError {
	return New(CodeValidationError, message)
}

// NewInternalError creates an INTERNAL_ERROR.
func NewInternalError(message string) *APIError {
	return New(CodeInternalError, message)
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatusCode returns the status the error travels under.
func (e *APIError) HTTPStatusCode() int {
	if status, ok := statusByCode[e.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WithDetails returns a copy of the error carrying extra details.
func (e *APIError) WithDetails(details map[string]any) *APIError {
	clone := *e
	clone.Details = details
	return &clone
}

// WithRequestID returns a copy of the error tagged with the request ID.
func (e *APIError) WithRequestID(requestID string) *APIError {
	clone := *e
	clone.RequestID = requestID
	return &clone
}

// BuildErrorStatus maps a build-error code to the HTTP status used when
// the error surfaces at admission time. Codes that only occur inside a
// finished job never travel as transport errors and fall through to 500.
func BuildErrorStatus(code string) int {
	switch code {
	case engineerrors.CodeInvalidRequest, engineerrors.CodeMissingSource:
		return http.StatusBadRequest
	case engineerrors.CodeBuildTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON writes data as a JSON response under the given status.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// WriteError writes an APIError under its own HTTP status.
func WriteError(w http.ResponseWriter, err *APIError) {
	WriteJSON(w, err.HTTPStatusCode(), err)
}

// ValidationError is one field-level validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors collects field-level failures across a request body.
type ValidationErrors []ValidationError

// Add records a failure for a field.
func (v *ValidationErrors) Add(field, message string) {
	*v = append(*v, ValidationError{Field: field, Message: message})
}

// HasErrors reports whether any failure was recorded.
func (v ValidationErrors) HasErrors() bool {
	return len(v) > 0
}

// ToAPIError folds the collected failures into one VALIDATION_ERROR.
// The message names the first failure; the full list rides in details.
func (v ValidationErrors) ToAPIError() *APIError {
	if len(v) == 0 {
		return NewValidationError("validation failed")
	}
	message := v[0].Message
	if extra := len(v) - 1; extra > 0 {
		message = fmt.Sprintf("%s (and %d more errors)", message, extra)
	}
	return NewValidationError(message).WithDetails(map[string]any{"fields": v})
}

// ErrorLogEntry is the structured payload logged when a request panics.
type ErrorLogEntry struct {
	CorrelationID string `json:"correlation_id"`
	ErrorCode     string `json:"error_code"`
	Message       string `json:"message"`
	StackTrace    string `json:"stack_trace"`
}

// NewErrorLogEntry builds a log entry capturing the current stack.
func NewErrorLogEntry(correlationID, errorCode, message string) *ErrorLogEntry {
	return &ErrorLogEntry{
		CorrelationID: correlationID,
		ErrorCode:     errorCode,
		Message:       message,
		StackTrace:    GetStackTrace(),
	}
}

// GetStackTrace renders the calling goroutine's stack, growing the
// buffer until the trace fits.
func GetStackTrace() string {
	buf := make([]byte, 4096)
	for {
		n := runtime.Stack(buf, false)
		if n < len(buf) {
			return string(buf[:n])
		}
		buf = make([]byte, 2*len(buf))
	}
}
