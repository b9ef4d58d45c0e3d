package middleware

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	apierrors "github.com/anvillabs/crucible/internal/api/errors"
)

// Recovery returns a middleware that converts handler panics into 500
// responses. http.ErrAbortHandler passes through untouched, as the
// stdlib uses it to abort a response on purpose. If the handler already
// started writing, the connection is left as-is: appending an error body
// to a half-written response would corrupt it.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				requestID := middleware.GetReqID(r.Context())
				entry := apierrors.NewErrorLogEntry(requestID, apierrors.CodeInternalError, "panic recovered")
				logger.Error("panic recovered",
					"error", rec,
					"error_code", entry.ErrorCode,
					"request_id", requestID,
					"method", r.Method,
					"path", r.URL.Path,
					"stack_trace", entry.StackTrace,
				)

				if ww.Status() == 0 {
					err := apierrors.NewInternalError("An unexpected error occurred").WithRequestID(requestID)
					apierrors.WriteError(ww, err)
				}
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
