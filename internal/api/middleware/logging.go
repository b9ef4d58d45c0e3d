// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// probePaths are polled by orchestration and scrapers; logging them at
// Info would drown the request log.
var probePaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// principalHolder is seeded into the context by the request logger and
// filled in by the auth middleware further down the chain, so the
// completion line can name the principal even though auth runs later.
type principalHolder struct{ id string }

type principalHolderKey struct{}

func notePrincipal(ctx context.Context, id string) {
	if h, ok := ctx.Value(principalHolderKey{}).(*principalHolder); ok {
		h.id = id
	}
}

// RequestLogger returns a middleware that logs one line per completed
// request, tagged with the authenticated principal when there is one.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			holder := &principalHolder{}
			r = r.WithContext(context.WithValue(r.Context(), principalHolderKey{}, holder))
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				attrs := []any{
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start).String(),
					"request_id", middleware.GetReqID(r.Context()),
					"remote_addr", r.RemoteAddr,
				}
				if holder.id != "" {
					attrs = append(attrs, "principal", holder.id)
				}

				level := slog.LevelInfo
				if probePaths[r.URL.Path] {
					level = slog.LevelDebug
				}
				logger.Log(r.Context(), level, "request completed", attrs...)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
