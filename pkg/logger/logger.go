// Package logger builds the process-wide slog.Logger.
//
// Every handler is wrapped so attribute values under secret-bearing keys are
// masked before a record reaches any output. Build workspaces hold wallet
// keypairs, so log attributes are the one path secret material could leak
// through.
package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger so call sites can pass the embedded logger on.
type Logger struct {
	*slog.Logger
}

// New creates a Logger writing to stdout at the given level. JSON is the
// production format; text is for local runs. Source locations are attached
// only at debug level.
func New(level slog.Level, json bool) *Logger {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var inner slog.Handler
	if json {
		inner = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		inner = slog.NewTextHandler(os.Stdout, opts)
	}

	return &Logger{Logger: slog.New(&redactHandler{inner: inner})}
}

// ParseLevel converts a level name to a slog.Level. Unknown names map to INFO.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const redactedValue = "[REDACTED]"

// sensitiveKeys lists attribute names whose values are always masked.
// Matching is case-insensitive on the final dotted segment of the key.
var sensitiveKeys = map[string]bool{
	"keypair":       true,
	"private_key":   true,
	"secret":        true,
	"ciphertext":    true,
	"token":         true,
	"api_key":       true,
	"authorization": true,
	"password":      true,
}

// redactHandler masks sensitive attribute values before delegating to the
// wrapped handler. Group attributes are walked recursively so a nested
// keypair does not slip through.
type redactHandler struct {
	inner slog.Handler
}

func (h *redactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *redactHandler) Handle(ctx context.Context, rec slog.Record) error {
	clean := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(redactAttr(a))
		return true
	})
	return h.inner.Handle(ctx, clean)
}

func (h *redactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	masked := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		masked[i] = redactAttr(a)
	}
	return &redactHandler{inner: h.inner.WithAttrs(masked)}
}

func (h *redactHandler) WithGroup(name string) slog.Handler {
	return &redactHandler{inner: h.inner.WithGroup(name)}
}

func redactAttr(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindGroup {
		members := a.Value.Group()
		masked := make([]slog.Attr, len(members))
		for i, m := range members {
			masked[i] = redactAttr(m)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(masked...)}
	}
	if sensitiveKey(a.Key) {
		return slog.String(a.Key, redactedValue)
	}
	return a
}

func sensitiveKey(key string) bool {
	key = strings.ToLower(key)
	if i := strings.LastIndexByte(key, '.'); i >= 0 {
		key = key[i+1:]
	}
	return sensitiveKeys[key]
}
