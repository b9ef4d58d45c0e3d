// Package guard admits at most one running build per principal. A second
// submission while one is in flight is refused with the identity of the
// build already running, never queued.
package guard

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Conflict is returned when a principal already has a build in flight. It
// is an error so call sites can pass it up unchanged, and carries what the
// submitter needs to find the running build.
type Conflict struct {
	ActiveBuildID string
	StartedAt     time.Time
}

func (c *Conflict) Error() string {
	return fmt.Sprintf("build %s already running for this principal since %s",
		c.ActiveBuildID, c.StartedAt.Format(time.RFC3339))
}

type entry struct {
	buildID   string
	startedAt time.Time
}

// Guard tracks the active build per principal.
type Guard struct {
	mu     sync.Mutex
	active map[string]entry
	logger *slog.Logger
}

// New creates an empty guard.
func New(logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		active: make(map[string]entry),
		logger: logger,
	}
}

// Admit reserves the principal's slot for buildID. On success the returned
// token releases the slot; callers defer Release immediately so the slot is
// freed on every exit path, panics included. If another build holds the
// slot, Admit returns a *Conflict describing it.
func (g *Guard) Admit(principal, buildID string) (*Token, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if e, ok := g.active[principal]; ok {
		g.logger.Debug("admission refused",
			"principal", principal,
			"build_id", buildID,
			"active_build_id", e.buildID,
		)
		return nil, &Conflict{ActiveBuildID: e.buildID, StartedAt: e.startedAt}
	}

	g.active[principal] = entry{buildID: buildID, startedAt: time.Now().UTC()}
	g.logger.Debug("admitted", "principal", principal, "build_id", buildID)

	return &Token{guard: g, principal: principal, buildID: buildID}, nil
}

// Token is a held admission. Release is idempotent and safe on a nil
// token, so the conflict path can defer it unconditionally.
type Token struct {
	guard     *Guard
	principal string
	buildID   string
	released  bool
}

// Release frees the principal's slot. A stale token, one whose slot has
// since been released and re-admitted, does not evict the new holder.
func (t *Token) Release() {
	if t == nil {
		return
	}

	t.guard.mu.Lock()
	defer t.guard.mu.Unlock()

	if t.released {
		return
	}
	t.released = true

	if e, ok := t.guard.active[t.principal]; ok && e.buildID == t.buildID {
		delete(t.guard.active, t.principal)
		t.guard.logger.Debug("released", "principal", t.principal, "build_id", t.buildID)
	}
}
