// Package shutdown coordinates ordered teardown. On SIGTERM/SIGINT the
// coordinator stops components one at a time in reverse registration
// order: the HTTP server drains before the engine stops, and the engine
// stops before the resources it writes to close.
package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// DefaultTimeout bounds the whole teardown sweep.
const DefaultTimeout = 30 * time.Second

// Component is anything the coordinator can stop.
type Component interface {
	// Name identifies the component in logs.
	Name() string
	// Shutdown stops the component. It should return within the given
	// context deadline.
	Shutdown(ctx context.Context) error
}

// Coordinator stops registered components in reverse registration order
// when a termination signal arrives.
type Coordinator struct {
	components []Component
	timeout    time.Duration
	logger     *slog.Logger
	mu         sync.Mutex

	// signalCh, when set, replaces the real signal subscription in tests.
	signalCh chan os.Signal

	shutdownOnce sync.Once
	shutdownDone chan struct{}
	exitCode     int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout sets the teardown deadline.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		c.timeout = timeout
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithSignalChannel injects a custom signal channel for tests.
func WithSignalChannel(ch chan os.Signal) Option {
	return func(c *Coordinator) {
		c.signalCh = ch
	}
}

// NewCoordinator creates a shutdown coordinator.
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		timeout:      DefaultTimeout,
		logger:       slog.Default(),
		shutdownDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds a component to the teardown sequence. Components stop in
// reverse registration order, so register foundations first and the
// request surface last.
func (c *Coordinator) Register(component Component) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components = append(c.components, component)
	c.logger.Debug("registered shutdown component", "name", component.Name())
}

// WaitForSignal blocks until SIGTERM or SIGINT arrives, then runs the
// teardown sequence.
func (c *Coordinator) WaitForSignal() {
	sigCh := c.signalCh
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}

	sig := <-sigCh
	c.logger.Info("received shutdown signal", "signal", sig)

	c.Shutdown()
}

// Shutdown stops every registered component, newest first, sharing one
// deadline across the sweep. A component that outlives the deadline is
// abandoned and the sweep moves on, so a wedged engine cannot keep the
// store from closing.
func (c *Coordinator) Shutdown() {
	c.shutdownOnce.Do(func() {
		c.logger.Info("initiating graceful shutdown", "timeout", c.timeout)

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		forced := false
		for _, component := range c.snapshotReversed() {
			if c.stopOne(ctx, component) {
				forced = true
			}
		}

		if forced {
			c.exitCode = 1
		} else {
			c.logger.Info("all components stopped")
		}
		close(c.shutdownDone)
	})
}

// snapshotReversed copies the registration list newest-first.
func (c *Coordinator) snapshotReversed() []Component {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Component, 0, len(c.components))
	for i := len(c.components) - 1; i >= 0; i-- {
		out = append(out, c.components[i])
	}
	return out
}

// stopOne runs a single component's Shutdown under the shared deadline
// and reports whether the component had to be abandoned. Errors are
// logged, not propagated: a failing store close must not keep the rest
// of the sweep from running.
func (c *Coordinator) stopOne(ctx context.Context, component Component) bool {
	c.logger.Info("stopping component", "name", component.Name())

	errCh := make(chan error, 1)
	go func() {
		errCh <- component.Shutdown(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			c.logger.Error("component shutdown error",
				"name", component.Name(),
				"error", err,
			)
		} else {
			c.logger.Info("component stopped", "name", component.Name())
		}
		return false
	case <-ctx.Done():
		c.logger.Warn("shutdown deadline passed, abandoning component",
			"name", component.Name(),
		)
		return true
	}
}

// Wait blocks until the teardown sequence has finished.
func (c *Coordinator) Wait() {
	<-c.shutdownDone
}

// ExitCode is 0 after a clean sweep and 1 when any component had to be
// abandoned at the deadline.
func (c *Coordinator) ExitCode() int {
	return c.exitCode
}
