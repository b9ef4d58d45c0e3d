package shutdown

import (
	"context"
	"io"
)

// await runs fn in a goroutine and returns its result, or the context
// error if the deadline passes first. Wrappers around deadline-blind
// stop functions use it so the coordinator's budget still applies.
func await(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FuncComponent wraps a context-aware stop function.
type FuncComponent struct {
	name string
	fn   func(ctx context.Context) error
}

// NewFuncComponent creates a function-based shutdown component.
func NewFuncComponent(name string, fn func(ctx context.Context) error) *FuncComponent {
	return &FuncComponent{name: name, fn: fn}
}

// Name returns the component name.
func (c *FuncComponent) Name() string {
	return c.name
}

// Shutdown calls the wrapped function.
func (c *FuncComponent) Shutdown(ctx context.Context) error {
	return c.fn(ctx)
}

// CloserComponent wraps an io.Closer, whose Close takes no deadline.
type CloserComponent struct {
	name   string
	closer io.Closer
}

// NewCloserComponent creates a closer-based shutdown component.
func NewCloserComponent(name string, closer io.Closer) *CloserComponent {
	return &CloserComponent{name: name, closer: closer}
}

// Name returns the component name.
func (c *CloserComponent) Name() string {
	return c.name
}

// Shutdown closes the underlying resource under the sweep deadline.
func (c *CloserComponent) Shutdown(ctx context.Context) error {
	return await(ctx, c.closer.Close)
}

// Stopper is the stop surface of background workers like the cleanup
// janitor's scheduler.
type Stopper interface {
	Stop() error
}

// StopComponent wraps a Stopper for the teardown sequence.
type StopComponent struct {
	name    string
	stopper Stopper
}

// NewStopComponent creates a stopper-based shutdown component.
func NewStopComponent(name string, stopper Stopper) *StopComponent {
	return &StopComponent{name: name, stopper: stopper}
}

// Name returns the component name.
func (c *StopComponent) Name() string {
	return c.name
}

// Shutdown stops the worker under the sweep deadline.
func (c *StopComponent) Shutdown(ctx context.Context) error {
	return await(ctx, c.stopper.Stop)
}
