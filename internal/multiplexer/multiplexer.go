// Package multiplexer abstracts the terminal-multiplexer control surface the
// probe and dispatcher use to discover sessions, read their screen output,
// and deliver keystrokes. It generalizes the reference fleet monitor's
// WezTerm-only operations behind a pluggable interface so the assignment
// core can target either WezTerm or tmux.
package multiplexer

import (
	"context"
	"fmt"
	"time"
)

// Window identifies one addressable multiplexer pane or window, keyed by
// the name a session binds to.
type Window struct {
	Name string
	PID  int
	CWD  string
}

// Multiplexer is the control surface the Session Probe and Dispatcher drive.
// Every method is context-bound so callers can enforce T_probe-scale
// timeouts without the multiplexer package owning its own clock.
type Multiplexer interface {
	// ListWindows enumerates every addressable window, the basis for
	// session discovery.
	ListWindows(ctx context.Context) ([]Window, error)

	// CaptureOutput returns the last lines of a window's screen buffer,
	// the input to the probe's classifier.
	CaptureOutput(ctx context.Context, name string, lines int) (string, error)

	// SendText types text into a window without submitting it.
	SendText(ctx context.Context, name, text string) error

	// SendSubmit types text and submits it (equivalent to pressing Enter
	// after the text), the Dispatcher's delivery primitive.
	SendSubmit(ctx context.Context, name, text string) error
}

// DefaultCommandTimeout bounds every underlying CLI invocation, matching the
// reference's per-command timeout.
const DefaultCommandTimeout = 10 * time.Second

// ErrWindowNotFound is returned when a named window cannot be located.
type ErrWindowNotFound struct{ Name string }

func (e *ErrWindowNotFound) Error() string {
	return fmt.Sprintf("multiplexer: window %q not found", e.Name)
}
