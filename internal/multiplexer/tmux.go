package multiplexer

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Tmux drives `tmux` directly, windows addressed by name. It is the default
// adapter (ASSIGNER_MULTIPLEXER unset or "tmux") because tmux ships on every
// Linux box this daemon is expected to run on, unlike WezTerm's GUI-bound
// mux server.
type Tmux struct {
	timeout string
}

// NewTmux constructs a tmux adapter.
func NewTmux() *Tmux {
	return &Tmux{}
}

func (t *Tmux) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "tmux", args...)
	return cmd.CombinedOutput()
}

// ListWindows enumerates every tmux window across all sessions, named
// "<session>:<window>" to match how this daemon expects session names to be
// configured (one tmux window per agent session).
func (t *Tmux) ListWindows(ctx context.Context) ([]Window, error) {
	output, err := t.run(ctx, "list-windows", "-a", "-F", "#{session_name}:#{window_name}\t#{pane_pid}\t#{pane_current_path}")
	if err != nil {
		if strings.Contains(string(output), "no server running") {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list tmux windows: %w (output: %s)", err, string(output))
	}

	var out []Window
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 3 {
			continue
		}
		pid, _ := strconv.Atoi(fields[1])
		out = append(out, Window{Name: fields[0], PID: pid, CWD: fields[2]})
	}
	return out, nil
}

// CaptureOutput reads the tail of a window's visible pane via capture-pane.
func (t *Tmux) CaptureOutput(ctx context.Context, name string, lines int) (string, error) {
	args := []string{"capture-pane", "-p", "-t", name}
	if lines > 0 {
		args = append(args, "-S", "-"+strconv.Itoa(lines))
	}
	output, err := t.run(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("failed to capture window %s: %w (output: %s)", name, err, string(output))
	}
	return string(output), nil
}

// SendText types text into a window without pressing Enter.
func (t *Tmux) SendText(ctx context.Context, name, text string) error {
	output, err := t.run(ctx, "send-keys", "-t", name, "-l", text)
	if err != nil {
		return fmt.Errorf("failed to send text to %s: %w (output: %s)", name, err, string(output))
	}
	return nil
}

// SendSubmit types text and presses Enter, the normal delivery path for a
// work item's payload.
func (t *Tmux) SendSubmit(ctx context.Context, name, text string) error {
	if err := t.SendText(ctx, name, text); err != nil {
		return err
	}
	output, err := t.run(ctx, "send-keys", "-t", name, "Enter")
	if err != nil {
		return fmt.Errorf("failed to submit to %s: %w (output: %s)", name, err, string(output))
	}
	return nil
}

var _ Multiplexer = (*Tmux)(nil)
