package multiplexer

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// WezTerm drives the `wezterm cli` subcommands, ported from the reference
// fleet monitor's rate-limited singleton Ops type, generalized to address
// windows by pane title rather than numeric pane id and to run on the
// `wezterm` binary rather than `wezterm.exe`.
type WezTerm struct {
	mu            sync.Mutex
	lastOp        time.Time
	minOpInterval time.Duration
	timeout       time.Duration
}

// NewWezTerm constructs a rate-limited WezTerm adapter. minOpInterval
// mirrors the reference's 200ms pacing between pane operations to avoid
// overwhelming the wezterm CLI mux server.
func NewWezTerm() *WezTerm {
	return &WezTerm{minOpInterval: 200 * time.Millisecond, timeout: DefaultCommandTimeout}
}

func (w *WezTerm) waitForInterval() {
	elapsed := time.Since(w.lastOp)
	if elapsed < w.minOpInterval {
		time.Sleep(w.minOpInterval - elapsed)
	}
	w.lastOp = time.Now()
}

func (w *WezTerm) run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "wezterm", args...)
	output, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("wezterm command timed out after %v", w.timeout)
	}
	return output, err
}

type wezPane struct {
	PaneID   int    `json:"pane_id"`
	Title    string `json:"title"`
	CWD      string `json:"cwd"`
	IsActive bool   `json:"is_active"`
}

func (w *WezTerm) paneByName(ctx context.Context, name string) (*wezPane, error) {
	w.mu.Lock()
	output, err := w.run(ctx, "cli", "list", "--format", "json")
	w.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to list panes: %w", err)
	}
	var panes []wezPane
	if err := json.Unmarshal(output, &panes); err != nil {
		return nil, fmt.Errorf("failed to parse pane list: %w", err)
	}
	for i := range panes {
		if panes[i].Title == name {
			return &panes[i], nil
		}
	}
	return nil, &ErrWindowNotFound{Name: name}
}

// ListWindows enumerates every WezTerm pane, mapped to Window by title.
func (w *WezTerm) ListWindows(ctx context.Context) ([]Window, error) {
	w.mu.Lock()
	output, err := w.run(ctx, "cli", "list", "--format", "json")
	w.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to list panes: %w", err)
	}
	var panes []wezPane
	if err := json.Unmarshal(output, &panes); err != nil {
		return nil, fmt.Errorf("failed to parse pane list: %w", err)
	}
	out := make([]Window, 0, len(panes))
	for _, p := range panes {
		out = append(out, Window{Name: p.Title, CWD: p.CWD})
	}
	return out, nil
}

// CaptureOutput reads the tail of a pane's screen buffer.
func (w *WezTerm) CaptureOutput(ctx context.Context, name string, lines int) (string, error) {
	pane, err := w.paneByName(ctx, name)
	if err != nil {
		return "", err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	args := []string{"cli", "get-text", "--pane-id", strconv.Itoa(pane.PaneID)}
	if lines > 0 {
		args = append(args, "--start-line", strconv.Itoa(-lines))
	}
	output, err := w.run(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("failed to capture pane %s: %w (output: %s)", name, err, string(output))
	}
	return string(output), nil
}

// SendText types text into a pane without a trailing newline.
func (w *WezTerm) SendText(ctx context.Context, name, text string) error {
	return w.sendText(ctx, name, text, false)
}

// SendSubmit types text and submits it with a trailing carriage return.
func (w *WezTerm) SendSubmit(ctx context.Context, name, text string) error {
	return w.sendText(ctx, name, text, true)
}

func (w *WezTerm) sendText(ctx context.Context, name, text string, execute bool) error {
	pane, err := w.paneByName(ctx, name)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.waitForInterval()
	defer w.mu.Unlock()

	if execute {
		text += "\r\n"
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "wezterm", "cli", "send-text", "--pane-id", strconv.Itoa(pane.PaneID), "--no-paste")
	cmd.Stdin = strings.NewReader(text)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to send text to %s: %w (output: %s)", name, err, string(output))
	}
	return nil
}

var _ Multiplexer = (*WezTerm)(nil)
