package probe

import (
	"context"
	"log"
	"time"

	"github.com/agentcore/assigner/internal/bus"
	"github.com/agentcore/assigner/internal/multiplexer"
	"github.com/agentcore/assigner/internal/session"
)

// CaptureLines bounds how much of a pane's scrollback the classifier reads,
// matching the reference WezTerm ops' practice of reading only a bounded
// tail rather than the full buffer.
const CaptureLines = 60

// Loop periodically lists multiplexer windows, classifies each one, and
// updates the Session Registry. It is the daemon's one long-running probe
// goroutine, cancelled via its context on shutdown.
type Loop struct {
	mux       multiplexer.Multiplexer
	registry  *session.Registry
	interval  time.Duration
	offline   time.Duration
	busClient *bus.Client
}

// NewLoop wires a probe loop against a multiplexer adapter and registry.
func NewLoop(mux multiplexer.Multiplexer, registry *session.Registry, interval, offline time.Duration) *Loop {
	return &Loop{mux: mux, registry: registry, interval: interval, offline: offline}
}

// SetBus wires an optional bus client probeOne fans observed-state changes
// out on, letting the Lifecycle Supervisor react to a probe update the
// moment it lands instead of waiting for its own ticker. A nil client (the
// embedded bus failed to start) leaves the loop purely ticker-driven.
func (l *Loop) SetBus(client *bus.Client) {
	l.busClient = client
}

// Run blocks, probing every interval until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	windows, err := l.mux.ListWindows(ctx)
	if err != nil {
		log.Printf("[PROBE] failed to list windows: %v", err)
		return
	}

	seen := make(map[string]bool, len(windows))
	for _, w := range windows {
		seen[w.Name] = true
		l.probeOne(ctx, w)
	}

	if _, err := l.registry.SweepOffline(l.offline); err != nil {
		log.Printf("[PROBE] offline sweep failed: %v", err)
	}
}

func (l *Loop) probeOne(ctx context.Context, w multiplexer.Window) {
	if _, err := l.registry.Get(w.Name); err != nil {
		sess := session.NewSession(w.Name)
		sess.WorkingDirectory = w.CWD
		if w.PID != 0 {
			pid := w.PID
			sess.PID = &pid
		}
		if err := l.registry.Upsert(sess); err != nil {
			log.Printf("[PROBE] failed to register session %s: %v", w.Name, err)
			return
		}
	}

	output, err := l.mux.CaptureOutput(ctx, w.Name, CaptureLines)
	if err != nil {
		log.Printf("[PROBE] failed to capture %s: %v", w.Name, err)
		return
	}

	status := Classify(output)
	if err := l.registry.UpdateObservedState(w.Name, status, output); err != nil {
		log.Printf("[PROBE] failed to update state for %s: %v", w.Name, err)
	}

	if l.busClient != nil {
		update := bus.ProbeUpdate{SessionName: w.Name, Status: string(status), At: time.Now()}
		if err := l.busClient.PublishJSON(bus.SubjectProbeUpdate, update); err != nil {
			log.Printf("[PROBE] failed to publish probe update for %s: %v", w.Name, err)
		}
	}

	if provider := DetectProvider(output); provider != session.ProviderUnknown {
		if err := l.registry.SetProvider(w.Name, provider); err != nil {
			log.Printf("[PROBE] failed to update provider for %s: %v", w.Name, err)
		}
	}
}
