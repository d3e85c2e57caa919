// Package dispatch implements the Dispatcher: delivering a claimed work
// item's payload into its bound session with bounded retry, mirroring the
// reference fleet monitor's async spawn-and-track goroutine idiom.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"time"

	"github.com/agentcore/assigner/internal/multiplexer"
	"github.com/agentcore/assigner/internal/session"
	"github.com/agentcore/assigner/internal/workitem"
)

// DefaultAttempts is the total number of send attempts Deliver makes. It is
// separate from the item's own MaxRetries: exhausting every attempt counts
// as a single failure against that budget, via MarkFailed.
const DefaultAttempts = 3

// BaseBackoff and MaxBackoff bound the exponential-backoff-with-jitter
// delay between delivery attempts.
const (
	BaseBackoff = 500 * time.Millisecond
	MaxBackoff  = 15 * time.Second
)

// OutcomeRecorder is the Drift & Circuit Control hook a dispatcher reports
// exhausted delivery failures to, decoupling this package from the drift
// package's gobreaker dependency the same way lifecycle.OutcomeRecorder does.
type OutcomeRecorder interface {
	RecordOutcome(sessionName string, success bool, driftDistance float64)
}

// Dispatcher delivers work item payloads to their bound sessions.
type Dispatcher struct {
	mux   multiplexer.Multiplexer
	queue *workitem.QueueStore
	reg   *session.Registry
	drift OutcomeRecorder
}

// NewDispatcher wires a dispatcher against the multiplexer, queue, session
// registry, and drift controller. A delivery that exhausts its attempts
// counts as a delivery-failing outcome for the circuit controller, the same
// as a lifecycle timeout or disappearance.
func NewDispatcher(mux multiplexer.Multiplexer, queue *workitem.QueueStore, reg *session.Registry, drift OutcomeRecorder) *Dispatcher {
	return &Dispatcher{mux: mux, queue: queue, reg: reg, drift: drift}
}

// Deliver binds item to sessionName, sends its payload, and marks it
// in_progress. It makes at most DefaultAttempts send attempts in total,
// with exponential backoff and jitter between them, before giving up and
// returning the item to the queue via MarkFailed, which re-queues it if
// retries remain under the item's own MaxRetries.
func (d *Dispatcher) Deliver(ctx context.Context, item *workitem.WorkItem, sessionName string) error {
	if err := d.reg.Bind(sessionName, item.ID); err != nil {
		return fmt.Errorf("failed to bind session %s to work item %s: %w", sessionName, item.ID, err)
	}

	var lastErr error
	for attempt := 0; attempt < DefaultAttempts; attempt++ {
		if attempt > 0 {
			d.sleepBackoff(ctx, attempt)
		}

		err := d.mux.SendSubmit(ctx, sessionName, item.Payload)
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		log.Printf("[DISPATCH] attempt %d/%d failed delivering %s to %s: %v", attempt+1, DefaultAttempts, item.ID, sessionName, err)
	}

	if lastErr != nil {
		_ = d.reg.Release(sessionName)
		if err := d.queue.MarkFailed(item.ID, lastErr.Error(), false); err != nil {
			log.Printf("[DISPATCH] failed to record delivery failure for %s: %v", item.ID, err)
		}
		d.drift.RecordOutcome(sessionName, false, 1.0)
		return fmt.Errorf("delivery to %s failed after %d attempts: %w", sessionName, DefaultAttempts, lastErr)
	}

	return d.queue.MarkDelivered(item.ID, sessionName)
}

func (d *Dispatcher) sleepBackoff(ctx context.Context, attempt int) {
	delay := time.Duration(float64(BaseBackoff) * math.Pow(2, float64(attempt-1)))
	if delay > MaxBackoff {
		delay = MaxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 2))
	delay += jitter

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
