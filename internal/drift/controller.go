// Package drift implements the Drift & Circuit Control component: the EMA
// stability score update and a per-session circuit breaker that opens after
// repeated failures and probes back to half-open on a cooldown, using
// sony/gobreaker for the state machine the reference pool's kubernaut
// repository already depends on for the same purpose.
package drift

import (
	"crypto/sha256"
	"encoding/binary"
	"log"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/agentcore/assigner/internal/bus"
	"github.com/agentcore/assigner/internal/session"
)

// Controller owns one gobreaker.CircuitBreaker per session and mirrors its
// state transitions into the Session Registry's circuit_state column.
type Controller struct {
	reg             *session.Registry
	failureThreshold uint32
	alpha           float64

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	busClient *bus.Client
}

// SetBus wires an optional bus client RecordOutcome publishes OutcomeEvents
// to on SubjectOutcomeEvent; no component in this module subscribes to that
// subject. Safe to leave unset: a nil client is simply skipped.
func (c *Controller) SetBus(client *bus.Client) {
	c.busClient = client
}

// NewController wires a drift controller against the registry.
// failureThreshold is the consecutive-failure count that trips a session's
// circuit open (Interval is 0, so closed-state counts are never cleared on a
// timer; a success resets the consecutive count); alpha is the EMA
// smoothing factor used by RecordOutcome.
func NewController(reg *session.Registry, failureThreshold uint32, alpha float64) *Controller {
	return &Controller{reg: reg, failureThreshold: failureThreshold, alpha: alpha, breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func (c *Controller) breakerFor(name string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	if b, ok := c.breakers[name]; ok {
		return b
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= c.failureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[DRIFT] session %s circuit %s -> %s", name, from, to)
			if err := c.reg.SetCircuit(name, toCircuitState(to)); err != nil {
				log.Printf("[DRIFT] failed to persist circuit state for %s: %v", name, err)
			}
		},
	}
	b := gobreaker.NewCircuitBreaker(settings)
	c.breakers[name] = b
	return b
}

func toCircuitState(s gobreaker.State) session.CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return session.CircuitOpen
	case gobreaker.StateHalfOpen:
		return session.CircuitHalfOpen
	default:
		return session.CircuitClosed
	}
}

// RecordOutcome runs a no-op request through the session's breaker to
// register success/failure for the trip decision, then updates the
// registry's EMA stability score using driftDistance as the (1-distance)
// sample.
func (c *Controller) RecordOutcome(sessionName string, success bool, driftDistance float64) {
	var workItemID string
	if sess, err := c.reg.Get(sessionName); err == nil {
		workItemID = sess.CurrentWorkID
	}

	breaker := c.breakerFor(sessionName)
	_, _ = breaker.Execute(func() (interface{}, error) {
		if !success {
			return nil, errOutcomeFailed
		}
		return nil, nil
	})

	if err := c.reg.RecordOutcome(sessionName, success, driftDistance, c.alpha); err != nil {
		log.Printf("[DRIFT] failed to record outcome for %s: %v", sessionName, err)
	}

	if c.busClient != nil {
		event := bus.OutcomeEvent{WorkItemID: workItemID, SessionName: sessionName, Success: success, At: time.Now()}
		if err := c.busClient.PublishJSON(bus.SubjectOutcomeEvent, event); err != nil {
			log.Printf("[DRIFT] failed to publish outcome event for %s: %v", sessionName, err)
		}
	}
}

var errOutcomeFailed = &outcomeFailedError{}

type outcomeFailedError struct{}

func (*outcomeFailedError) Error() string { return "work item outcome was a failure" }

// Fingerprint produces a deterministic, bounded-length digest of captured
// output, used as the baseline a session's later output is compared against
// to compute drift distance. Bounded to 8 bytes (a uint64) so repeated
// comparisons are cheap integer operations rather than string diffs.
func Fingerprint(output string) uint64 {
	sum := sha256.Sum256([]byte(output))
	return binary.BigEndian.Uint64(sum[:8])
}

// DriftDistance returns a value in [0,1] measuring how different two
// fingerprints are, using Hamming distance over the 64-bit digest
// normalized by bit width. Two equal fingerprints yield 0 (no drift); two
// maximally different ones approach 1.
func DriftDistance(a, b uint64) float64 {
	x := a ^ b
	var bits int
	for x != 0 {
		bits++
		x &= x - 1
	}
	return float64(bits) / 64.0
}
