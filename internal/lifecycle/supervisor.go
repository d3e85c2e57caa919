// Package lifecycle implements the Lifecycle Supervisor: detecting when an
// in-progress work item has completed, timed out, or failed, based on the
// Session Registry's observed state history.
package lifecycle

import (
	"fmt"
	"log"
	"time"

	"github.com/agentcore/assigner/internal/config"
	"github.com/agentcore/assigner/internal/drift"
	"github.com/agentcore/assigner/internal/probe"
	"github.com/agentcore/assigner/internal/session"
	"github.com/agentcore/assigner/internal/workitem"
)

// ConsecutiveIdleRequired is C: the number of consecutive idle probes
// required before a busy session is considered to have finished its work,
// avoiding a false-complete on a single idle flicker between tool calls.
const ConsecutiveIdleRequired = 2

// observation tracks a bound session's recent idle streak, the in-memory
// state the quiescence check needs between probe ticks.
type observation struct {
	idleStreak   int
	quietSince   time.Time
	lastStatus   session.Status
}

// OutcomeRecorder is the Drift & Circuit Control hook invoked whenever a
// work item resolves on a session, decoupling this package from the
// drift package's gobreaker dependency.
type OutcomeRecorder interface {
	RecordOutcome(sessionName string, success bool, driftDistance float64)
}

// Supervisor watches bound sessions and resolves their work items when
// completion, timeout, or failure conditions are met.
type Supervisor struct {
	queue *workitem.QueueStore
	reg   *session.Registry
	cfg   *config.Service
	drift OutcomeRecorder

	observations map[string]*observation
}

// NewSupervisor wires a lifecycle supervisor against the queue, registry,
// configuration service, and drift controller.
func NewSupervisor(queue *workitem.QueueStore, reg *session.Registry, cfg *config.Service, drift OutcomeRecorder) *Supervisor {
	return &Supervisor{queue: queue, reg: reg, cfg: cfg, drift: drift, observations: make(map[string]*observation)}
}

// Tick evaluates every bound session against completion, timeout, and
// disappearance conditions. It should run on the same cadence as the probe
// loop, immediately after sessions are reclassified.
func (s *Supervisor) Tick() {
	snap := s.cfg.Current()
	quiesceWindow := snap.ProbeInterval * time.Duration(ConsecutiveIdleRequired)

	for _, sess := range s.reg.List("") {
		if sess.CurrentWorkID == "" {
			delete(s.observations, sess.Name)
			continue
		}

		if sess.Status == session.StatusOffline {
			s.handleDisappearance(sess)
			continue
		}

		item := s.queue.Get(sess.CurrentWorkID)
		if item == nil {
			continue
		}

		if s.checkFailureEvidence(item, sess) {
			continue
		}

		if s.checkTimeout(item, sess, snap) {
			continue
		}

		s.checkCompletion(item, sess, quiesceWindow)
	}
}

// checkFailureEvidence looks for an error banner or crash dump in the
// session's most recent captured output and, if found, fails the bound
// work item instead of letting it ride out to completion or timeout. A
// crash dump (traceback, panic) is treated as non-retryable; a task-level
// error banner still gets its normal retry budget via MarkFailed.
func (s *Supervisor) checkFailureEvidence(item *workitem.WorkItem, sess *session.Session) bool {
	if !probe.HasFailureEvidence(sess.LastCapturedOutput) {
		return false
	}

	fatal := probe.IsFatalFailure(sess.LastCapturedOutput)
	log.Printf("[LIFECYCLE] failure evidence detected for work item %s on session %s (fatal=%v)", item.ID, sess.Name, fatal)
	if err := s.queue.MarkFailed(item.ID, "failure evidence detected in session output", fatal); err != nil {
		log.Printf("[LIFECYCLE] failed to mark %s failed: %v", item.ID, err)
	}
	s.drift.RecordOutcome(sess.Name, false, 1.0)
	if err := s.reg.Release(sess.Name); err != nil {
		log.Printf("[LIFECYCLE] failed to release %s: %v", sess.Name, err)
	}
	delete(s.observations, sess.Name)
	return true
}

func (s *Supervisor) checkTimeout(item *workitem.WorkItem, sess *session.Session, snap *config.Snapshot) bool {
	if item.AssignedAt == nil {
		return false
	}
	timeoutMinutes := snap.EffectiveTimeoutMinutes(item.TaskType, item.TimeoutMinutes)
	deadline := item.AssignedAt.Add(time.Duration(timeoutMinutes) * time.Minute)
	if time.Now().Before(deadline) {
		return false
	}

	log.Printf("[LIFECYCLE] work item %s timed out on session %s after %dm", item.ID, sess.Name, timeoutMinutes)
	if err := s.queue.Expire(item.ID); err != nil {
		log.Printf("[LIFECYCLE] failed to expire %s: %v", item.ID, err)
	}
	s.drift.RecordOutcome(sess.Name, false, 1.0)
	if err := s.reg.Release(sess.Name); err != nil {
		log.Printf("[LIFECYCLE] failed to release %s: %v", sess.Name, err)
	}
	delete(s.observations, sess.Name)
	return true
}

func (s *Supervisor) checkCompletion(item *workitem.WorkItem, sess *session.Session, quiesceWindow time.Duration) {
	obs, ok := s.observations[sess.Name]
	if !ok {
		obs = &observation{}
		s.observations[sess.Name] = obs
	}

	idle := sess.Status == session.StatusIdle || sess.Status == session.StatusWaitingInput
	if idle {
		if obs.idleStreak == 0 {
			obs.quietSince = sess.LastActivity
		}
		obs.idleStreak++
	} else {
		obs.idleStreak = 0
	}
	obs.lastStatus = sess.Status

	if obs.idleStreak < ConsecutiveIdleRequired {
		return
	}
	if time.Since(obs.quietSince) < quiesceWindow {
		return
	}

	log.Printf("[LIFECYCLE] work item %s completed on session %s", item.ID, sess.Name)
	if err := s.queue.MarkCompleted(item.ID); err != nil {
		log.Printf("[LIFECYCLE] failed to mark %s completed: %v", item.ID, err)
		return
	}
	s.drift.RecordOutcome(sess.Name, true, driftDistanceFor(sess))
	if err := s.reg.Release(sess.Name); err != nil {
		log.Printf("[LIFECYCLE] failed to release %s: %v", sess.Name, err)
	}
	delete(s.observations, sess.Name)
}

// driftDistanceFor compares a session's current output fingerprint against
// its recorded baseline, giving the EMA stability update a real signal
// instead of a constant. Sessions with no baseline yet (first completion)
// are treated as zero drift.
func driftDistanceFor(sess *session.Session) float64 {
	if sess.BaselineFingerprint == "" {
		return 0
	}
	var baseline uint64
	fmt.Sscanf(sess.BaselineFingerprint, "%x", &baseline)
	current := drift.Fingerprint(sess.LastCapturedOutput)
	return drift.DriftDistance(baseline, current)
}

// handleDisappearance reclaims the work item bound to a session that has
// gone offline, treating the disappearance as a retryable failure rather
// than a completion.
func (s *Supervisor) handleDisappearance(sess *session.Session) {
	if sess.CurrentWorkID == "" {
		return
	}
	log.Printf("[LIFECYCLE] session %s disappeared while bound to %s", sess.Name, sess.CurrentWorkID)
	if err := s.queue.MarkFailed(sess.CurrentWorkID, "session disappeared", false); err != nil {
		log.Printf("[LIFECYCLE] failed to mark %s failed: %v", sess.CurrentWorkID, err)
	}
	s.drift.RecordOutcome(sess.Name, false, 1.0)
	delete(s.observations, sess.Name)
}
