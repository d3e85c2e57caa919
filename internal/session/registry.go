package session

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/agentcore/assigner/internal/assignerrors"
	"github.com/agentcore/assigner/internal/workitem"
)

// DefaultOfflineThreshold is T_offline: how long a session may go without a
// probe update before it is declared unreachable.
const DefaultOfflineThreshold = 90 * time.Second

// Registry is the in-memory view of known sessions, backed by Store for
// durability. It is the single writer of session state; the probe loop,
// routing engine, and dispatcher all go through it rather than touching
// Store directly, mirroring the Queue Store's mem+store split.
type Registry struct {
	mu    sync.RWMutex
	byName map[string]*Session
	store *Store
}

// NewRegistry loads all known sessions from store into memory.
func NewRegistry(store *Store) (*Registry, error) {
	r := &Registry{byName: make(map[string]*Session), store: store}
	existing, err := store.List("")
	if err != nil {
		return nil, err
	}
	for _, s := range existing {
		r.byName[s.Name] = s
	}
	return r, nil
}

// Upsert registers a newly discovered session or refreshes a known one's
// identity fields, without touching learned metrics.
func (r *Registry) Upsert(sess *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byName[sess.Name]; ok {
		existing.Provider = sess.Provider
		existing.Specialty = sess.Specialty
		existing.WorkingDirectory = sess.WorkingDirectory
		existing.PID = sess.PID
		existing.StartedAt = sess.StartedAt
		existing.Model = sess.Model
		return r.store.Upsert(existing)
	}
	r.byName[sess.Name] = sess
	return r.store.Upsert(sess)
}

// UpdateObservedState applies the probe's latest classification.
func (r *Registry) UpdateObservedState(name string, status Status, capturedOutput string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("%w: session %s", assignerrors.ErrNotFound, name)
	}
	now := time.Now()
	sess.Status = status
	sess.LastActivity = now
	sess.LastCapturedOutput = capturedOutput
	return r.store.UpdateObservedState(name, status, now, capturedOutput)
}

// Bind performs the CAS bind of a session to a work item. Mirrors the
// exclusion invariant: a session already bound cannot be bound again.
func (r *Registry) Bind(name, workID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("%w: session %s", assignerrors.ErrNotFound, name)
	}
	if sess.CurrentWorkID != "" {
		return fmt.Errorf("%w: session %s already bound to %s", assignerrors.ErrConflict, name, sess.CurrentWorkID)
	}
	if err := r.store.Bind(name, workID); err != nil {
		return err
	}
	sess.CurrentWorkID = workID
	sess.Status = StatusBusy

	baseline := fingerprintOf(sess.LastCapturedOutput)
	sess.BaselineFingerprint = baseline
	if err := r.store.SetBaseline(name, baseline); err != nil {
		log.Printf("[SESSION] failed to record baseline fingerprint for %s: %v", name, err)
	}
	return nil
}

// fingerprintOf hashes captured output down to a hex-encoded 64-bit digest,
// the same truncation the drift controller uses when comparing a session's
// output against this baseline at completion time.
func fingerprintOf(output string) string {
	sum := sha256.Sum256([]byte(output))
	return hex.EncodeToString(sum[:8])
}

// Release unbinds a session, making it eligible for routing again.
func (r *Registry) Release(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("%w: session %s", assignerrors.ErrNotFound, name)
	}
	if err := r.store.Release(name); err != nil {
		return err
	}
	sess.CurrentWorkID = ""
	return nil
}

// RecordOutcome updates the EMA stability score and completion/failure
// counters for a session after a work item resolves.
func (r *Registry) RecordOutcome(name string, success bool, driftDistance float64, alpha float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("%w: session %s", assignerrors.ErrNotFound, name)
	}
	sess.StabilityScore = alpha*sess.StabilityScore + (1-alpha)*(1-driftDistance)
	if sess.StabilityScore < 0 {
		sess.StabilityScore = 0
	}
	if sess.StabilityScore > 1 {
		sess.StabilityScore = 1
	}
	if success {
		sess.TotalCompleted++
	} else {
		sess.TotalFailed++
	}
	return r.store.RecordOutcome(name, success, sess.StabilityScore)
}

// SetProvider updates a session's detected provider, used by the probe loop
// once it has classified captured output rather than only at discovery.
func (r *Registry) SetProvider(name string, provider Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("%w: session %s", assignerrors.ErrNotFound, name)
	}
	if provider == ProviderUnknown || sess.Provider == provider {
		return nil
	}
	sess.Provider = provider
	return r.store.SetProvider(name, provider)
}

// SetCircuit updates a session's breaker state, used by the drift controller
// when gobreaker trips open or resets.
func (r *Registry) SetCircuit(name string, state CircuitState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("%w: session %s", assignerrors.ErrNotFound, name)
	}
	sess.CircuitState = state
	return r.store.SetCircuit(name, state)
}

// MarkOffline declares a session unreachable, releasing its bound work item
// id so the queue sweep can reclaim it. Returns the released work item id,
// if any, so the caller can requeue it without a second lookup.
func (r *Registry) MarkOffline(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.byName[name]
	if !ok {
		return "", fmt.Errorf("%w: session %s", assignerrors.ErrNotFound, name)
	}
	releasedWorkID, err := r.store.MarkOffline(name)
	if err != nil {
		return "", err
	}
	sess.Status = StatusOffline
	sess.CurrentWorkID = ""
	return releasedWorkID, nil
}

// Get returns a session by name.
func (r *Registry) Get(name string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", assignerrors.ErrNotFound, name)
	}
	return sess, nil
}

// List returns a defensive copy of every tracked session, optionally
// filtered by status.
func (r *Registry) List(status Status) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.byName))
	for _, s := range r.byName {
		if status != "" && s.Status != status {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	return out
}

// Candidates returns sessions currently selectable for routing, the
// candidate set feeding the routing engine's eligibility pass.
func (r *Registry) Candidates(stabilityFloor float64) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for _, s := range r.byName {
		if s.Selectable(stabilityFloor) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out
}

// IsOffline reports whether name is known and currently offline, satisfying
// workitem.IsSessionOffline's injected-function contract without creating an
// import cycle between the two packages.
func (r *Registry) IsOffline(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.byName[name]
	if !ok {
		return true
	}
	return sess.Status == StatusOffline
}

var _ workitem.IsSessionOffline = (&Registry{}).IsOffline

// SweepOffline marks every session stale beyond threshold as offline,
// logging each transition. It is the probe loop's periodic ghost-session
// check.
func (r *Registry) SweepOffline(threshold time.Duration) ([]string, error) {
	stale, err := r.store.StaleSince(threshold)
	if err != nil {
		return nil, err
	}
	var releasedWorkIDs []string
	for _, s := range stale {
		released, err := r.MarkOffline(s.Name)
		if err != nil {
			log.Printf("[SESSION] failed to mark %s offline: %v", s.Name, err)
			continue
		}
		log.Printf("[SESSION] %s offline after %s of silence", s.Name, threshold)
		if released != "" {
			releasedWorkIDs = append(releasedWorkIDs, released)
		}
	}
	return releasedWorkIDs, nil
}
