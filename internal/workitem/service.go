package workitem

import (
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/agentcore/assigner/internal/assignerrors"
)

// QueueStore is the durable priority queue described by §4.2: an
// in-memory projection backed by transactional writes to the relational
// store, offering the enqueue/claim/mark_*/cancel/expire contract.
type QueueStore struct {
	mem   *Queue
	store *Store
}

// NewQueueStore wires the in-memory projection to its durable backing
// store.
func NewQueueStore(store *Store) *QueueStore {
	return &QueueStore{mem: NewQueue(), store: store}
}

// EnqueueParams mirrors the enqueue contract's input constraints.
type EnqueueParams struct {
	Payload        string
	Priority       int
	TaskType       string
	Source         string
	TargetSession  string
	TargetProvider string
	Repo           string
	MaxRetries     int
	TimeoutMinutes int
}

// Enqueue validates input, creates a new pending WorkItem, persists it and
// its queued event, and tracks it in the in-memory projection.
func (qs *QueueStore) Enqueue(p EnqueueParams) (*WorkItem, error) {
	if err := ValidatePriority(p.Priority); err != nil {
		return nil, fmt.Errorf("%w: %v", assignerrors.ErrInvalidArgument, err)
	}
	if p.TaskType == "" {
		p.TaskType = "default"
	}
	maxRetries := p.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	timeout := p.TimeoutMinutes

	item := &WorkItem{
		ID:             uuid.NewString(),
		Payload:        p.Payload,
		Source:         p.Source,
		Priority:       p.Priority,
		Status:         StatusPending,
		TargetSession:  p.TargetSession,
		TargetProvider: p.TargetProvider,
		TaskType:       p.TaskType,
		Repo:           p.Repo,
		CreatedAt:      time.Now(),
		MaxRetries:     maxRetries,
		TimeoutMinutes: timeout,
	}

	if err := qs.store.Enqueue(item); err != nil {
		return nil, err
	}
	qs.mem.Add(item)
	return item, nil
}

// ClaimNextFor atomically selects and claims the best eligible pending item
// for sel, persists the assigned transition plus a selected event, and
// returns it. Returns (nil, nil) if nothing is eligible.
func (qs *QueueStore) ClaimNextFor(sel Selector) (*WorkItem, error) {
	item := qs.mem.ClaimNextFor(sel)
	if item == nil {
		return nil, nil
	}
	if err := qs.store.Save(item); err != nil {
		return nil, err
	}
	if err := qs.store.AppendEvent(&Event{WorkItemID: item.ID, Action: ActionSelected}); err != nil {
		return nil, err
	}
	return item, nil
}

// MarkDelivered transitions assigned -> in_progress, binds the session name
// onto the item, and appends a delivered event.
func (qs *QueueStore) MarkDelivered(id, sessionName string) error {
	item := qs.mem.GetByID(id)
	if item == nil {
		return fmt.Errorf("%w: work item %s", assignerrors.ErrNotFound, id)
	}
	if err := item.TransitionTo(StatusInProgress); err != nil {
		return fmt.Errorf("%w: %v", assignerrors.ErrConflict, err)
	}
	now := time.Now()
	item.AssignedAt = &now
	item.TargetSession = sessionName
	if err := qs.store.Save(item); err != nil {
		return err
	}
	return qs.store.AppendEvent(&Event{WorkItemID: id, SessionName: sessionName, Action: ActionDelivered})
}

// MarkCompleted transitions in_progress -> completed.
func (qs *QueueStore) MarkCompleted(id string) error {
	item := qs.mem.GetByID(id)
	if item == nil {
		return fmt.Errorf("%w: work item %s", assignerrors.ErrNotFound, id)
	}
	if item.Status == StatusCompleted {
		return nil // idempotent on terminal states
	}
	if err := item.TransitionTo(StatusCompleted); err != nil {
		return fmt.Errorf("%w: %v", assignerrors.ErrConflict, err)
	}
	now := time.Now()
	item.CompletedAt = &now
	if err := qs.store.Save(item); err != nil {
		return err
	}
	return qs.store.AppendEvent(&Event{WorkItemID: id, SessionName: item.TargetSession, Action: ActionCompleted})
}

// MarkFailed records a failure. If retry_count < max_retries and the
// failure is not fatal, the item returns to pending with retry_count
// incremented by exactly one and a retried event; otherwise it becomes
// terminal failed.
func (qs *QueueStore) MarkFailed(id, reason string, fatal bool) error {
	item := qs.mem.GetByID(id)
	if item == nil {
		return fmt.Errorf("%w: work item %s", assignerrors.ErrNotFound, id)
	}
	if item.IsTerminal() {
		return nil // idempotent on terminal states
	}

	item.LastError = reason
	if !fatal && item.RetryCount < item.MaxRetries {
		if err := item.TransitionTo(StatusPending); err != nil {
			return fmt.Errorf("%w: %v", assignerrors.ErrConflict, err)
		}
		item.RetryCount++
		item.AssignedAt = nil
		item.TargetSession = ""
		if err := qs.store.Save(item); err != nil {
			return err
		}
		return qs.store.AppendEvent(&Event{WorkItemID: id, Action: ActionRetried})
	}

	if err := item.TransitionTo(StatusFailed); err != nil {
		return fmt.Errorf("%w: %v", assignerrors.ErrConflict, err)
	}
	if err := qs.store.Save(item); err != nil {
		return err
	}
	return qs.store.AppendEvent(&Event{WorkItemID: id, Action: ActionFailed, Details: map[string]string{"reason": reason}})
}

// Cancel cancels a pending or assigned item synchronously. Cancelling an
// in_progress item is advisory: it is recorded as an event but the status
// is left untouched for the Lifecycle Supervisor to resolve.
func (qs *QueueStore) Cancel(id string) error {
	item := qs.mem.GetByID(id)
	if item == nil {
		return fmt.Errorf("%w: work item %s", assignerrors.ErrNotFound, id)
	}
	switch item.Status {
	case StatusPending, StatusAssigned:
		if err := item.TransitionTo(StatusCancelled); err != nil {
			return fmt.Errorf("%w: %v", assignerrors.ErrConflict, err)
		}
		if err := qs.store.Save(item); err != nil {
			return err
		}
		return qs.store.AppendEvent(&Event{WorkItemID: id, Action: ActionCancelled})
	case StatusInProgress:
		return qs.store.AppendEvent(&Event{WorkItemID: id, Action: ActionCancelled, Details: map[string]string{"advisory": "true"}})
	default:
		return fmt.Errorf("%w: cannot cancel work item %s in status %s", assignerrors.ErrInvalidArgument, id, item.Status)
	}
}

// Expire transitions an assigned/in_progress item on timeout; treated as a
// retryable failure.
func (qs *QueueStore) Expire(id string) error {
	item := qs.mem.GetByID(id)
	if item == nil {
		return fmt.Errorf("%w: work item %s", assignerrors.ErrNotFound, id)
	}
	if item.Status != StatusAssigned && item.Status != StatusInProgress {
		return fmt.Errorf("%w: cannot expire work item %s in status %s", assignerrors.ErrInvalidArgument, id, item.Status)
	}
	if err := qs.store.AppendEvent(&Event{WorkItemID: id, Action: ActionTimedOut}); err != nil {
		return err
	}
	return qs.MarkFailed(id, "timed out", false)
}

// Retry forces a failed/expired item back to pending, bumping retry_count,
// used by the administrative CLI's `retry <id>`.
func (qs *QueueStore) Retry(id string) error {
	item := qs.mem.GetByID(id)
	if item == nil {
		return fmt.Errorf("%w: work item %s", assignerrors.ErrNotFound, id)
	}
	if item.Status != StatusFailed && item.Status != StatusExpired {
		return fmt.Errorf("%w: cannot retry work item %s in status %s", assignerrors.ErrInvalidArgument, id, item.Status)
	}
	item.Status = StatusPending
	item.RetryCount++
	item.AssignedAt = nil
	item.TargetSession = ""
	item.LastError = ""
	if err := qs.store.Save(item); err != nil {
		return err
	}
	return qs.store.AppendEvent(&Event{WorkItemID: id, Action: ActionRetried})
}

// Get returns a tracked item by id.
func (qs *QueueStore) Get(id string) *WorkItem { return qs.mem.GetByID(id) }

// List returns a defensive copy of all tracked items.
func (qs *QueueStore) List(status Status) []*WorkItem {
	if status == "" {
		return qs.mem.All()
	}
	return qs.mem.GetByStatus(status)
}

// Stats delegates to the durable store's single grouped projection.
func (qs *QueueStore) Stats() (*Stats, error) { return qs.store.Stats() }

// Events returns the append-only AssignmentEvent history for an item.
func (qs *QueueStore) Events(id string) ([]*Event, error) { return qs.store.Events(id) }

// IsSessionOffline reports whether a named session is known-offline; it is
// injected by the caller (the Session Registry) so the sweep below does not
// import the session package, avoiding a cycle.
type IsSessionOffline func(name string) bool

// StartupSweep reclaims any assigned item whose bound session is unknown or
// offline, returning it to pending. It must run once at process start,
// before the Routing Engine's first tick, per the failure semantics of
// §4.2.
func (qs *QueueStore) StartupSweep(offline IsSessionOffline) error {
	all, err := qs.store.GetAll()
	if err != nil {
		return err
	}
	for _, item := range all {
		qs.mem.Add(item)
		if item.Status == StatusAssigned && (item.TargetSession == "" || offline(item.TargetSession)) {
			item.Status = StatusPending
			item.AssignedAt = nil
			if err := qs.store.Save(item); err != nil {
				return err
			}
			if err := qs.store.AppendEvent(&Event{WorkItemID: item.ID, Action: ActionRetried, Details: map[string]string{"reason": "startup sweep"}}); err != nil {
				return err
			}
			log.Printf("[QUEUE] startup sweep reclaimed work item %s bound to unreachable session", item.ID)
		}
	}
	return nil
}
