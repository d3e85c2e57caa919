// Package workitem defines the queued unit of work ("prompt") that flows
// through the assignment core, its lifecycle state machine, and the
// append-only assignment event log attached to it.
package workitem

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a WorkItem.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusExpired    Status = "expired"
)

// validTransitions encodes the state DAG: pending -> assigned -> in_progress
// -> completed, with failure/retry edges back to pending and terminal exits
// to failed/cancelled/expired.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusAssigned, StatusCancelled, StatusExpired},
	StatusAssigned:   {StatusInProgress, StatusPending, StatusCancelled, StatusFailed, StatusExpired},
	StatusInProgress: {StatusCompleted, StatusPending, StatusFailed, StatusExpired},
}

// IsTerminal reports whether a status is final (aside from the archived flip).
func IsTerminal(s Status) bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

// EventAction enumerates the append-only AssignmentEvent actions, ordered
// per work_item_id to match the state DAG transitions that produced them.
type EventAction string

const (
	ActionQueued            EventAction = "queued"
	ActionSelected          EventAction = "selected"
	ActionDelivered         EventAction = "delivered"
	ActionObservedProgress  EventAction = "observed_progress"
	ActionCompleted         EventAction = "completed"
	ActionFailed            EventAction = "failed"
	ActionTimedOut          EventAction = "timed_out"
	ActionRetried           EventAction = "retried"
	ActionCancelled         EventAction = "cancelled"
	ActionReassigned        EventAction = "reassigned"
)

// Event is one append-only audit entry for a WorkItem.
type Event struct {
	ID          string            `json:"id"`
	WorkItemID  string            `json:"work_item_id"`
	SessionName string            `json:"session_name,omitempty"`
	Action      EventAction       `json:"action"`
	CreatedAt   time.Time         `json:"created_at"`
	Details     map[string]string `json:"details,omitempty"`
}

// WorkItem is one unit of opaque payload carried to exactly one session and
// a terminal outcome.
type WorkItem struct {
	ID             string     `json:"id"`
	Payload        string     `json:"payload"`
	Source         string     `json:"source"`
	Priority       int        `json:"priority"` // 0-10, higher first
	Status         Status     `json:"status"`
	TargetSession  string     `json:"target_session,omitempty"`
	TargetProvider string     `json:"target_provider,omitempty"`
	TaskType       string     `json:"task_type"`
	Repo           string     `json:"repo,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	AssignedAt     *time.Time `json:"assigned_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	RetryCount     int        `json:"retry_count"`
	MaxRetries     int        `json:"max_retries"`
	TimeoutMinutes int        `json:"timeout_minutes"`
	LastError      string     `json:"last_error,omitempty"`
	Archived       bool       `json:"archived"`
	ArchivedAt     *time.Time `json:"archived_at,omitempty"`
}

const (
	// DefaultMaxRetries is used when a caller does not specify one.
	DefaultMaxRetries = 3
	// MinPriority and MaxPriority bound the accepted priority range.
	MinPriority = 0
	MaxPriority = 10
)

// ValidatePriority enforces the §8 boundary behavior: 0 and 10 accepted,
// anything outside is a policy violation.
func ValidatePriority(p int) error {
	if p < MinPriority || p > MaxPriority {
		return fmt.Errorf("priority must be between %d and %d, got %d", MinPriority, MaxPriority, p)
	}
	return nil
}

// TransitionTo attempts to move the item to newStatus, enforcing the state
// DAG. A terminal status is immutable; callers flipping Archived go through
// a separate path, never TransitionTo.
func (w *WorkItem) TransitionTo(newStatus Status) error {
	if IsTerminal(w.Status) {
		return fmt.Errorf("work item %s is terminal (%s): cannot transition to %s", w.ID, w.Status, newStatus)
	}
	allowed, ok := validTransitions[w.Status]
	if !ok {
		return fmt.Errorf("unknown current status: %s", w.Status)
	}
	for _, s := range allowed {
		if s == newStatus {
			w.Status = newStatus
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s", w.Status, newStatus)
}

// IsTerminal reports whether the item itself currently sits in a terminal status.
func (w *WorkItem) IsTerminal() bool {
	return IsTerminal(w.Status)
}
