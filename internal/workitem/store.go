package workitem

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentcore/assigner/internal/assignerrors"
	"github.com/agentcore/assigner/internal/storage"
)

func encodeDetails(details map[string]string) sql.NullString {
	if len(details) == 0 {
		return sql.NullString{}
	}
	b, err := json.Marshal(details)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func decodeDetails(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// Store persists WorkItems and their AssignmentEvents to the shared
// relational store. Enqueue writes the item and its queued event in one
// WithTx transaction; Save writes a status transition as a single UPDATE,
// and the event appended after it is a separate transaction.
type Store struct {
	db *storage.DB
}

// NewStore wraps an already-open database handle.
func NewStore(db *storage.DB) *Store {
	return &Store{db: db}
}

// Enqueue inserts a new pending WorkItem and its queued event in one
// transaction.
func (s *Store) Enqueue(item *WorkItem) error {
	return s.db.WithTx(func(tx *sql.Tx) error {
		if err := insertWorkItem(tx, item); err != nil {
			return err
		}
		return appendEvent(tx, &Event{
			ID:         uuid.NewString(),
			WorkItemID: item.ID,
			Action:     ActionQueued,
			CreatedAt:  item.CreatedAt,
		})
	})
}

func insertWorkItem(tx *sql.Tx, item *WorkItem) error {
	_, err := tx.Exec(`
		INSERT INTO work_items (
			id, payload, source, priority, status, target_session, target_provider,
			task_type, repo, created_at, assigned_at, completed_at, retry_count,
			max_retries, timeout_minutes, last_error, archived, archived_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`,
		item.ID, item.Payload, item.Source, item.Priority, item.Status,
		storage.NullString(item.TargetSession), storage.NullString(item.TargetProvider),
		item.TaskType, storage.NullString(item.Repo), item.CreatedAt, item.AssignedAt,
		item.CompletedAt, item.RetryCount, item.MaxRetries, item.TimeoutMinutes,
		storage.NullString(item.LastError), boolToInt(item.Archived), item.ArchivedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: insert work item: %v", assignerrors.ErrStoreUnavailable, err)
	}
	return nil
}

// Save persists the full current state of item (used after an in-memory
// CAS transition succeeds, to make it durable).
func (s *Store) Save(item *WorkItem) error {
	_, err := s.db.Conn.Exec(`
		UPDATE work_items SET
			status=?, target_session=?, assigned_at=?, completed_at=?, retry_count=?,
			last_error=?, archived=?, archived_at=?
		WHERE id=?
	`,
		item.Status, storage.NullString(item.TargetSession), item.AssignedAt, item.CompletedAt,
		item.RetryCount, storage.NullString(item.LastError), boolToInt(item.Archived),
		item.ArchivedAt, item.ID,
	)
	if err != nil {
		return fmt.Errorf("%w: save work item %s: %v", assignerrors.ErrStoreUnavailable, item.ID, err)
	}
	return nil
}

// AppendEvent writes one AssignmentEvent, outside of a caller's transaction.
func (s *Store) AppendEvent(ev *Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	return s.db.WithTx(func(tx *sql.Tx) error { return appendEvent(tx, ev) })
}

func appendEvent(tx *sql.Tx, ev *Event) error {
	details := encodeDetails(ev.Details)
	_, err := tx.Exec(`
		INSERT INTO assignment_events (id, work_item_id, session_name, action, created_at, details)
		VALUES (?,?,?,?,?,?)
	`, ev.ID, ev.WorkItemID, storage.NullString(ev.SessionName), ev.Action, ev.CreatedAt, details)
	if err != nil {
		return fmt.Errorf("%w: append event: %v", assignerrors.ErrStoreUnavailable, err)
	}
	return nil
}

// Get retrieves a single WorkItem.
func (s *Store) Get(id string) (*WorkItem, error) {
	row := s.db.Conn.QueryRow(itemSelect+" WHERE id = ?", id)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: work item %s", assignerrors.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get work item %s: %v", assignerrors.ErrStoreUnavailable, id, err)
	}
	return item, nil
}

// Events returns the append-only history for a WorkItem, ordered by append.
func (s *Store) Events(workItemID string) ([]*Event, error) {
	rows, err := s.db.Conn.Query(`
		SELECT id, work_item_id, session_name, action, created_at, details
		FROM assignment_events WHERE work_item_id = ? ORDER BY created_at ASC
	`, workItemID)
	if err != nil {
		return nil, fmt.Errorf("%w: list events: %v", assignerrors.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var ev Event
		var sessionName, details sql.NullString
		if err := rows.Scan(&ev.ID, &ev.WorkItemID, &sessionName, &ev.Action, &ev.CreatedAt, &details); err != nil {
			return nil, fmt.Errorf("%w: scan event: %v", assignerrors.ErrStoreUnavailable, err)
		}
		ev.SessionName = sessionName.String
		ev.Details = decodeDetails(details.String)
		out = append(out, &ev)
	}
	return out, nil
}

// ListFilter narrows a List projection; zero values are unfiltered.
type ListFilter struct {
	Status   Status
	TaskType string
	Limit    int
	Offset   int
}

// List returns a paginated, ordered projection of WorkItems.
func (s *Store) List(filter ListFilter) ([]*WorkItem, int, error) {
	where := "WHERE 1=1"
	var args []interface{}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.TaskType != "" {
		where += " AND task_type = ?"
		args = append(args, filter.TaskType)
	}

	var total int
	if err := s.db.Conn.QueryRow("SELECT COUNT(*) FROM work_items "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("%w: count work items: %v", assignerrors.ErrStoreUnavailable, err)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := itemSelect + " " + where + " ORDER BY priority DESC, created_at ASC, id ASC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.Conn.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: list work items: %v", assignerrors.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []*WorkItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: scan work item: %v", assignerrors.ErrStoreUnavailable, err)
		}
		out = append(out, item)
	}
	return out, total, nil
}

// GetAll is used by the startup sweep: every non-archived item, in queue
// order, regardless of status.
func (s *Store) GetAll() ([]*WorkItem, error) {
	rows, err := s.db.Conn.Query(itemSelect + " WHERE archived = 0 ORDER BY priority DESC, created_at ASC, id ASC")
	if err != nil {
		return nil, fmt.Errorf("%w: get all work items: %v", assignerrors.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []*WorkItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan work item: %v", assignerrors.ErrStoreUnavailable, err)
		}
		out = append(out, item)
	}
	return out, nil
}

// Stats aggregates work item counts by status in a single grouped query, as
// required by the ordering guarantees of the concurrency model (a single
// projection gives observers a linearizable count, not a composite of
// per-status scans).
type Stats struct {
	ByStatus map[Status]int
	Total    int
}

// Stats returns the current queue-depth-by-status projection.
func (s *Store) Stats() (*Stats, error) {
	rows, err := s.db.Conn.Query(`SELECT status, COUNT(*) FROM work_items WHERE archived = 0 GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("%w: stats: %v", assignerrors.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	st := &Stats{ByStatus: make(map[Status]int)}
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("%w: scan stats: %v", assignerrors.ErrStoreUnavailable, err)
		}
		st.ByStatus[status] = count
		st.Total += count
	}
	return st, nil
}

const itemSelect = `
	SELECT id, payload, source, priority, status, target_session, target_provider,
	       task_type, repo, created_at, assigned_at, completed_at, retry_count,
	       max_retries, timeout_minutes, last_error, archived, archived_at
	FROM work_items`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row scanner) (*WorkItem, error) {
	var item WorkItem
	var targetSession, targetProvider, repo, lastError sql.NullString
	var assignedAt, completedAt, archivedAt sql.NullTime
	var archived int

	err := row.Scan(
		&item.ID, &item.Payload, &item.Source, &item.Priority, &item.Status,
		&targetSession, &targetProvider, &item.TaskType, &repo, &item.CreatedAt,
		&assignedAt, &completedAt, &item.RetryCount, &item.MaxRetries,
		&item.TimeoutMinutes, &lastError, &archived, &archivedAt,
	)
	if err != nil {
		return nil, err
	}

	item.TargetSession = targetSession.String
	item.TargetProvider = targetProvider.String
	item.Repo = repo.String
	item.LastError = lastError.String
	item.Archived = archived != 0
	if assignedAt.Valid {
		item.AssignedAt = &assignedAt.Time
	}
	if completedAt.Valid {
		item.CompletedAt = &completedAt.Time
	}
	if archivedAt.Valid {
		item.ArchivedAt = &archivedAt.Time
	}
	return &item, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
