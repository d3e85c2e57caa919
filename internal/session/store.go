package session

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/agentcore/assigner/internal/assignerrors"
	"github.com/agentcore/assigner/internal/storage"
)

// Store is the raw persistence layer for sessions, mirroring the reference
// fleet monitor's agent_control repository: explicit SQL, RowsAffected-based
// not-found detection, and a shared null-safe scan helper for both Row and
// Rows.
type Store struct {
	db *storage.DB
}

// NewStore wraps an open database handle.
func NewStore(db *storage.DB) *Store {
	return &Store{db: db}
}

const sessionColumns = `
	name, status, provider, specialty, last_activity, current_work_id, working_dir,
	last_output, updated_at, stability_score, circuit_state, total_completed,
	total_failed, protected, baseline_fingerprint, pid, started_at, model`

// Upsert inserts a session or updates its capability/identity fields,
// leaving learned metrics (stability, circuit, totals) untouched on
// conflict so re-discovery never resets history.
func (s *Store) Upsert(sess *Session) error {
	_, err := s.db.Conn.Exec(`
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(name) DO UPDATE SET
			provider=excluded.provider,
			specialty=excluded.specialty,
			working_dir=excluded.working_dir,
			updated_at=excluded.updated_at,
			pid=excluded.pid,
			started_at=excluded.started_at,
			model=excluded.model
	`,
		sess.Name, sess.Status, sess.Provider, storage.NullString(joinSpecialty(sess.Specialty)),
		sess.LastActivity, storage.NullString(sess.CurrentWorkID), storage.NullString(sess.WorkingDirectory),
		storage.NullString(sess.LastCapturedOutput), time.Now(), sess.StabilityScore, sess.CircuitState,
		sess.TotalCompleted, sess.TotalFailed, boolToInt(sess.Protected),
		storage.NullString(sess.BaselineFingerprint), nullIntPtr(sess.PID), sess.StartedAt, storage.NullString(sess.Model),
	)
	if err != nil {
		return fmt.Errorf("%w: upsert session %s: %v", assignerrors.ErrStoreUnavailable, sess.Name, err)
	}
	return nil
}

// UpdateObservedState records the probe's latest classification.
func (s *Store) UpdateObservedState(name string, status Status, lastActivity time.Time, capturedOutput string) error {
	res, err := s.db.Conn.Exec(`
		UPDATE sessions SET status=?, last_activity=?, last_output=?, updated_at=CURRENT_TIMESTAMP
		WHERE name=?
	`, status, lastActivity, storage.NullString(capturedOutput), name)
	return checkRows(res, err, name)
}

// Bind performs the CAS bind: current_work_id IS NULL -> work_id, status ->
// busy. Returns ErrConflict if the session was already bound.
func (s *Store) Bind(name, workID string) error {
	res, err := s.db.Conn.Exec(`
		UPDATE sessions SET current_work_id=?, status=?, updated_at=CURRENT_TIMESTAMP
		WHERE name=? AND current_work_id IS NULL
	`, workID, StatusBusy, name)
	if err != nil {
		return fmt.Errorf("%w: bind session %s: %v", assignerrors.ErrStoreUnavailable, name, err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: session %s already bound", assignerrors.ErrConflict, name)
	}
	return nil
}

// Release unbinds a session. Idempotent: releasing an already-unbound
// session is a no-op, not an error.
func (s *Store) Release(name string) error {
	_, err := s.db.Conn.Exec(`
		UPDATE sessions SET current_work_id=NULL, updated_at=CURRENT_TIMESTAMP
		WHERE name=?
	`, name)
	if err != nil {
		return fmt.Errorf("%w: release session %s: %v", assignerrors.ErrStoreUnavailable, name, err)
	}
	return nil
}

// SetBaseline records the output fingerprint captured at bind time, the
// reference point the lifecycle supervisor compares a session's output
// against at completion to measure drift.
func (s *Store) SetBaseline(name, fingerprint string) error {
	res, err := s.db.Conn.Exec(`UPDATE sessions SET baseline_fingerprint=?, updated_at=CURRENT_TIMESTAMP WHERE name=?`, fingerprint, name)
	return checkRows(res, err, name)
}

// RecordOutcome is the sole site that mutates total_completed/total_failed,
// resolving the "source reports 0 completed/failed despite work processed"
// ambiguity by making the counter update an explicit post-condition here.
func (s *Store) RecordOutcome(name string, success bool, stabilityScore float64) error {
	column := "total_failed"
	if success {
		column = "total_completed"
	}
	res, err := s.db.Conn.Exec(`
		UPDATE sessions SET `+column+` = `+column+` + 1, stability_score=?, updated_at=CURRENT_TIMESTAMP
		WHERE name=?
	`, stabilityScore, name)
	return checkRows(res, err, name)
}

// SetProvider records the provider the probe's output classifier detected,
// left untouched when detection is inconclusive so a session never reverts
// to unknown because of one ambiguous capture.
func (s *Store) SetProvider(name string, provider Provider) error {
	res, err := s.db.Conn.Exec(`UPDATE sessions SET provider=?, updated_at=CURRENT_TIMESTAMP WHERE name=?`, provider, name)
	return checkRows(res, err, name)
}

// SetCircuit updates the breaker state.
func (s *Store) SetCircuit(name string, state CircuitState) error {
	res, err := s.db.Conn.Exec(`UPDATE sessions SET circuit_state=?, updated_at=CURRENT_TIMESTAMP WHERE name=?`, state, name)
	return checkRows(res, err, name)
}

// MarkOffline transitions a session to offline and releases any bound work
// id, matching the ghost-session resolution: rows with no matching
// multiplexer window age out after T_offline.
func (s *Store) MarkOffline(name string) (releasedWorkID string, err error) {
	row := s.db.Conn.QueryRow(`SELECT current_work_id FROM sessions WHERE name=?`, name)
	var workID sql.NullString
	if err := row.Scan(&workID); err != nil {
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("%w: session %s", assignerrors.ErrNotFound, name)
		}
		return "", fmt.Errorf("%w: mark offline %s: %v", assignerrors.ErrStoreUnavailable, name, err)
	}
	_, err = s.db.Conn.Exec(`
		UPDATE sessions SET status=?, current_work_id=NULL, updated_at=CURRENT_TIMESTAMP WHERE name=?
	`, StatusOffline, name)
	if err != nil {
		return "", fmt.Errorf("%w: mark offline %s: %v", assignerrors.ErrStoreUnavailable, name, err)
	}
	return workID.String, nil
}

// Get retrieves a single session.
func (s *Store) Get(name string) (*Session, error) {
	row := s.db.Conn.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE name=?`, name)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: session %s", assignerrors.ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get session %s: %v", assignerrors.ErrStoreUnavailable, name, err)
	}
	return sess, nil
}

// List returns every known session, optionally filtered by status.
func (s *Store) List(status Status) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []interface{}
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY name`

	rows, err := s.db.Conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list sessions: %v", assignerrors.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan session: %v", assignerrors.ErrStoreUnavailable, err)
		}
		out = append(out, sess)
	}
	return out, nil
}

// StaleSince returns sessions whose last_activity predates the threshold
// and are not already offline, the basis for the probe's offline sweep,
// grounded in the reference's GetStaleAgents datetime('now', ?) idiom.
func (s *Store) StaleSince(threshold time.Duration) ([]*Session, error) {
	thresholdStr := fmt.Sprintf("-%d seconds", int(threshold.Seconds()))
	rows, err := s.db.Conn.Query(`
		SELECT `+sessionColumns+` FROM sessions
		WHERE status != ? AND last_activity IS NOT NULL AND last_activity < datetime('now', ?)
		ORDER BY last_activity ASC
	`, StatusOffline, thresholdStr)
	if err != nil {
		return nil, fmt.Errorf("%w: stale sessions: %v", assignerrors.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan session: %v", assignerrors.ErrStoreUnavailable, err)
		}
		out = append(out, sess)
	}
	return out, nil
}

func checkRows(res sql.Result, err error, name string) error {
	if err != nil {
		return fmt.Errorf("%w: %v", assignerrors.ErrStoreUnavailable, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", assignerrors.ErrStoreUnavailable, err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: session %s", assignerrors.ErrNotFound, name)
	}
	return nil
}

type rowOrRows interface {
	Scan(dest ...interface{}) error
}

func scanSession(r rowOrRows) (*Session, error) {
	var sess Session
	var specialty, currentWorkID, workingDir, lastOutput, baseline, model sql.NullString
	var lastActivity sql.NullTime
	var startedAt sql.NullTime
	var pid sql.NullInt64
	var protected int

	err := r.Scan(
		&sess.Name, &sess.Status, &sess.Provider, &specialty, &lastActivity, &currentWorkID,
		&workingDir, &lastOutput, new(sql.NullTime), &sess.StabilityScore, &sess.CircuitState,
		&sess.TotalCompleted, &sess.TotalFailed, &protected, &baseline, &pid, &startedAt, &model,
	)
	if err != nil {
		return nil, err
	}

	sess.Specialty = splitSpecialty(specialty.String)
	sess.CurrentWorkID = currentWorkID.String
	sess.WorkingDirectory = workingDir.String
	sess.LastCapturedOutput = lastOutput.String
	sess.BaselineFingerprint = baseline.String
	sess.Model = model.String
	sess.Protected = protected != 0
	if lastActivity.Valid {
		sess.LastActivity = lastActivity.Time
	}
	if startedAt.Valid {
		sess.StartedAt = &startedAt.Time
	}
	if pid.Valid {
		v := int(pid.Int64)
		sess.PID = &v
	}
	return &sess, nil
}

func joinSpecialty(tags []string) string {
	out := ""
	for i, t := range tags {
		if i > 0 {
			out += ","
		}
		out += t
	}
	return out
}

func splitSpecialty(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIntPtr(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}
