// Package telemetry implements the Telemetry & Query API's read-only
// projections over the queue and session registry: stats, session listings,
// and per-item detail with event history.
package telemetry

import (
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/agentcore/assigner/internal/assignerrors"
	"github.com/agentcore/assigner/internal/config"
	"github.com/agentcore/assigner/internal/session"
	"github.com/agentcore/assigner/internal/storage"
	"github.com/agentcore/assigner/internal/workitem"
)

// Service answers read-only queries against the queue and registry. It
// never mutates either; all writes go through workitem.QueueStore or
// session.Registry directly.
type Service struct {
	queue *workitem.QueueStore
	reg   *session.Registry
}

// NewService wires a telemetry service against the queue and registry.
func NewService(queue *workitem.QueueStore, reg *session.Registry) *Service {
	return &Service{queue: queue, reg: reg}
}

// Overview is the top-level snapshot combining queue depth and session
// counts for a single dashboard fetch.
type Overview struct {
	Queue      *workitem.Stats `json:"queue"`
	Sessions   []*session.Session `json:"sessions"`
	AsOf       time.Time       `json:"as_of"`
}

// Overview returns the combined queue/session snapshot.
func (s *Service) Overview() (*Overview, error) {
	stats, err := s.queue.Stats()
	if err != nil {
		return nil, err
	}
	return &Overview{Queue: stats, Sessions: s.reg.List(""), AsOf: time.Now()}, nil
}

// ItemDetail is a work item joined with its append-only event history.
type ItemDetail struct {
	Item   *workitem.WorkItem  `json:"item"`
	Events []*workitem.Event   `json:"events"`
}

// ItemDetail returns a work item and its full event history.
func (s *Service) ItemDetail(id string) (*ItemDetail, error) {
	item := s.queue.Get(id)
	if item == nil {
		return nil, fmt.Errorf("work item %s not found", id)
	}
	events, err := s.queue.Events(id)
	if err != nil {
		return nil, err
	}
	return &ItemDetail{Item: item, Events: events}, nil
}

// Sessions returns every tracked session, optionally filtered by status.
func (s *Service) Sessions(status session.Status) []*session.Session {
	return s.reg.List(status)
}

// Items returns every tracked work item, optionally filtered by status.
func (s *Service) Items(status workitem.Status) []*workitem.WorkItem {
	return s.queue.List(status)
}

// ExportItemsJSON writes the given work items as a JSON array to w.
func ExportItemsJSON(w io.Writer, items []*workitem.WorkItem) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(items)
}

// ExportItemsCSV writes the given work items as CSV to w, for the
// administrative CLI's `assignerctl export` command.
func ExportItemsCSV(w io.Writer, items []*workitem.WorkItem) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	if err := cw.Write([]string{"id", "status", "priority", "task_type", "target_session", "created_at", "retry_count"}); err != nil {
		return err
	}
	for _, item := range items {
		row := []string{
			item.ID,
			string(item.Status),
			fmt.Sprintf("%d", item.Priority),
			item.TaskType,
			item.TargetSession,
			item.CreatedAt.Format(time.RFC3339),
			fmt.Sprintf("%d", item.RetryCount),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	return nil
}

// QueryResult is the column/row shape a named query yields, independent of
// the underlying driver's scan types so it can be exported as either JSON
// or CSV without a second query execution.
type QueryResult struct {
	Columns []string        `json:"columns"`
	Rows    [][]interface{} `json:"rows"`
}

// ExportJSON writes the result as a JSON object with "columns" and "rows".
func (r *QueryResult) ExportJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// ExportCSV writes the result as CSV, header row first.
func (r *QueryResult) ExportCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	if err := cw.Write(r.Columns); err != nil {
		return err
	}
	for _, row := range r.Rows {
		record := make([]string, len(row))
		for i, v := range row {
			record[i] = fmt.Sprintf("%v", v)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	return nil
}

type cachedQueryResult struct {
	result  *QueryResult
	expires time.Time
}

// QueryEngine resolves named, parameterized queries from configuration and
// runs them against the embedded store, the §4.9 query half of Telemetry
// that Service's fixed Overview/ItemDetail/Sessions/Items projections don't
// cover: an operator-defined SQL template instead of a hardcoded Go query.
type QueryEngine struct {
	db  *storage.DB
	cfg *config.Service

	mu    sync.Mutex
	cache map[string]cachedQueryResult
}

// NewQueryEngine wires a query engine against the embedded store and the
// configuration service that supplies query_templates.
func NewQueryEngine(db *storage.DB, cfg *config.Service) *QueryEngine {
	return &QueryEngine{db: db, cfg: cfg, cache: make(map[string]cachedQueryResult)}
}

// Run resolves the named query template, validates and defaults params
// against its declared parameter list, executes it (or serves a cached
// result within cache_ttl_seconds), and returns the result set.
func (q *QueryEngine) Run(name string, params map[string]string) (*QueryResult, error) {
	tmpl, ok := q.cfg.Current().QueryFor(name)
	if !ok {
		return nil, fmt.Errorf("%w: query template %s", assignerrors.ErrNotFound, name)
	}

	resolved, err := resolveParams(tmpl, params)
	if err != nil {
		return nil, err
	}

	cacheKey := cacheKeyFor(name, resolved)
	if tmpl.CacheTTLSeconds > 0 {
		q.mu.Lock()
		cached, ok := q.cache[cacheKey]
		q.mu.Unlock()
		if ok && time.Now().Before(cached.expires) {
			return cached.result, nil
		}
	}

	result, err := q.execute(tmpl, resolved)
	if err != nil {
		return nil, err
	}

	if tmpl.CacheTTLSeconds > 0 {
		q.mu.Lock()
		q.cache[cacheKey] = cachedQueryResult{result: result, expires: time.Now().Add(time.Duration(tmpl.CacheTTLSeconds) * time.Second)}
		q.mu.Unlock()
	}
	return result, nil
}

// resolveParams checks every declared required param is present, fills in
// declared defaults for absent optional ones, and rejects params the
// caller passed that the template doesn't declare.
func resolveParams(tmpl config.QueryTemplate, params map[string]string) (map[string]string, error) {
	declared := make(map[string]config.QueryParam, len(tmpl.Params))
	for _, p := range tmpl.Params {
		declared[p.Name] = p
	}
	for name := range params {
		if _, ok := declared[name]; !ok {
			return nil, fmt.Errorf("%w: query %s does not declare param %s", assignerrors.ErrInvalidArgument, tmpl.Name, name)
		}
	}

	resolved := make(map[string]string, len(tmpl.Params))
	for _, p := range tmpl.Params {
		if v, ok := params[p.Name]; ok && v != "" {
			resolved[p.Name] = v
			continue
		}
		if p.Required {
			return nil, fmt.Errorf("%w: query %s requires param %s", assignerrors.ErrInvalidArgument, tmpl.Name, p.Name)
		}
		if p.Default != nil {
			resolved[p.Name] = fmt.Sprintf("%v", p.Default)
		}
	}
	return resolved, nil
}

func (q *QueryEngine) execute(tmpl config.QueryTemplate, params map[string]string) (*QueryResult, error) {
	args := make([]interface{}, 0, len(params))
	for name, value := range params {
		args = append(args, sql.Named(name, value))
	}

	rows, err := q.db.Conn.Query(tmpl.SQL, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query %s: %v", assignerrors.ErrStoreUnavailable, tmpl.Name, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("%w: query %s columns: %v", assignerrors.ErrStoreUnavailable, tmpl.Name, err)
	}

	result := &QueryResult{Columns: columns}
	for rows.Next() {
		scanTargets := make([]interface{}, len(columns))
		values := make([]interface{}, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, fmt.Errorf("%w: query %s scan: %v", assignerrors.ErrStoreUnavailable, tmpl.Name, err)
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: query %s iteration: %v", assignerrors.ErrStoreUnavailable, tmpl.Name, err)
	}
	return result, nil
}

// cacheKeyFor builds a deterministic cache key from the query name and its
// resolved params, since map iteration order is not stable.
func cacheKeyFor(name string, params map[string]string) string {
	key := name
	names := make([]string, 0, len(params))
	for n := range params {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		key += "|" + n + "=" + strconv.Quote(params[n])
	}
	return key
}
