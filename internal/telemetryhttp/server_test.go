package telemetryhttp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/agentcore/assigner/internal/config"
	"github.com/agentcore/assigner/internal/session"
	"github.com/agentcore/assigner/internal/storage"
	"github.com/agentcore/assigner/internal/telemetry"
	"github.com/agentcore/assigner/internal/workitem"
)

func setupTestServer(t *testing.T) *Server {
	t.Helper()
	f, err := os.CreateTemp("", "telemetryhttp-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })

	db, err := storage.Open(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	queue := workitem.NewQueueStore(workitem.NewStore(db))
	reg, err := session.NewRegistry(session.NewStore(db))
	if err != nil {
		t.Fatal(err)
	}
	reg.Upsert(session.NewSession("win-1"))

	return NewServer(telemetry.NewService(queue, reg))
}

func TestHandleOverviewReturnsOKWithQueueAndSessions(t *testing.T) {
	srv := setupTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/overview", nil)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Sessions []*session.Session `json:"sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Sessions) != 1 {
		t.Errorf("expected 1 session in the overview, got %d", len(body.Sessions))
	}
}

func TestHandleItemDetailReturns404ForUnknownID(t *testing.T) {
	srv := setupTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/items/does-not-exist", nil)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for an unknown work item, got %d", rec.Code)
	}
}

func TestHandleListSessionsFiltersByStatus(t *testing.T) {
	srv := setupTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/sessions?status=busy", nil)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var sessions []*session.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &sessions); err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 0 {
		t.Errorf("expected no busy sessions (the only session is idle), got %d", len(sessions))
	}
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	srv := setupTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rec.Code)
	}
}

func TestHandleQueryReturns404WithoutQueryEngine(t *testing.T) {
	srv := setupTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/query/stuck_items", nil)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 with no query engine wired, got %d", rec.Code)
	}
}

func TestHandleQueryRunsNamedQueryAndSupportsCSV(t *testing.T) {
	f, err := os.CreateTemp("", "telemetryhttp-query-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })

	db, err := storage.Open(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	queue := workitem.NewQueueStore(workitem.NewStore(db))
	reg, err := session.NewRegistry(session.NewStore(db))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := queue.Enqueue(workitem.EnqueueParams{Payload: "x", Priority: 5}); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	baseDir := filepath.Join(dir, "base")
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		t.Fatal(err)
	}
	queriesYAML := "queries:\n  - name: all_items\n    sql: \"select id, status from work_items\"\n"
	if err := os.WriteFile(filepath.Join(baseDir, "queries.yaml"), []byte(queriesYAML), 0644); err != nil {
		t.Fatal(err)
	}
	cfgSvc, err := config.NewService(dir, "")
	if err != nil {
		t.Fatal(err)
	}

	srv := NewServer(telemetry.NewService(queue, reg))
	srv.SetQueryEngine(telemetry.NewQueryEngine(db, cfgSvc))

	req := httptest.NewRequest(http.MethodGet, "/api/query/all_items?format=csv", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "text/csv" {
		t.Errorf("expected CSV content type, got %s", rec.Header().Get("Content-Type"))
	}
}

func TestCheckOriginAllowsLocalhostAndConfiguredOrigins(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws/events", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	if !checkOrigin(req) {
		t.Error("expected localhost origin to be allowed")
	}

	req.Header.Set("Origin", "http://evil.example.com")
	if checkOrigin(req) {
		t.Error("expected an unlisted origin to be rejected")
	}
}
