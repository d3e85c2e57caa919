package telemetry

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/agentcore/assigner/internal/config"
	"github.com/agentcore/assigner/internal/storage"
	"github.com/agentcore/assigner/internal/workitem"
)

func setupQueryEngine(t *testing.T) (*QueryEngine, *workitem.QueueStore) {
	t.Helper()

	f, err := os.CreateTemp("", "telemetry-query-test-*.db")
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

	dir := t.TempDir()
	baseDir := filepath.Join(dir, "base")
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		t.Fatal(err)
	}
	queriesYAML := `
queries:
  - name: by_status
    sql: "select id, status from work_items where status = :status"
    cache_ttl: 60
    params:
      - name: status
        type: string
        required: true
  - name: all_pending
    sql: "select id from work_items where status = 'pending'"
`
	if err := os.WriteFile(filepath.Join(baseDir, "queries.yaml"), []byte(queriesYAML), 0644); err != nil {
		t.Fatal(err)
	}

	cfgSvc, err := config.NewService(dir, "")
	if err != nil {
		t.Fatal(err)
	}

	return NewQueryEngine(db, cfgSvc), queue
}

func TestQueryEngineRunsNamedQueryWithParams(t *testing.T) {
	engine, queue := setupQueryEngine(t)

	if _, err := queue.Enqueue(workitem.EnqueueParams{Payload: "x", Priority: 5}); err != nil {
		t.Fatal(err)
	}

	result, err := engine.Run("by_status", map[string]string{"status": "pending"})
	if err != nil {
		t.Fatalf("expected query to succeed, got %v", err)
	}
	if len(result.Rows) != 1 {
		t.Fatalf("expected one pending row, got %d", len(result.Rows))
	}
}

func TestQueryEngineRejectsMissingRequiredParam(t *testing.T) {
	engine, _ := setupQueryEngine(t)

	if _, err := engine.Run("by_status", nil); err == nil {
		t.Error("expected an error for the missing required status param")
	}
}

func TestQueryEngineRejectsUnknownQueryName(t *testing.T) {
	engine, _ := setupQueryEngine(t)

	if _, err := engine.Run("does_not_exist", nil); err == nil {
		t.Error("expected an error for an unconfigured query name")
	}
}

func TestQueryEngineCachesWithinTTL(t *testing.T) {
	engine, queue := setupQueryEngine(t)

	if _, err := queue.Enqueue(workitem.EnqueueParams{Payload: "x", Priority: 5}); err != nil {
		t.Fatal(err)
	}

	first, err := engine.Run("by_status", map[string]string{"status": "pending"})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := queue.Enqueue(workitem.EnqueueParams{Payload: "y", Priority: 5}); err != nil {
		t.Fatal(err)
	}

	second, err := engine.Run("by_status", map[string]string{"status": "pending"})
	if err != nil {
		t.Fatal(err)
	}
	if len(second.Rows) != len(first.Rows) {
		t.Errorf("expected the cached result to ignore the second enqueue, got %d rows", len(second.Rows))
	}
}

func TestQueryEngineNoCacheWhenTTLUnset(t *testing.T) {
	engine, queue := setupQueryEngine(t)

	if _, err := queue.Enqueue(workitem.EnqueueParams{Payload: "x", Priority: 5}); err != nil {
		t.Fatal(err)
	}
	first, err := engine.Run("all_pending", nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := queue.Enqueue(workitem.EnqueueParams{Payload: "y", Priority: 5}); err != nil {
		t.Fatal(err)
	}
	second, err := engine.Run("all_pending", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(second.Rows) <= len(first.Rows) {
		t.Errorf("expected an uncached query to reflect the second enqueue, got %d then %d rows", len(first.Rows), len(second.Rows))
	}
}

func TestQueryResultExportJSONAndCSV(t *testing.T) {
	result := &QueryResult{
		Columns: []string{"id", "status"},
		Rows:    [][]interface{}{{"w1", "pending"}, {"w2", "completed"}},
	}

	var jsonBuf bytes.Buffer
	if err := result.ExportJSON(&jsonBuf); err != nil {
		t.Fatalf("expected JSON export to succeed, got %v", err)
	}
	if jsonBuf.Len() == 0 {
		t.Error("expected non-empty JSON output")
	}

	var csvBuf bytes.Buffer
	if err := result.ExportCSV(&csvBuf); err != nil {
		t.Fatalf("expected CSV export to succeed, got %v", err)
	}
	if csvBuf.Len() == 0 {
		t.Error("expected non-empty CSV output")
	}
}
