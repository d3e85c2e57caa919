package dispatch

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/agentcore/assigner/internal/multiplexer"
	"github.com/agentcore/assigner/internal/session"
	"github.com/agentcore/assigner/internal/storage"
	"github.com/agentcore/assigner/internal/workitem"
)

type fakeMux struct {
	sendErr   error
	failUntil int
	sent      []string
}

func (f *fakeMux) ListWindows(ctx context.Context) ([]multiplexer.Window, error) { return nil, nil }
func (f *fakeMux) CaptureOutput(ctx context.Context, name string, lines int) (string, error) {
	return "", nil
}
func (f *fakeMux) SendText(ctx context.Context, name, text string) error { return nil }
func (f *fakeMux) SendSubmit(ctx context.Context, name, text string) error {
	f.sent = append(f.sent, text)
	if len(f.sent) <= f.failUntil {
		return f.sendErr
	}
	return nil
}

type fakeOutcomeRecorder struct {
	calls []struct {
		session string
		success bool
		drift   float64
	}
}

func (f *fakeOutcomeRecorder) RecordOutcome(sessionName string, success bool, driftDistance float64) {
	f.calls = append(f.calls, struct {
		session string
		success bool
		drift   float64
	}{sessionName, success, driftDistance})
}

func setupDispatcher(t *testing.T) (*workitem.QueueStore, *session.Registry, func()) {
	t.Helper()
	f, err := os.CreateTemp("", "dispatch-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()

	db, err := storage.Open(f.Name())
	if err != nil {
		t.Fatal(err)
	}

	queue := workitem.NewQueueStore(workitem.NewStore(db))
	reg, err := session.NewRegistry(session.NewStore(db))
	if err != nil {
		t.Fatal(err)
	}

	cleanup := func() {
		db.Close()
		os.Remove(f.Name())
	}
	return queue, reg, cleanup
}

func TestDeliverSucceedsOnFirstAttempt(t *testing.T) {
	queue, reg, cleanup := setupDispatcher(t)
	defer cleanup()

	reg.Upsert(session.NewSession("win-1"))
	item, err := queue.Enqueue(workitem.EnqueueParams{Payload: "hello", Priority: 5})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := queue.ClaimNextFor(func(*workitem.WorkItem) bool { return true }); err != nil {
		t.Fatal(err)
	}

	mux := &fakeMux{}
	d := NewDispatcher(mux, queue, reg, &fakeOutcomeRecorder{})
	if err := d.Deliver(context.Background(), item, "win-1"); err != nil {
		t.Fatalf("expected delivery to succeed, got %v", err)
	}

	got := queue.Get(item.ID)
	if got.Status != workitem.StatusInProgress {
		t.Errorf("expected in_progress after delivery, got %s", got.Status)
	}
	if len(mux.sent) != 1 || mux.sent[0] != "hello" {
		t.Errorf("expected payload sent exactly once, got %v", mux.sent)
	}
}

func TestDeliverRetriesThenSucceeds(t *testing.T) {
	queue, reg, cleanup := setupDispatcher(t)
	defer cleanup()

	reg.Upsert(session.NewSession("win-1"))
	item, err := queue.Enqueue(workitem.EnqueueParams{Payload: "hello", Priority: 5})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := queue.ClaimNextFor(func(*workitem.WorkItem) bool { return true }); err != nil {
		t.Fatal(err)
	}

	mux := &fakeMux{sendErr: errors.New("pane busy"), failUntil: 1}
	d := NewDispatcher(mux, queue, reg, &fakeOutcomeRecorder{})
	if err := d.Deliver(context.Background(), item, "win-1"); err != nil {
		t.Fatalf("expected delivery to eventually succeed, got %v", err)
	}
	if len(mux.sent) != 2 {
		t.Errorf("expected exactly one retry (2 attempts), got %d", len(mux.sent))
	}
}

func TestDeliverFailsAfterExhaustingAttempts(t *testing.T) {
	queue, reg, cleanup := setupDispatcher(t)
	defer cleanup()

	reg.Upsert(session.NewSession("win-1"))
	item, err := queue.Enqueue(workitem.EnqueueParams{Payload: "hello", Priority: 5, MaxRetries: 5})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := queue.ClaimNextFor(func(*workitem.WorkItem) bool { return true }); err != nil {
		t.Fatal(err)
	}

	mux := &fakeMux{sendErr: errors.New("pane gone"), failUntil: DefaultAttempts}
	recorder := &fakeOutcomeRecorder{}
	d := NewDispatcher(mux, queue, reg, recorder)
	if err := d.Deliver(context.Background(), item, "win-1"); err == nil {
		t.Fatal("expected delivery to return an error after exhausting attempts")
	}
	if len(mux.sent) != DefaultAttempts {
		t.Errorf("expected exactly %d attempts, got %d", DefaultAttempts, len(mux.sent))
	}

	got := queue.Get(item.ID)
	if got.Status != workitem.StatusPending {
		t.Errorf("expected item returned to pending for retry, got %s", got.Status)
	}

	sess, err := reg.Get("win-1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.CurrentWorkID != "" {
		t.Error("expected the session released after exhausted delivery")
	}

	if len(recorder.calls) != 1 || recorder.calls[0].session != "win-1" || recorder.calls[0].success {
		t.Errorf("expected a single failed outcome recorded for win-1, got %+v", recorder.calls)
	}
}
