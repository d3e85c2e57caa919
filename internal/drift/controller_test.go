package drift

import (
	"os"
	"testing"

	"github.com/agentcore/assigner/internal/session"
	"github.com/agentcore/assigner/internal/storage"
)

func setupController(t *testing.T, failureThreshold uint32) (*Controller, *session.Registry) {
	t.Helper()
	f, err := os.CreateTemp("", "drift-test-*.db")
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

	reg, err := session.NewRegistry(session.NewStore(db))
	if err != nil {
		t.Fatal(err)
	}
	reg.Upsert(session.NewSession("win-1"))

	return NewController(reg, failureThreshold, 0.5), reg
}

func TestFingerprintIsDeterministic(t *testing.T) {
	a := Fingerprint("same output")
	b := Fingerprint("same output")
	if a != b {
		t.Error("fingerprinting the same output twice should be deterministic")
	}
}

func TestDriftDistanceIsZeroForEqualFingerprints(t *testing.T) {
	fp := Fingerprint("output")
	if got := DriftDistance(fp, fp); got != 0 {
		t.Errorf("expected 0 drift distance for identical fingerprints, got %f", got)
	}
}

func TestDriftDistanceIsOneForMaximallyDifferentFingerprints(t *testing.T) {
	if got := DriftDistance(0, ^uint64(0)); got != 1.0 {
		t.Errorf("expected 1.0 drift distance for an all-bits-flipped pair, got %f", got)
	}
}

func TestRecordOutcomeUpdatesRegistryStability(t *testing.T) {
	ctrl, reg := setupController(t, 5)

	ctrl.RecordOutcome("win-1", true, 0)
	got, _ := reg.Get("win-1")
	if got.TotalCompleted != 1 {
		t.Errorf("expected 1 completion recorded, got %d", got.TotalCompleted)
	}

	ctrl.RecordOutcome("win-1", true, 1.0)
	got, _ = reg.Get("win-1")
	// alpha=0.5, driftDistance=1.0 -> score = 0.5*1.0 + 0.5*(1-1.0) = 0.5
	if got.StabilityScore != 0.5 {
		t.Errorf("expected stability score 0.5, got %f", got.StabilityScore)
	}
}

func TestRecordOutcomeTripsCircuitAfterConsecutiveFailures(t *testing.T) {
	ctrl, reg := setupController(t, 2)

	ctrl.RecordOutcome("win-1", false, 1.0)
	ctrl.RecordOutcome("win-1", false, 1.0)

	got, _ := reg.Get("win-1")
	if got.CircuitState != session.CircuitOpen {
		t.Errorf("expected circuit open after %d consecutive failures, got %s", 2, got.CircuitState)
	}
}
