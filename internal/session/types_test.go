package session

import "testing"

func TestNewSessionDefaults(t *testing.T) {
	s := NewSession("win-1")
	if s.StabilityScore != 1.0 {
		t.Errorf("expected initial stability score 1.0, got %f", s.StabilityScore)
	}
	if s.CircuitState != CircuitClosed {
		t.Errorf("expected initial circuit closed, got %s", s.CircuitState)
	}
	if s.Status != StatusUnknown {
		t.Errorf("expected initial status unknown, got %s", s.Status)
	}
}

func TestSelectableRejectsProtected(t *testing.T) {
	s := NewSession("win-1")
	s.Status = StatusIdle
	s.Protected = true
	if s.Selectable(0) {
		t.Error("a protected session must never be selectable")
	}
}

func TestSelectableRejectsOpenCircuit(t *testing.T) {
	s := NewSession("win-1")
	s.Status = StatusIdle
	s.CircuitState = CircuitOpen
	if s.Selectable(0) {
		t.Error("a tripped circuit must not be selectable")
	}
}

func TestSelectableRejectsBusyOrOffline(t *testing.T) {
	s := NewSession("win-1")
	s.Status = StatusBusy
	if s.Selectable(0) {
		t.Error("a busy session must not be selectable")
	}
	s.Status = StatusOffline
	if s.Selectable(0) {
		t.Error("an offline session must not be selectable")
	}
}

func TestSelectableRejectsBelowStabilityFloor(t *testing.T) {
	s := NewSession("win-1")
	s.Status = StatusIdle
	s.StabilityScore = 0.1
	if s.Selectable(0.5) {
		t.Error("a session below the stability floor must not be selectable")
	}
}

func TestSelectableAcceptsIdleOrWaiting(t *testing.T) {
	s := NewSession("win-1")
	s.Status = StatusIdle
	if !s.Selectable(0) {
		t.Error("an idle session above the floor should be selectable")
	}
	s.Status = StatusWaitingInput
	if !s.Selectable(0) {
		t.Error("a waiting_input session above the floor should be selectable")
	}
}

func TestIsBusyRequiresBothStatusAndWorkID(t *testing.T) {
	s := NewSession("win-1")
	s.Status = StatusBusy
	if s.IsBusy() {
		t.Error("busy status alone without a bound work item should not count as IsBusy")
	}
	s.CurrentWorkID = "w1"
	if !s.IsBusy() {
		t.Error("busy status plus a bound work item should count as IsBusy")
	}
}
