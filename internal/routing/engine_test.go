package routing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/agentcore/assigner/internal/config"
	"github.com/agentcore/assigner/internal/session"
	"github.com/agentcore/assigner/internal/storage"
	"github.com/agentcore/assigner/internal/workitem"
)

func setupEngine(t *testing.T, yamlConfig string) (*Engine, *session.Registry) {
	t.Helper()

	f, err := os.CreateTemp("", "routing-test-*.db")
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

	dir := t.TempDir()
	if yamlConfig != "" {
		baseDir := filepath.Join(dir, "base")
		if err := os.MkdirAll(baseDir, 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(baseDir, "routing_rules.yaml"), []byte(yamlConfig), 0644); err != nil {
			t.Fatal(err)
		}
	}
	cfgSvc, err := config.NewService(dir, "")
	if err != nil {
		t.Fatal(err)
	}

	return NewEngine(reg, cfgSvc), reg
}

func idleSession(reg *session.Registry, t *testing.T, name string, provider session.Provider, stability float64) {
	t.Helper()
	s := session.NewSession(name)
	s.Provider = provider
	s.StabilityScore = stability
	reg.Upsert(s)
	reg.UpdateObservedState(name, session.StatusIdle, "")
}

func TestBestSessionReturnsNilWithNoCandidates(t *testing.T) {
	engine, _ := setupEngine(t, "")
	item := &workitem.WorkItem{ID: "w1", TaskType: "default"}
	if got := engine.BestSession(item); got != nil {
		t.Errorf("expected nil with no registered sessions, got %+v", got)
	}
}

func TestBestSessionHonorsTargetSessionDominance(t *testing.T) {
	engine, reg := setupEngine(t, "")
	idleSession(reg, t, "alpha", session.ProviderClaude, 1.0)
	idleSession(reg, t, "beta", session.ProviderClaude, 1.0)

	item := &workitem.WorkItem{ID: "w1", TaskType: "default", TargetSession: "beta"}
	got := engine.BestSession(item)
	if got == nil || got.Name != "beta" {
		t.Errorf("expected target_session to dominate and select beta, got %+v", got)
	}
}

func TestBestSessionFiltersByRequiredProvider(t *testing.T) {
	engine, reg := setupEngine(t, "")
	idleSession(reg, t, "claude-one", session.ProviderClaude, 1.0)
	idleSession(reg, t, "codex-one", session.ProviderCodex, 1.0)

	item := &workitem.WorkItem{ID: "w1", TaskType: "default", TargetProvider: "codex"}
	got := engine.BestSession(item)
	if got == nil || got.Name != "codex-one" {
		t.Errorf("expected the codex provider to be selected, got %+v", got)
	}
}

func TestBestSessionOrdersByStabilityThenFailureRatio(t *testing.T) {
	engine, reg := setupEngine(t, "")
	idleSession(reg, t, "shaky", session.ProviderClaude, 0.6)
	idleSession(reg, t, "solid", session.ProviderClaude, 0.9)

	item := &workitem.WorkItem{ID: "w1", TaskType: "default"}
	got := engine.BestSession(item)
	if got == nil || got.Name != "solid" {
		t.Errorf("expected the more stable session to win, got %+v", got)
	}

	// Equal stability: the lower failure ratio wins over the name tiebreak,
	// which alone would pick "flaky". Zero drift keeps both scores at 1.0.
	engine, reg = setupEngine(t, "")
	idleSession(reg, t, "flaky", session.ProviderClaude, 1.0)
	idleSession(reg, t, "steady", session.ProviderClaude, 1.0)
	reg.RecordOutcome("flaky", false, 0, 0.5)
	reg.RecordOutcome("steady", true, 0, 0.5)

	got = engine.BestSession(item)
	if got == nil || got.Name != "steady" {
		t.Errorf("expected the lower failure ratio to win at equal stability, got %+v", got)
	}
}

func TestBestSessionHonorsPreferredSessionsRanking(t *testing.T) {
	engine, reg := setupEngine(t, `
routing_rules:
  - task_type: review
    preferred_sessions: ["beta", "alpha"]
`)
	idleSession(reg, t, "alpha", session.ProviderClaude, 1.0)
	idleSession(reg, t, "beta", session.ProviderClaude, 1.0)

	item := &workitem.WorkItem{ID: "w1", TaskType: "review"}
	got := engine.BestSession(item)
	if got == nil || got.Name != "beta" {
		t.Errorf("expected the preference list to rank beta first despite equal stability, got %+v", got)
	}
}

func TestBestSessionExcludesSelfAssignment(t *testing.T) {
	engine, reg := setupEngine(t, "")
	idleSession(reg, t, "alpha", session.ProviderClaude, 1.0)

	item := &workitem.WorkItem{ID: "w1", TaskType: "default", Source: "alpha"}
	if got := engine.BestSession(item); got != nil {
		t.Errorf("expected the originating session to be excluded from its own work, got %+v", got)
	}
}

func TestSelectorReflectsBestSession(t *testing.T) {
	engine, reg := setupEngine(t, "")
	idleSession(reg, t, "alpha", session.ProviderClaude, 1.0)

	sel := engine.Selector()
	eligible := &workitem.WorkItem{ID: "w1", TaskType: "default"}
	if !sel(eligible) {
		t.Error("expected selector to report eligible when a candidate exists")
	}

	ineligible := &workitem.WorkItem{ID: "w2", TaskType: "default", TargetSession: "offline-session"}
	if sel(ineligible) {
		t.Error("expected selector to reject a candidate with no matching target session")
	}
}

func TestEligibleExcludesConfiguredSessions(t *testing.T) {
	engine, reg := setupEngine(t, "")
	idleSession(reg, t, "alpha", session.ProviderClaude, 1.0)
	idleSession(reg, t, "quarantined", session.ProviderClaude, 1.0)

	engine.cfg.Current().ExcludedSessions = []string{"quarantined"}

	item := &workitem.WorkItem{ID: "w1", TaskType: "default"}
	got := engine.BestSession(item)
	if got == nil || got.Name != "alpha" {
		t.Errorf("expected the excluded session to be skipped in favor of alpha, got %+v", got)
	}
}

func TestEligibleFiltersUnsupportedProviders(t *testing.T) {
	engine, reg := setupEngine(t, "")
	idleSession(reg, t, "claude-one", session.ProviderClaude, 1.0)
	idleSession(reg, t, "gemini-one", session.ProviderGemini, 1.0)

	engine.cfg.Current().SupportedProviders = []string{"claude"}

	item := &workitem.WorkItem{ID: "w1", TaskType: "default"}
	got := engine.BestSession(item)
	if got == nil || got.Name != "claude-one" {
		t.Errorf("expected only the supported provider's session to be eligible, got %+v", got)
	}
}

func TestFallbackForWidensProviderWhenConfigured(t *testing.T) {
	engine, reg := setupEngine(t, "")
	idleSession(reg, t, "codex-one", session.ProviderCodex, 1.0)

	engine.cfg.Current().FallbackRules = []config.FallbackRule{{Condition: "no_eligible_session", Action: "widen_provider"}}

	item := &workitem.WorkItem{ID: "w1", TaskType: "default", TargetProvider: "claude"}
	if got := engine.BestSession(item); got != nil {
		t.Fatalf("expected no ordinary candidate for an unmatched target_provider, got %+v", got)
	}

	got := engine.FallbackFor(item)
	if got == nil || got.Name != "codex-one" {
		t.Errorf("expected widen_provider fallback to pick the codex session, got %+v", got)
	}
}

func TestFallbackForReturnsNilWithoutMatchingRule(t *testing.T) {
	engine, reg := setupEngine(t, "")
	idleSession(reg, t, "codex-one", session.ProviderCodex, 1.0)

	item := &workitem.WorkItem{ID: "w1", TaskType: "default", TargetProvider: "claude"}
	if got := engine.FallbackFor(item); got != nil {
		t.Errorf("expected no fallback without a configured widen_provider rule, got %+v", got)
	}
}
