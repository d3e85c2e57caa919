package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewServiceFallsBackToDefaultsWhenNoFiles(t *testing.T) {
	dir := t.TempDir()
	svc, err := NewService(dir, "")
	if err != nil {
		t.Fatalf("expected no error with an empty config dir, got %v", err)
	}
	snap := svc.Current()
	if snap.Multiplexer != "tmux" {
		t.Errorf("expected default multiplexer tmux, got %s", snap.Multiplexer)
	}
}

func TestNewServiceLayersBaseThenEnvironment(t *testing.T) {
	dir := t.TempDir()
	writeBaseFile(t, dir, "settings", "probe_interval: 5s\nmultiplexer: wezterm\n")
	writeEnvFile(t, dir, "staging", "multiplexer: tmux\n")

	svc, err := NewService(dir, "staging")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	snap := svc.Current()
	if snap.ProbeInterval.String() != "5s" {
		t.Errorf("expected base settings' probe_interval to survive, got %s", snap.ProbeInterval)
	}
	if snap.Multiplexer != "tmux" {
		t.Errorf("expected the environment overlay to override multiplexer, got %s", snap.Multiplexer)
	}
}

func TestNewServiceHonorsLocalOverrides(t *testing.T) {
	dir := t.TempDir()
	writeBaseFile(t, dir, "settings", "multiplexer: wezterm\n")
	writeLocalFile(t, dir, "multiplexer: screen\n")

	svc, err := NewService(dir, "")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if svc.Current().Multiplexer != "screen" {
		t.Errorf("expected local overrides to win over base, got %s", svc.Current().Multiplexer)
	}
}

func TestNewServiceAcceptsJSONLayerFiles(t *testing.T) {
	dir := t.TempDir()
	baseDir := filepath.Join(dir, "base")
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, baseDir, "settings.json", `{"multiplexer": "tmux", "default_timeout_minutes": 45}`)

	svc, err := NewService(dir, "")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	snap := svc.Current()
	if snap.Multiplexer != "tmux" || snap.DefaultTimeoutMin != 45 {
		t.Errorf("expected JSON base layer to populate settings, got %+v", snap)
	}
}

func TestNewServiceRejectsOutOfRangeStabilityFloor(t *testing.T) {
	dir := t.TempDir()
	writeBaseFile(t, dir, "settings", "stability_floor: 1.5\n")

	if _, err := NewService(dir, ""); err == nil {
		t.Error("expected an error for stability_floor outside [0,1]")
	}
}

func TestReloadPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	writeBaseFile(t, dir, "settings", "multiplexer: wezterm\n")

	svc, err := NewService(dir, "")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if svc.Current().Multiplexer != "wezterm" {
		t.Fatalf("expected initial multiplexer wezterm, got %s", svc.Current().Multiplexer)
	}

	writeBaseFile(t, dir, "settings", "multiplexer: tmux\n")
	if err := svc.Reload(); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if svc.Current().Multiplexer != "tmux" {
		t.Errorf("expected reload to pick up tmux, got %s", svc.Current().Multiplexer)
	}
}

func TestNewServiceParsesRoutingAndSlaAndQueryLayers(t *testing.T) {
	dir := t.TempDir()
	writeBaseFile(t, dir, "routing_rules", `
routing_rules:
  - task_type: review
    required_provider: claude
    preferred_sessions: ["alpha"]
`)
	writeBaseFile(t, dir, "sla_rules", `
sla_targets:
  - task_type: review
    target_minutes: 20
    warning_percent: 70
    critical_percent: 150
    max_retries: 2
`)
	writeBaseFile(t, dir, "queries", `
queries:
  - name: stuck_items
    sql: "select id from work_items where status = :status"
    cache_ttl: 30
    params:
      - name: status
        type: string
        required: true
`)
	writeBaseFile(t, dir, "settings", `
excluded_sessions: ["quarantine-1"]
supported_providers: ["claude", "codex"]
fallback_rules:
  - condition: no_eligible_session
    action: widen_provider
`)

	svc, err := NewService(dir, "")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	snap := svc.Current()

	rule, ok := snap.RuleFor("review")
	if !ok || rule.RequiredProvider != "claude" || len(rule.PreferredSessions) != 1 {
		t.Errorf("expected review routing rule, got %+v ok=%v", rule, ok)
	}

	sla, ok := snap.SlaFor("review")
	if !ok || sla.TimeoutMinutes != 20 || sla.CriticalPercent != 150 {
		t.Errorf("expected review SLA target, got %+v ok=%v", sla, ok)
	}

	query, ok := snap.QueryFor("stuck_items")
	if !ok || query.CacheTTLSeconds != 30 || len(query.Params) != 1 {
		t.Errorf("expected stuck_items query template, got %+v ok=%v", query, ok)
	}

	foundExcluded := false
	for _, name := range snap.ExcludedSessions {
		if name == "quarantine-1" {
			foundExcluded = true
		}
	}
	if !foundExcluded {
		t.Error("expected quarantine-1 to be in excluded_sessions")
	}
	if snap.ProviderSupported("gemini") {
		t.Error("expected gemini to be outside the configured supported_providers allowlist")
	}
	if len(snap.FallbackRules) != 1 || snap.FallbackRules[0].Action != "widen_provider" {
		t.Errorf("expected one widen_provider fallback rule, got %+v", snap.FallbackRules)
	}
}

func TestEffectiveTimeoutMinutesAppliesCriticalMultiplier(t *testing.T) {
	snap := Defaults()
	snap.SlaTargets = []SlaTarget{{TaskType: "review", TimeoutMinutes: 20, CriticalPercent: 150}}

	if got := snap.EffectiveTimeoutMinutes("review", 0); got != 30 {
		t.Errorf("expected critical multiplier to scale 20min to 30min, got %d", got)
	}
	if got := snap.EffectiveTimeoutMinutes("review", 5); got != 5 {
		t.Errorf("expected item override to win outright, got %d", got)
	}
	if got := snap.EffectiveTimeoutMinutes("unknown", 0); got != snap.DefaultTimeoutMin {
		t.Errorf("expected the daemon default for an unconfigured task type, got %d", got)
	}
}

func TestRuleForAndSlaFor(t *testing.T) {
	snap := Defaults()
	snap.RoutingRules = []RoutingRule{{TaskType: "review", RequiredProvider: "claude"}}
	snap.SlaTargets = []SlaTarget{{TaskType: "review", TimeoutMinutes: 10}}

	rule, ok := snap.RuleFor("review")
	if !ok || rule.RequiredProvider != "claude" {
		t.Errorf("expected review rule with required_provider claude, got %+v ok=%v", rule, ok)
	}
	if _, ok := snap.RuleFor("unknown-task"); ok {
		t.Error("expected no rule for an unconfigured task type")
	}

	sla, ok := snap.SlaFor("review")
	if !ok || sla.TimeoutMinutes != 10 {
		t.Errorf("expected review SLA with timeout 10, got %+v ok=%v", sla, ok)
	}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func writeBaseFile(t *testing.T, dir, name, content string) {
	t.Helper()
	baseDir := filepath.Join(dir, "base")
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, baseDir, name+".yaml", content)
}

func writeEnvFile(t *testing.T, dir, env, content string) {
	t.Helper()
	envDir := filepath.Join(dir, "environments")
	if err := os.MkdirAll(envDir, 0755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, envDir, env+".yaml", content)
}

func writeLocalFile(t *testing.T, dir, content string) {
	t.Helper()
	localDir := filepath.Join(dir, "local")
	if err := os.MkdirAll(localDir, 0755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, localDir, "overrides.yaml", content)
}
