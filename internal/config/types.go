// Package config is the Configuration Service: a layered set of data files
// (base, environment overlay, local overlay) published as an atomic
// snapshot and hot-reloaded on change, generalized from the reference fleet
// monitor's single-file agents.LoadTeamsConfig into the operator-facing
// base/sla_rules+routing_rules+queries contract.
package config

import "time"

// RoutingRule binds a task_type to its environment_routing entry: an
// ordered session preference list, optional hard provider requirement, and
// the operational flags the routing algorithm and its fallback rules read.
type RoutingRule struct {
	TaskType          string
	PreferredSessions []string
	RequiredProvider  string
	RequiresEnv       bool
	PortRangeMin      *int
	PortRangeMax      *int
	AutoCreateEnv     bool
	MergeViaPR        bool
	Priority          int
	TimeoutMinutes    int
}

// SlaTarget configures the effective-timeout calculation per task type.
// CriticalPercent, when set, scales target_minutes into the "critical"
// effective timeout the Lifecycle Supervisor enforces; WarningPercent is
// carried for Telemetry to flag at-risk items before they time out.
type SlaTarget struct {
	TaskType        string
	TimeoutMinutes  int
	WarningPercent  int
	CriticalPercent int
	MaxRetries      int
}

// QueryParam describes one parameter a QueryTemplate accepts.
type QueryParam struct {
	Name     string      `yaml:"name"`
	Type     string      `yaml:"type"`
	Required bool        `yaml:"required"`
	Default  interface{} `yaml:"default"`
}

// QueryTemplate is a named, parameterized telemetry query exposed over the
// query API, resolved from configuration rather than hardcoded into
// Telemetry's own source.
type QueryTemplate struct {
	Name            string
	Description     string
	SQL             string
	Params          []QueryParam
	CacheTTLSeconds int
}

// FallbackRule is a routing escalation applied when no normal candidate is
// eligible for a pending item, e.g. widening the provider set instead of
// leaving the item parked until the next tick.
type FallbackRule struct {
	Condition string `yaml:"condition"`
	Action    string `yaml:"action"`
}

// Snapshot is the immutable, atomically-published configuration the rest of
// the daemon reads. A reload swaps the pointer; readers never see a
// partially-applied config.
type Snapshot struct {
	ProbeInterval           time.Duration
	OfflineThreshold        time.Duration
	StabilityFloor          float64
	StabilityAlpha          float64
	DefaultMaxRetries       int
	DefaultTimeoutMin       int
	CircuitFailureThreshold uint32
	Multiplexer             string
	HTTPAddr                string
	DatabasePath            string

	RoutingRules       []RoutingRule
	SlaTargets         []SlaTarget
	QueryTemplates     []QueryTemplate
	ExcludedSessions   []string
	SupportedProviders []string
	FallbackRules      []FallbackRule
}

// RuleFor returns the routing rule for a task type, if configured.
func (s *Snapshot) RuleFor(taskType string) (RoutingRule, bool) {
	for _, r := range s.RoutingRules {
		if r.TaskType == taskType {
			return r, true
		}
	}
	return RoutingRule{}, false
}

// SlaFor returns the SLA target for a task type, if configured.
func (s *Snapshot) SlaFor(taskType string) (SlaTarget, bool) {
	for _, t := range s.SlaTargets {
		if t.TaskType == taskType {
			return t, true
		}
	}
	return SlaTarget{}, false
}

// QueryFor returns the named query template, if configured.
func (s *Snapshot) QueryFor(name string) (QueryTemplate, bool) {
	for _, q := range s.QueryTemplates {
		if q.Name == name {
			return q, true
		}
	}
	return QueryTemplate{}, false
}

// ProviderSupported reports whether provider is allowed by the configured
// supported_providers allowlist. An empty allowlist means every provider is
// supported (the common case when operators haven't restricted the fleet).
func (s *Snapshot) ProviderSupported(provider string) bool {
	if len(s.SupportedProviders) == 0 {
		return true
	}
	for _, p := range s.SupportedProviders {
		if p == provider {
			return true
		}
	}
	return false
}

// EffectiveTimeoutMinutes resolves the deadline the Lifecycle Supervisor
// enforces for a work item: its own override wins outright, else the SLA
// target for its task type scaled by the configured critical multiplier
// (critical_percent/100), else the daemon-wide default.
func (s *Snapshot) EffectiveTimeoutMinutes(taskType string, itemOverride int) int {
	if itemOverride > 0 {
		return itemOverride
	}

	minutes := s.DefaultTimeoutMin
	if sla, ok := s.SlaFor(taskType); ok {
		if sla.TimeoutMinutes > 0 {
			minutes = sla.TimeoutMinutes
		}
		if sla.CriticalPercent > 0 {
			minutes = int(float64(minutes) * float64(sla.CriticalPercent) / 100.0)
		}
	}
	return minutes
}

// Defaults returns the built-in configuration used when no files are
// present, so the daemon can start from a clean checkout.
func Defaults() *Snapshot {
	return &Snapshot{
		ProbeInterval:           3 * time.Second,
		OfflineThreshold:        90 * time.Second,
		StabilityFloor:          0.5,
		StabilityAlpha:          0.9,
		DefaultMaxRetries:       3,
		DefaultTimeoutMin:       30,
		CircuitFailureThreshold: 5,
		Multiplexer:             "tmux",
		HTTPAddr:                ":8089",
		DatabasePath:            "assigner.db",
	}
}
