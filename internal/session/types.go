// Package session is the durable Session Registry: the inventory of
// long-lived interactive agent sessions, their last-observed state, and
// their learned routing metrics.
package session

import "time"

// Status is the live state of a session as last classified by the probe.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusBusy         Status = "busy"
	StatusWaitingInput Status = "waiting_input"
	StatusUnknown      Status = "unknown"
	StatusOffline      Status = "offline"
)

// Provider is the closed enum of agent kinds a session may be backed by.
type Provider string

const (
	ProviderClaude  Provider = "claude"
	ProviderCodex   Provider = "codex"
	ProviderOllama  Provider = "ollama"
	ProviderComet   Provider = "comet"
	ProviderGemini  Provider = "gemini"
	ProviderGrok    Provider = "grok"
	ProviderUnknown Provider = "unknown"
)

// CircuitState is the per-session circuit breaker state.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// Session is a long-lived interactive agent instance, identified by its
// multiplexer window name.
type Session struct {
	Name               string     `json:"name"`
	Status             Status     `json:"status"`
	Provider           Provider   `json:"provider"`
	Specialty          []string   `json:"specialty,omitempty"`
	LastActivity       time.Time  `json:"last_activity"`
	CurrentWorkID      string     `json:"current_work_id,omitempty"`
	WorkingDirectory   string     `json:"working_directory,omitempty"`
	LastCapturedOutput string     `json:"last_captured_output,omitempty"`
	StabilityScore     float64    `json:"stability_score"`
	CircuitState       CircuitState `json:"circuit_state"`
	TotalCompleted     int        `json:"total_completed"`
	TotalFailed        int        `json:"total_failed"`
	BaselineFingerprint string    `json:"baseline_fingerprint,omitempty"`
	Protected          bool       `json:"protected"`
	PID                *int       `json:"pid,omitempty"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	Model              string     `json:"model,omitempty"`
}

// NewSession creates a freshly discovered session with the default
// stability score and closed circuit, as required by the Session invariant
// "initial 1.0".
func NewSession(name string) *Session {
	return &Session{
		Name:           name,
		Status:         StatusUnknown,
		Provider:       ProviderUnknown,
		StabilityScore: 1.0,
		CircuitState:   CircuitClosed,
		LastActivity:   time.Now(),
	}
}

// IsBusy reports the invariant current_work_id non-null iff status = busy.
func (s *Session) IsBusy() bool {
	return s.Status == StatusBusy && s.CurrentWorkID != ""
}

// Selectable reports whether the session can currently receive routing
// candidates: not protected, circuit not open (closed or half_open), status
// idle or waiting_input, and stability score at or above stabilityFloor.
func (s *Session) Selectable(stabilityFloor float64) bool {
	if s.Protected {
		return false
	}
	if s.CircuitState == CircuitOpen {
		return false
	}
	if s.Status != StatusIdle && s.Status != StatusWaitingInput {
		return false
	}
	if s.StabilityScore < stabilityFloor {
		return false
	}
	return true
}
