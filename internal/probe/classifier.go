// Package probe implements the Session Probe: it periodically captures each
// known session's screen output, classifies the session's live state from
// pattern tables, and feeds the result into the Session Registry.
package probe

import (
	"regexp"
	"strings"

	"github.com/agentcore/assigner/internal/session"
)

// patternRule matches a regex against captured output and yields a status.
// Order matters: the first matching rule wins, letting waiting-for-input
// prompts take precedence over a stale busy spinner left on screen.
type patternRule struct {
	pattern *regexp.Regexp
	status  session.Status
}

var statusPatterns = []patternRule{
	{regexp.MustCompile(`(?i)\(y/n\)|\[y/n\]|do you want to proceed|press enter to continue`), session.StatusWaitingInput},
	{regexp.MustCompile(`(?i)thinking|running|generating|\besc to interrupt\b|\bworking\b`), session.StatusBusy},
	{regexp.MustCompile(`\$\s*$|>\s*$|#\s*$`), session.StatusIdle},
}

// failureEvidencePatterns match output that indicates the running agent hit
// an error worth retrying, separate from the StatusWaitingInput patterns
// above: an error banner is not a prompt waiting for a reply, and
// classifying it as idle input-wait lets a failed session sit there
// reporting "completed" once its quiesce window elapses.
var failureEvidencePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)error:|exception|non-zero exit|command failed|unhandled rejection`),
}

// fatalEvidencePatterns match output the Lifecycle Supervisor treats as
// non-retryable: a crash dump rather than a recoverable task-level error.
var fatalEvidencePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)traceback \(most recent call last\)|panic:|fatal:|segmentation fault`),
}

type providerRule struct {
	pattern  *regexp.Regexp
	provider session.Provider
}

var providerRules = []providerRule{
	{regexp.MustCompile(`(?i)claude code|anthropic`), session.ProviderClaude},
	{regexp.MustCompile(`(?i)codex|openai`), session.ProviderCodex},
	{regexp.MustCompile(`(?i)gemini`), session.ProviderGemini},
	{regexp.MustCompile(`(?i)grok`), session.ProviderGrok},
	{regexp.MustCompile(`(?i)comet`), session.ProviderComet},
	{regexp.MustCompile(`(?i)ollama`), session.ProviderOllama},
}

// Classify derives a session status from captured terminal output. Empty
// output classifies as unknown rather than idle, since a blank pane can
// equally mean "just spawned" or "mid-clear".
func Classify(output string) session.Status {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return session.StatusUnknown
	}
	for _, rule := range statusPatterns {
		if rule.pattern.MatchString(trimmed) {
			return rule.status
		}
	}
	return session.StatusUnknown
}

// HasFailureEvidence reports whether captured output contains an error
// banner or a fatal crash signature, retryable or not.
func HasFailureEvidence(output string) bool {
	return matchesAny(failureEvidencePatterns, output) || matchesAny(fatalEvidencePatterns, output)
}

// IsFatalFailure reports whether captured output contains a crash dump the
// Lifecycle Supervisor should not retry, such as a traceback or panic.
func IsFatalFailure(output string) bool {
	return matchesAny(fatalEvidencePatterns, output)
}

func matchesAny(patterns []*regexp.Regexp, output string) bool {
	for _, p := range patterns {
		if p.MatchString(output) {
			return true
		}
	}
	return false
}

// DetectProvider infers which agent CLI is running in a pane from its
// banner or prompt text. Returns ProviderUnknown if no pattern matches,
// leaving a previously-detected provider unchanged is the caller's
// responsibility.
func DetectProvider(output string) session.Provider {
	for _, rule := range providerRules {
		if rule.pattern.MatchString(output) {
			return rule.provider
		}
	}
	return session.ProviderUnknown
}
