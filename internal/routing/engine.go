// Package routing implements the Routing Engine: selecting, for a given
// pending work item, the best eligible session to claim it.
package routing

import (
	"sort"

	"github.com/agentcore/assigner/internal/config"
	"github.com/agentcore/assigner/internal/session"
	"github.com/agentcore/assigner/internal/workitem"
)

// Engine computes eligibility and ordering over the session candidate set
// for a work item, per the hard-target-dominance / preference-tiebreak /
// stability-ordering rules.
type Engine struct {
	registry *session.Registry
	cfg      *config.Service
}

// NewEngine wires a routing engine against the registry and configuration
// service, the latter supplying routing_rules preference lists.
func NewEngine(registry *session.Registry, cfg *config.Service) *Engine {
	return &Engine{registry: registry, cfg: cfg}
}

// Selector returns a workitem.Selector that evaluates BestSession against
// each candidate item ClaimNextFor offers it. ClaimNextFor scans pending
// items in priority/FIFO order and claims the first one the selector
// accepts, so the predicate must be evaluated per candidate: a selector
// that ignores its argument would claim the top-of-queue item regardless
// of whether it is actually eligible, stranding it in assigned with no
// session ever bound.
func (e *Engine) Selector() workitem.Selector {
	return func(c *workitem.WorkItem) bool {
		return e.BestSession(c) != nil
	}
}

// BestSession returns the highest-ranked eligible session for item, or nil
// if none qualify. It always reads the latest configuration snapshot, so a
// hot reload takes effect on the very next routing tick.
func (e *Engine) BestSession(item *workitem.WorkItem) *session.Session {
	snap := e.cfg.Current()
	candidates := e.eligible(item, snap)
	if len(candidates) == 0 {
		return nil
	}

	rule, hasRule := snap.RuleFor(item.TaskType)
	prefRank := func(s *session.Session) int {
		if !hasRule {
			return len(rule.PreferredSessions)
		}
		for i, name := range rule.PreferredSessions {
			if name == s.Name {
				return i
			}
		}
		return len(rule.PreferredSessions)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]

		if ra, rb := prefRank(a), prefRank(b); ra != rb {
			return ra < rb
		}
		if a.StabilityScore != b.StabilityScore {
			return a.StabilityScore > b.StabilityScore
		}
		if ratio(a) != ratio(b) {
			return ratio(a) < ratio(b)
		}
		return a.Name < b.Name
	})

	return candidates[0]
}

// eligible computes the hard-constraint candidate set: a target_session or
// target_provider on the item dominates and excludes every other session;
// otherwise every selectable, non-self-assigned session with the right
// provider (if required by a routing rule) qualifies.
func (e *Engine) eligible(item *workitem.WorkItem, snap *config.Snapshot) []*session.Session {
	all := e.registry.Candidates(snap.StabilityFloor)

	if item.TargetSession != "" {
		for _, s := range all {
			if s.Name == item.TargetSession {
				return []*session.Session{s}
			}
		}
		return nil
	}

	requiredProvider := item.TargetProvider
	if rule, ok := snap.RuleFor(item.TaskType); ok && rule.RequiredProvider != "" {
		requiredProvider = rule.RequiredProvider
	}

	var out []*session.Session
	for _, s := range all {
		if item.Source != "" && s.Name == item.Source {
			continue
		}
		if excluded(snap.ExcludedSessions, s.Name) {
			continue
		}
		if !snap.ProviderSupported(string(s.Provider)) {
			continue
		}
		if requiredProvider != "" && string(s.Provider) != requiredProvider {
			continue
		}
		out = append(out, s)
	}
	return out
}

// excluded reports whether name appears in the operator's excluded_sessions
// list, kept out of routing consideration entirely regardless of stability.
func excluded(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// FallbackFor applies the configured fallback_rules when no ordinary
// candidate is eligible for item. Only the "widen_provider" action is
// implemented: it retries BestSession with the item's target_provider
// constraint cleared, letting any supported provider pick up work that
// would otherwise sit parked because its preferred provider has no
// eligible session.
func (e *Engine) FallbackFor(item *workitem.WorkItem) *session.Session {
	if e.BestSession(item) != nil {
		return nil
	}

	snap := e.cfg.Current()
	for _, rule := range snap.FallbackRules {
		if rule.Condition != "no_eligible_session" || rule.Action != "widen_provider" {
			continue
		}
		if item.TargetProvider == "" {
			continue
		}
		widened := *item
		widened.TargetProvider = ""
		if best := e.BestSession(&widened); best != nil {
			return best
		}
	}
	return nil
}

// ratio is the failure ratio used as a routing tie-break: sessions that
// fail more of their assigned work rank lower among otherwise-equal
// candidates.
func ratio(s *session.Session) float64 {
	total := s.TotalCompleted + s.TotalFailed
	if total == 0 {
		return 0
	}
	return float64(s.TotalFailed) / float64(total)
}
