package trigger

import (
	"strings"
	"sync"

	"github.com/animus-labs/conveyor/internal/domain"
	"github.com/gobwas/glob"
)

// ShouldStart decides whether a revision event activates trigger.
// Manual-only and disabled triggers never activate from events.
func ShouldStart(trigger domain.Trigger, event domain.RevisionEvent) bool {
	if trigger.Mode != domain.TriggerAutomatic || trigger.Disabled {
		return false
	}
	if strings.TrimSpace(event.RevisionID) == "" {
		return false
	}
	return BranchMatches(trigger.BranchFilter, event.Branch)
}

// BranchMatches reports whether branch satisfies a glob filter such as
// "release/*". An empty filter matches every branch; an invalid one none.
func BranchMatches(filter, branch string) bool {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return true
	}
	g, err := glob.Compile(filter, '/')
	if err != nil {
		return false
	}
	return g.Match(strings.TrimPrefix(strings.TrimSpace(branch), "refs/heads/"))
}

// EvaluateRunCondition tests a boolean run condition against run params.
// An absent param means not met, never an error.
func EvaluateRunCondition(condition domain.Predicate, params map[string]string) bool {
	return condition.Evaluate(params)
}

// EvaluateRunConditions reports whether all conditions hold.
func EvaluateRunConditions(conditions []domain.Predicate, params map[string]string) bool {
	for _, condition := range conditions {
		if !EvaluateRunCondition(condition, params) {
			return false
		}
	}
	return true
}

// Ledger remembers which revisions each trigger already started, so a
// trigger starts at most one run per revision.
type Ledger struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewLedger() *Ledger {
	return &Ledger{seen: make(map[string]struct{})}
}

// Claim records (pipeline, trigger, revision) and reports whether it is new.
func (l *Ledger) Claim(pipelineID, triggerName, revisionID string) bool {
	key := pipelineID + "\x00" + triggerName + "\x00" + strings.TrimSpace(revisionID)
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[key]; ok {
		return false
	}
	l.seen[key] = struct{}{}
	return true
}

// Forget releases a claim, used when starting the run failed.
func (l *Ledger) Forget(pipelineID, triggerName, revisionID string) {
	key := pipelineID + "\x00" + triggerName + "\x00" + strings.TrimSpace(revisionID)
	l.mu.Lock()
	delete(l.seen, key)
	l.mu.Unlock()
}
