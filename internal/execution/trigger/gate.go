package trigger

import (
	"errors"
	"sort"
	"strings"

	"github.com/animus-labs/conveyor/internal/domain"
)

var (
	ErrStartDenied          = errors.New("start denied by gate")
	ErrConfirmationRequired = errors.New("start requires confirmation")
)

type Kind string

const (
	KindManual    Kind = "manual"
	KindAutomatic Kind = "automatic"
)

// GateContext is what gate rules are evaluated over.
type GateContext struct {
	PipelineID  string
	TriggerName string
	Kind        Kind
	Targets     []string
	Params      map[string]string
	Subject     string
	Roles       []string
	Confirmed   bool
}

type Decision struct {
	Effect      domain.GateEffect `json:"effect"`
	RuleID      string            `json:"rule_id,omitempty"`
	Description string            `json:"description,omitempty"`
	Reason      string            `json:"reason,omitempty"`
}

// Values flattens the context into the keys gate predicates address:
// pipeline.id, trigger.kind, trigger.name, actor.subject, actor.roles,
// targets, target.<id>, params.<name> and confirmed.
func (c GateContext) Values() map[string]string {
	out := make(map[string]string, len(c.Params)+len(c.Targets)+8)
	put := func(key, value string) {
		if strings.TrimSpace(value) != "" {
			out[key] = value
		}
	}
	put("pipeline.id", c.PipelineID)
	put("trigger.kind", string(c.Kind))
	put("trigger.name", c.TriggerName)
	put("actor.subject", c.Subject)
	put("actor.roles", strings.Join(c.Roles, ","))

	targets := append([]string(nil), c.Targets...)
	sort.Strings(targets)
	put("targets", strings.Join(targets, ","))
	for _, target := range targets {
		put("target."+strings.TrimSpace(target), "true")
	}
	for name, value := range c.Params {
		out["params."+name] = value
	}
	if c.Confirmed {
		out["confirmed"] = "true"
	} else {
		out["confirmed"] = "false"
	}
	return out
}

// EvaluateGate returns the effect of the first matching rule, or the
// gate's default effect. A gate without a default allows.
func EvaluateGate(gate domain.Gate, ctx GateContext) Decision {
	values := ctx.Values()
	for _, rule := range gate.Rules {
		if len(rule.When) == 0 {
			continue
		}
		if domain.EvaluateAll(rule.When, values) {
			return Decision{
				Effect:      normalizeEffect(rule.Effect),
				RuleID:      strings.TrimSpace(rule.ID),
				Description: strings.TrimSpace(rule.Description),
				Reason:      "rule_match",
			}
		}
	}
	return Decision{Effect: normalizeEffect(gate.DefaultEffect), Reason: "default"}
}

// Admit turns a decision into a start verdict for ctx. Automatic starts
// never pass a confirmation gate.
func Admit(decision Decision, ctx GateContext) error {
	switch decision.Effect {
	case domain.GateAllow:
		return nil
	case domain.GateRequireConfirmation:
		if ctx.Kind == KindManual && ctx.Confirmed {
			return nil
		}
		return ErrConfirmationRequired
	default:
		return ErrStartDenied
	}
}

func normalizeEffect(effect domain.GateEffect) domain.GateEffect {
	switch domain.GateEffect(strings.ToLower(strings.TrimSpace(string(effect)))) {
	case "", domain.GateAllow:
		return domain.GateAllow
	case domain.GateRequireConfirmation, "require_approval":
		return domain.GateRequireConfirmation
	default:
		return domain.GateDeny
	}
}
