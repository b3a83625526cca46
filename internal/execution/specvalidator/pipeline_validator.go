package specvalidator

import (
	"fmt"
	"strings"

	"github.com/animus-labs/conveyor/internal/domain"
	"github.com/animus-labs/conveyor/internal/execution/graph"
)

// ValidatePipeline performs strict validation of a pipeline definition,
// including graph construction, so cycles surface at definition time.
func ValidatePipeline(p domain.Pipeline) error {
	issues := &ValidationError{}

	if strings.TrimSpace(p.ID) == "" {
		issues.Add("id is required")
	}
	if len(p.Stages) == 0 {
		issues.Add("stages must contain at least one stage")
		return issues.OrNil()
	}

	params := make(map[string]struct{}, len(p.Params))
	for i, param := range p.Params {
		name := strings.TrimSpace(param.Name)
		if name == "" {
			issues.Add(fmt.Sprintf("params[%d] name is required", i))
			continue
		}
		if _, exists := params[name]; exists {
			issues.Add(fmt.Sprintf("duplicate param %q", name))
		}
		params[name] = struct{}{}
		switch param.Kind {
		case domain.ParamKindText, "":
		case domain.ParamKindCheckbox:
			if !isCheckboxValue(param.Default) {
				issues.Add(fmt.Sprintf("param[%s] checkbox default must be true or false", name))
			}
		default:
			issues.Add(fmt.Sprintf("param[%s] kind unsupported: %q", name, param.Kind))
		}
	}

	stageIDs := make(map[string]struct{}, len(p.Stages))
	for i, stage := range p.Stages {
		id := strings.TrimSpace(stage.ID)
		if id == "" {
			issues.Add(fmt.Sprintf("stage[%d] id is required", i))
			continue
		}
		if _, exists := stageIDs[id]; exists {
			issues.Add(fmt.Sprintf("duplicate stage id %q", id))
		}
		stageIDs[id] = struct{}{}

		if err := stage.Validate(); err != nil {
			issues.Add(err.Error())
		}
		if stage.NeedsAgent() && len(stage.Steps) == 0 {
			issues.Add(fmt.Sprintf("stage[%s] steps are required", id))
		}
		for j, step := range stage.Steps {
			if strings.TrimSpace(step.Name) == "" {
				issues.Add(fmt.Sprintf("stage[%s] step[%d] name is required", id, j))
			}
			if strings.TrimSpace(step.Command) == "" {
				issues.Add(fmt.Sprintf("stage[%s] step[%d] command is required", id, j))
			}
			validatePredicates(issues, fmt.Sprintf("stage[%s] step[%d] conditions", id, j), step.Conditions)
		}
		validatePredicates(issues, fmt.Sprintf("stage[%s] requirements", id), stage.Requirements)
		validatePredicates(issues, fmt.Sprintf("stage[%s] conditions", id), stage.Conditions)
		for j, pattern := range stage.Artifacts {
			if strings.TrimSpace(pattern.Pattern) == "" {
				issues.Add(fmt.Sprintf("stage[%s] artifacts[%d] pattern is required", id, j))
			}
		}
	}

	for i, edge := range p.Edges {
		if domain.NormalizeEdgeKind(string(edge.Kind)) == domain.EdgeArtifact {
			for j, rule := range edge.Artifacts {
				if strings.TrimSpace(rule.Source) == "" {
					issues.Add(fmt.Sprintf("edge[%d] artifacts[%d] source is required", i, j))
				}
			}
		}
	}

	classes := make(map[string]int)
	for _, stage := range p.Stages {
		if stage.Concurrency == nil {
			continue
		}
		name := strings.TrimSpace(stage.Concurrency.Name)
		if prev, ok := classes[name]; ok && prev != stage.Concurrency.MaxInFlight {
			issues.Add(fmt.Sprintf("concurrency class %q declared with conflicting ceilings %d and %d", name, prev, stage.Concurrency.MaxInFlight))
			continue
		}
		classes[name] = stage.Concurrency.MaxInFlight
	}

	triggerNames := make(map[string]struct{}, len(p.Triggers))
	for i, trigger := range p.Triggers {
		name := strings.TrimSpace(trigger.Name)
		if name == "" {
			issues.Add(fmt.Sprintf("triggers[%d] name is required", i))
		} else if _, exists := triggerNames[name]; exists {
			issues.Add(fmt.Sprintf("duplicate trigger %q", name))
		}
		triggerNames[name] = struct{}{}
		switch trigger.Mode {
		case domain.TriggerAutomatic, domain.TriggerManual:
		default:
			issues.Add(fmt.Sprintf("trigger[%s] mode unsupported: %q", name, trigger.Mode))
		}
		for _, target := range trigger.Targets {
			if _, ok := stageIDs[strings.TrimSpace(target)]; !ok {
				issues.Add(fmt.Sprintf("trigger[%s] target %q not found", name, target))
			}
		}
	}

	switch p.Gate.DefaultEffect {
	case "", domain.GateAllow, domain.GateDeny, domain.GateRequireConfirmation:
	default:
		issues.Add(fmt.Sprintf("gate default effect unsupported: %q", p.Gate.DefaultEffect))
	}
	ruleIDs := make(map[string]struct{}, len(p.Gate.Rules))
	for i, rule := range p.Gate.Rules {
		id := strings.TrimSpace(rule.ID)
		if id == "" {
			issues.Add(fmt.Sprintf("gate.rules[%d] id is required", i))
		} else if _, exists := ruleIDs[id]; exists {
			issues.Add(fmt.Sprintf("gate.rules[%d] id must be unique (duplicate %q)", i, id))
		}
		ruleIDs[id] = struct{}{}
		switch rule.Effect {
		case domain.GateAllow, domain.GateDeny, domain.GateRequireConfirmation:
		default:
			issues.Add(fmt.Sprintf("gate.rules[%d] effect unsupported: %q", i, rule.Effect))
		}
		if len(rule.When) == 0 {
			issues.Add(fmt.Sprintf("gate.rules[%d] when must be non-empty", i))
		}
		validatePredicates(issues, fmt.Sprintf("gate.rules[%d].when", i), rule.When)
	}

	if len(issues.Issues) > 0 {
		return issues.OrNil()
	}

	if _, err := graph.FromPipeline(p); err != nil {
		issues.Add(err.Error())
	}
	return issues.OrNil()
}

func validatePredicates(issues *ValidationError, prefix string, preds []domain.Predicate) {
	for i, pred := range preds {
		if err := pred.Validate(); err != nil {
			issues.Add(fmt.Sprintf("%s[%d] %s", prefix, i, err.Error()))
		}
	}
}

func isCheckboxValue(value string) bool {
	switch strings.TrimSpace(value) {
	case "true", "false":
		return true
	default:
		return false
	}
}
