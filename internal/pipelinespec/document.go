package pipelinespec

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/animus-labs/conveyor/internal/domain"
)

const SchemaV1 = "conveyor.pipeline.v1"

// Document is the YAML form of a pipeline. Dependencies are declared on
// the consuming stage, the way build configurations declare them.
type Document struct {
	Schema   string       `yaml:"schema"`
	ID       string       `yaml:"id"`
	Name     string       `yaml:"name,omitempty"`
	Version  string       `yaml:"version,omitempty"`
	Params   []ParamDoc   `yaml:"params,omitempty"`
	Stages   []StageDoc   `yaml:"stages"`
	Triggers []TriggerDoc `yaml:"triggers,omitempty"`
	Gate     GateDoc      `yaml:"gate,omitempty"`
}

type ParamDoc struct {
	Name        string `yaml:"name"`
	Kind        string `yaml:"kind,omitempty"`
	Default     string `yaml:"default,omitempty"`
	Description string `yaml:"description,omitempty"`
}

type StageDoc struct {
	ID            string          `yaml:"id"`
	Name          string          `yaml:"name,omitempty"`
	Kind          string          `yaml:"kind,omitempty"`
	Requirements  []PredicateDoc  `yaml:"requirements,omitempty"`
	Artifacts     []PatternDoc    `yaml:"artifacts,omitempty"`
	Concurrency   *ConcurrencyDoc `yaml:"concurrency,omitempty"`
	Retry         RetryDoc        `yaml:"retry,omitempty"`
	IgnoreFailure bool            `yaml:"ignoreFailure,omitempty"`
	Conditions    []PredicateDoc  `yaml:"conditions,omitempty"`
	Steps         []StepDoc       `yaml:"steps,omitempty"`
	Dependencies  []DependencyDoc `yaml:"dependencies,omitempty"`
}

type PredicateDoc struct {
	Key    string   `yaml:"key"`
	Op     string   `yaml:"op"`
	Value  string   `yaml:"value,omitempty"`
	Values []string `yaml:"values,omitempty"`
}

// PatternDoc accepts either a bare pattern string or a mapping with an
// optional flag.
type PatternDoc struct {
	Pattern  string `yaml:"pattern"`
	Optional bool   `yaml:"optional,omitempty"`
}

func (p *PatternDoc) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		p.Pattern = node.Value
		p.Optional = false
		return nil
	}
	type plain PatternDoc
	var out plain
	if err := node.Decode(&out); err != nil {
		return err
	}
	*p = PatternDoc(out)
	return nil
}

type ConcurrencyDoc struct {
	Class       string `yaml:"class"`
	MaxInFlight int    `yaml:"maxInFlight"`
}

type RetryDoc struct {
	MaxAttempts int `yaml:"maxAttempts,omitempty"`
}

type StepDoc struct {
	Name       string            `yaml:"name"`
	Command    string            `yaml:"command"`
	Image      string            `yaml:"image,omitempty"`
	Env        map[string]string `yaml:"env,omitempty"`
	Conditions []PredicateDoc    `yaml:"conditions,omitempty"`
}

// DependencyDoc orders this stage after Stage. Artifacts, when present,
// add "source => destination" fetch rules on top of the ordering edge.
type DependencyDoc struct {
	Stage     string   `yaml:"stage"`
	Kind      string   `yaml:"kind,omitempty"`
	Artifacts []string `yaml:"artifacts,omitempty"`
}

type TriggerDoc struct {
	Name         string   `yaml:"name"`
	Mode         string   `yaml:"mode"`
	Enabled      *bool    `yaml:"enabled,omitempty"`
	Targets      []string `yaml:"targets,omitempty"`
	BranchFilter string   `yaml:"branchFilter,omitempty"`
}

type GateDoc struct {
	DefaultEffect string        `yaml:"defaultEffect,omitempty"`
	Rules         []GateRuleDoc `yaml:"rules,omitempty"`
}

type GateRuleDoc struct {
	ID          string         `yaml:"id"`
	Description string         `yaml:"description,omitempty"`
	Effect      string         `yaml:"effect"`
	When        []PredicateDoc `yaml:"when"`
}

// Pipeline converts the document to the domain model. Structural checks
// are left to specvalidator.
func (d Document) Pipeline() (domain.Pipeline, error) {
	p := domain.Pipeline{
		ID:      strings.TrimSpace(d.ID),
		Name:    strings.TrimSpace(d.Name),
		Version: strings.TrimSpace(d.Version),
		Gate: domain.Gate{
			DefaultEffect: domain.GateEffect(strings.ToLower(strings.TrimSpace(d.Gate.DefaultEffect))),
		},
	}
	for _, param := range d.Params {
		kind := domain.ParamKind(strings.ToLower(strings.TrimSpace(param.Kind)))
		if kind == "" {
			kind = domain.ParamKindText
		}
		p.Params = append(p.Params, domain.ParamDef{
			Name:        strings.TrimSpace(param.Name),
			Kind:        kind,
			Default:     param.Default,
			Description: param.Description,
		})
	}

	for _, sd := range d.Stages {
		stage := domain.Stage{
			ID:            strings.TrimSpace(sd.ID),
			Name:          strings.TrimSpace(sd.Name),
			Kind:          domain.NormalizeStageKind(sd.Kind),
			Requirements:  predicates(sd.Requirements),
			Conditions:    predicates(sd.Conditions),
			Retry:         domain.RetryPolicy{MaxAttempts: sd.Retry.MaxAttempts},
			IgnoreFailure: sd.IgnoreFailure,
		}
		if stage.Kind == "" {
			return domain.Pipeline{}, fmt.Errorf("stage %q kind unsupported: %q", sd.ID, sd.Kind)
		}
		for _, pattern := range sd.Artifacts {
			stage.Artifacts = append(stage.Artifacts, domain.ArtifactPattern{Pattern: strings.TrimSpace(pattern.Pattern), Optional: pattern.Optional})
		}
		if sd.Concurrency != nil {
			stage.Concurrency = &domain.ConcurrencyClass{
				Name:        strings.TrimSpace(sd.Concurrency.Class),
				MaxInFlight: sd.Concurrency.MaxInFlight,
			}
		}
		for _, step := range sd.Steps {
			stage.Steps = append(stage.Steps, domain.Step{
				Name:       strings.TrimSpace(step.Name),
				Command:    step.Command,
				Image:      strings.TrimSpace(step.Image),
				Env:        step.Env,
				Conditions: predicates(step.Conditions),
			})
		}
		p.Stages = append(p.Stages, stage)

		for _, dep := range sd.Dependencies {
			kind := domain.NormalizeEdgeKind(dep.Kind)
			if dep.Kind == "" {
				kind = domain.EdgeSnapshot
			}
			if !kind.Ordering() {
				return domain.Pipeline{}, fmt.Errorf("stage %q dependency on %q: kind must be snapshot or snapshot_always, got %q", stage.ID, dep.Stage, dep.Kind)
			}
			from := strings.TrimSpace(dep.Stage)
			p.Edges = append(p.Edges, domain.Edge{From: from, To: stage.ID, Kind: kind})
			if len(dep.Artifacts) == 0 {
				continue
			}
			edge := domain.Edge{From: from, To: stage.ID, Kind: domain.EdgeArtifact}
			for _, rule := range dep.Artifacts {
				mapping, err := domain.ParseArtifactRule(rule)
				if err != nil {
					return domain.Pipeline{}, fmt.Errorf("stage %q dependency on %q: %w", stage.ID, from, err)
				}
				edge.Artifacts = append(edge.Artifacts, mapping)
			}
			p.Edges = append(p.Edges, edge)
		}
	}

	for _, td := range d.Triggers {
		trigger := domain.Trigger{
			Name:         strings.TrimSpace(td.Name),
			Mode:         domain.TriggerMode(strings.ToLower(strings.TrimSpace(td.Mode))),
			Disabled:     td.Enabled != nil && !*td.Enabled,
			BranchFilter: strings.TrimSpace(td.BranchFilter),
		}
		for _, target := range td.Targets {
			trigger.Targets = append(trigger.Targets, strings.TrimSpace(target))
		}
		p.Triggers = append(p.Triggers, trigger)
	}

	for _, rule := range d.Gate.Rules {
		p.Gate.Rules = append(p.Gate.Rules, domain.GateRule{
			ID:          strings.TrimSpace(rule.ID),
			Description: rule.Description,
			Effect:      domain.GateEffect(strings.ToLower(strings.TrimSpace(rule.Effect))),
			When:        predicates(rule.When),
		})
	}
	return p, nil
}

func predicates(docs []PredicateDoc) []domain.Predicate {
	if len(docs) == 0 {
		return nil
	}
	out := make([]domain.Predicate, 0, len(docs))
	for _, doc := range docs {
		out = append(out, domain.Predicate{
			Key:    strings.TrimSpace(doc.Key),
			Op:     domain.NormalizeOp(doc.Op),
			Value:  doc.Value,
			Values: doc.Values,
		})
	}
	return out
}
