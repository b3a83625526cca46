package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Pipeline is one versioned pipeline definition: stages, the edges between
// them, the triggers that start runs and the gate that vets manual starts.
type Pipeline struct {
	ID       string
	Name     string
	Version  string
	Params   []ParamDef
	Stages   []Stage
	Edges    []Edge
	Triggers []Trigger
	Gate     Gate
}

type StageKind string

const (
	StageKindBuild      StageKind = "build"
	StageKindTest       StageKind = "test"
	StageKindComposite  StageKind = "composite"
	StageKindDeployment StageKind = "deployment"
)

// NormalizeStageKind maps free-form kind values to canonical stage kinds.
func NormalizeStageKind(value string) StageKind {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", string(StageKindBuild), "regular":
		return StageKindBuild
	case string(StageKindTest):
		return StageKindTest
	case string(StageKindComposite):
		return StageKindComposite
	case string(StageKindDeployment), "deploy":
		return StageKindDeployment
	default:
		return ""
	}
}

// Stage is the static description of one unit of work.
type Stage struct {
	ID            string
	Name          string
	Kind          StageKind
	Requirements  []Predicate
	Artifacts     []ArtifactPattern
	Concurrency   *ConcurrencyClass
	Steps         []Step
	Conditions    []Predicate
	Retry         RetryPolicy
	IgnoreFailure bool
}

type ArtifactPattern struct {
	Pattern  string
	Optional bool
}

// ConcurrencyClass caps simultaneously running stages sharing Name.
type ConcurrencyClass struct {
	Name        string
	MaxInFlight int
}

type Step struct {
	Name       string
	Command    string
	Image      string
	Env        map[string]string
	Conditions []Predicate
}

type RetryPolicy struct {
	MaxAttempts int
}

func (s Stage) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("stage id is required")
	}
	if s.Kind == "" {
		return fmt.Errorf("stage %q kind is required", s.ID)
	}
	if NormalizeStageKind(string(s.Kind)) != s.Kind {
		return fmt.Errorf("stage %q kind unsupported: %q", s.ID, s.Kind)
	}
	if s.Kind == StageKindDeployment && s.Concurrency == nil {
		return fmt.Errorf("stage %q is a deployment and requires a concurrency class", s.ID)
	}
	if s.Concurrency != nil {
		if strings.TrimSpace(s.Concurrency.Name) == "" {
			return fmt.Errorf("stage %q concurrency class name is required", s.ID)
		}
		if s.Concurrency.MaxInFlight < 1 {
			return fmt.Errorf("stage %q concurrency maxInFlight must be >= 1", s.ID)
		}
	}
	if s.Retry.MaxAttempts < 0 {
		return fmt.Errorf("stage %q retry maxAttempts must be >= 0", s.ID)
	}
	return nil
}

// MaxAttempts returns the attempt budget, at least one.
func (s Stage) MaxAttempts() int {
	if s.Retry.MaxAttempts < 1 {
		return 1
	}
	return s.Retry.MaxAttempts
}

// NeedsAgent reports whether the stage executes work on an agent.
func (s Stage) NeedsAgent() bool {
	return s.Kind != StageKindComposite
}

type EdgeKind string

const (
	EdgeSnapshot       EdgeKind = "snapshot"
	EdgeSnapshotAlways EdgeKind = "snapshot_always"
	EdgeArtifact       EdgeKind = "artifact"
)

// NormalizeEdgeKind maps free-form kind values to canonical edge kinds.
func NormalizeEdgeKind(value string) EdgeKind {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", string(EdgeSnapshot):
		return EdgeSnapshot
	case string(EdgeSnapshotAlways), "snapshot-always", "run_always":
		return EdgeSnapshotAlways
	case string(EdgeArtifact), "artifacts":
		return EdgeArtifact
	default:
		return ""
	}
}

// Ordering reports whether the edge gates execution order.
func (k EdgeKind) Ordering() bool {
	return k == EdgeSnapshot || k == EdgeSnapshotAlways
}

// Edge connects a producing stage to a consuming stage.
type Edge struct {
	From      string
	To        string
	Kind      EdgeKind
	Artifacts []ArtifactMapping
}

// ArtifactMapping is one "source => destination" rule on an artifact edge.
type ArtifactMapping struct {
	Source      string
	Destination string
}

// ParseArtifactRule parses "source => destination". A bare source maps to ".".
func ParseArtifactRule(rule string) (ArtifactMapping, error) {
	rule = strings.TrimSpace(rule)
	if rule == "" {
		return ArtifactMapping{}, errors.New("artifact rule is required")
	}
	src, dst, found := strings.Cut(rule, "=>")
	src = strings.TrimSpace(src)
	dst = strings.TrimSpace(dst)
	if src == "" {
		return ArtifactMapping{}, fmt.Errorf("artifact rule %q source is required", rule)
	}
	if !found || dst == "" {
		dst = "."
	}
	return ArtifactMapping{Source: src, Destination: dst}, nil
}

func (m ArtifactMapping) String() string {
	return m.Source + " => " + m.Destination
}

type ParamKind string

const (
	ParamKindText     ParamKind = "text"
	ParamKindCheckbox ParamKind = "checkbox"
)

type ParamDef struct {
	Name        string
	Kind        ParamKind
	Default     string
	Description string
}

// DefaultParams returns the declared defaults keyed by parameter name.
func (p Pipeline) DefaultParams() map[string]string {
	out := make(map[string]string, len(p.Params))
	for _, param := range p.Params {
		out[param.Name] = param.Default
	}
	return out
}

// Stage looks up a stage definition by id.
func (p Pipeline) Stage(id string) (Stage, bool) {
	for _, stage := range p.Stages {
		if stage.ID == id {
			return stage, true
		}
	}
	return Stage{}, false
}

// Trigger returns the named trigger.
func (p Pipeline) Trigger(name string) (Trigger, bool) {
	for _, trigger := range p.Triggers {
		if trigger.Name == name {
			return trigger, true
		}
	}
	return Trigger{}, false
}

type TriggerMode string

const (
	TriggerAutomatic TriggerMode = "automatic"
	TriggerManual    TriggerMode = "manual"
)

// Trigger binds root stages to an activation mode.
type Trigger struct {
	Name         string
	Mode         TriggerMode
	Disabled     bool
	Targets      []string
	BranchFilter string
}

// RevisionEvent is one observed change in the version control source.
type RevisionEvent struct {
	RevisionID      string
	SourceTimestamp time.Time
	Branch          string
	Source          string
}

type GateEffect string

const (
	GateAllow               GateEffect = "allow"
	GateDeny                GateEffect = "deny"
	GateRequireConfirmation GateEffect = "require_confirmation"
)

// Gate holds ordered start rules. The first matching rule wins.
type Gate struct {
	DefaultEffect GateEffect
	Rules         []GateRule
}

type GateRule struct {
	ID          string
	Description string
	Effect      GateEffect
	When        []Predicate
}
