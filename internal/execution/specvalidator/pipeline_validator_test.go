package specvalidator

import (
	"errors"
	"strings"
	"testing"

	"github.com/animus-labs/conveyor/internal/domain"
)

func minimalPipeline() domain.Pipeline {
	return domain.Pipeline{
		ID: "clock",
		Params: []domain.ParamDef{
			{Name: "deployall.prompt", Kind: domain.ParamKindCheckbox, Default: "false"},
		},
		Stages: []domain.Stage{
			{
				ID:           "tests",
				Kind:         domain.StageKindTest,
				Requirements: []domain.Predicate{{Key: "os.family", Op: "matches", Value: "Linux"}},
				Steps:        []domain.Step{{Name: "test", Command: "dotnet test"}},
			},
			{
				ID:        "build",
				Kind:      domain.StageKindBuild,
				Artifacts: []domain.ArtifactPattern{{Pattern: "bin"}},
				Steps:     []domain.Step{{Name: "publish", Command: "dotnet publish"}},
			},
		},
		Edges: []domain.Edge{{From: "tests", To: "build", Kind: domain.EdgeSnapshot}},
		Triggers: []domain.Trigger{
			{Name: "vcs", Mode: domain.TriggerAutomatic, Disabled: true, Targets: []string{"build"}},
		},
	}
}

func withStage(p domain.Pipeline, stage domain.Stage) domain.Pipeline {
	p.Stages = append(append([]domain.Stage(nil), p.Stages...), stage)
	return p
}

func withEdges(p domain.Pipeline, edges ...domain.Edge) domain.Pipeline {
	p.Edges = append(append([]domain.Edge(nil), p.Edges...), edges...)
	return p
}

func TestValidatePipeline(t *testing.T) {
	tests := []struct {
		name     string
		pipeline domain.Pipeline
		wantErr  string
	}{
		{
			name:     "ok minimal pipeline",
			pipeline: minimalPipeline(),
		},
		{
			name:     "duplicate stage id",
			pipeline: withStage(minimalPipeline(), domain.Stage{ID: "build", Kind: domain.StageKindBuild, Steps: []domain.Step{{Name: "x", Command: "x"}}}),
			wantErr:  "duplicate stage id",
		},
		{
			name:     "deployment without class",
			pipeline: withStage(minimalPipeline(), domain.Stage{ID: "deploy", Kind: domain.StageKindDeployment, Steps: []domain.Step{{Name: "x", Command: "x"}}}),
			wantErr:  "requires a concurrency class",
		},
		{
			name:     "unknown edge node",
			pipeline: withEdges(minimalPipeline(), domain.Edge{From: "build", To: "missing", Kind: domain.EdgeSnapshot}),
			wantErr:  "unknown stage",
		},
		{
			name:     "cycle detected",
			pipeline: withEdges(minimalPipeline(), domain.Edge{From: "build", To: "tests", Kind: domain.EdgeSnapshot}),
			wantErr:  "cycle detected: build -> tests -> build",
		},
		{
			name: "artifact edge without snapshot",
			pipeline: withEdges(minimalPipeline(), domain.Edge{
				From: "build", To: "tests", Kind: domain.EdgeArtifact,
				Artifacts: []domain.ArtifactMapping{{Source: "bin", Destination: "."}},
			}),
			wantErr: "has no snapshot edge",
		},
		{
			name:     "bad requirement regexp",
			pipeline: withStage(minimalPipeline(), domain.Stage{ID: "x", Kind: domain.StageKindBuild, Requirements: []domain.Predicate{{Key: "k", Op: "matches", Value: "("}}, Steps: []domain.Step{{Name: "x", Command: "x"}}}),
			wantErr:  "pattern invalid",
		},
		{
			name: "conflicting class ceilings",
			pipeline: withStage(
				withStage(minimalPipeline(), domain.Stage{ID: "d1", Kind: domain.StageKindDeployment, Concurrency: &domain.ConcurrencyClass{Name: "prod", MaxInFlight: 1}, Steps: []domain.Step{{Name: "x", Command: "x"}}}),
				domain.Stage{ID: "d2", Kind: domain.StageKindDeployment, Concurrency: &domain.ConcurrencyClass{Name: "prod", MaxInFlight: 2}, Steps: []domain.Step{{Name: "x", Command: "x"}}},
			),
			wantErr: "conflicting ceilings",
		},
	}

	for _, tt := range tests {
		err := ValidatePipeline(tt.pipeline)
		if tt.wantErr == "" {
			if err != nil {
				t.Fatalf("%s: unexpected err=%v", tt.name, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
			t.Fatalf("%s: err=%v, want containing %q", tt.name, err, tt.wantErr)
		}
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("%s: expected ValidationError, got %T", tt.name, err)
		}
	}
}

func TestValidatePipelineCompositeNeedsNoSteps(t *testing.T) {
	p := withStage(minimalPipeline(), domain.Stage{ID: "all", Kind: domain.StageKindComposite})
	p = withEdges(p, domain.Edge{From: "build", To: "all", Kind: domain.EdgeSnapshot})
	if err := ValidatePipeline(p); err != nil {
		t.Fatalf("ValidatePipeline err=%v", err)
	}
}

func TestValidateRunRequest(t *testing.T) {
	p := minimalPipeline()
	if err := ValidateRunRequest(p, []string{"build"}, map[string]string{"deployall.prompt": "true"}); err != nil {
		t.Fatalf("ValidateRunRequest err=%v", err)
	}
	if err := ValidateRunRequest(p, []string{"nope"}, nil); err == nil {
		t.Fatalf("expected unknown target error")
	}
	if err := ValidateRunRequest(p, nil, map[string]string{"deployall.prompt": "yes"}); err == nil {
		t.Fatalf("expected checkbox value error")
	}
}
