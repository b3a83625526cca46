package state

import (
	"testing"

	"github.com/animus-labs/conveyor/internal/domain"
)

func TestDeriveRunState(t *testing.T) {
	plan := &domain.ExecutionPlan{
		RunID: "run-1",
		Stages: []domain.ExecutionPlanStage{
			{ID: "a"},
			{ID: "b"},
		},
		Edges: []domain.ExecutionPlanEdge{
			{From: "a", To: "b", Kind: domain.EdgeSnapshot},
		},
	}
	tolerant := &domain.ExecutionPlan{
		Stages: []domain.ExecutionPlanStage{
			{ID: "a", IgnoreFailure: true},
			{ID: "b"},
		},
		Edges: plan.Edges,
	}

	tests := []struct {
		name      string
		plan      *domain.ExecutionPlan
		stages    []domain.StageStatus
		cancelled bool
		want      domain.RunState
	}{
		{
			name: "no plan",
			plan: nil,
			want: domain.RunStateRunning,
		},
		{
			name: "nothing terminal",
			plan: plan,
			stages: []domain.StageStatus{
				status("a", domain.StageStateReady, ""),
				status("b", domain.StageStatePending, ""),
			},
			want: domain.RunStateRunning,
		},
		{
			name: "all succeeded",
			plan: plan,
			stages: []domain.StageStatus{
				status("a", domain.StageStateSucceeded, ""),
				status("b", domain.StageStateSucceeded, ""),
			},
			want: domain.RunStateSucceeded,
		},
		{
			name: "failed stage with skipped dependent",
			plan: plan,
			stages: []domain.StageStatus{
				status("a", domain.StageStateFailed, domain.ReasonExecutionFailed),
				status("b", domain.StageStateSkipped, domain.ReasonDependencyFailed),
			},
			want: domain.RunStateFailed,
		},
		{
			name: "failed stage while dependent still running",
			plan: plan,
			stages: []domain.StageStatus{
				status("a", domain.StageStateFailed, domain.ReasonExecutionFailed),
				status("b", domain.StageStateRunning, ""),
			},
			want: domain.RunStateRunning,
		},
		{
			name: "intentional skip",
			plan: plan,
			stages: []domain.StageStatus{
				status("a", domain.StageStateSucceeded, ""),
				status("b", domain.StageStateSkipped, domain.ReasonConditionNotMet),
			},
			want: domain.RunStateSucceeded,
		},
		{
			name: "ignored failure",
			plan: tolerant,
			stages: []domain.StageStatus{
				status("a", domain.StageStateFailed, domain.ReasonFailureIgnored),
				status("b", domain.StageStateSucceeded, ""),
			},
			want: domain.RunStateSucceeded,
		},
		{
			name:      "cancelled",
			plan:      plan,
			cancelled: true,
			stages: []domain.StageStatus{
				status("a", domain.StageStateSkipped, domain.ReasonCancelled),
				status("b", domain.StageStateSkipped, domain.ReasonCancelled),
			},
			want: domain.RunStateCancelled,
		},
		{
			name: "missing stage status",
			plan: plan,
			stages: []domain.StageStatus{
				status("a", domain.StageStateSucceeded, ""),
			},
			want: domain.RunStateRunning,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveRunState(tt.plan, tt.stages, tt.cancelled); got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestFailedRoots(t *testing.T) {
	plan := &domain.ExecutionPlan{
		Stages: []domain.ExecutionPlanStage{{ID: "a"}, {ID: "lint", IgnoreFailure: true}, {ID: "b"}, {ID: "c"}},
		Edges: []domain.ExecutionPlanEdge{
			{From: "a", To: "b", Kind: domain.EdgeSnapshot},
			{From: "b", To: "c", Kind: domain.EdgeSnapshot},
		},
	}
	stages := []domain.StageStatus{
		status("a", domain.StageStateFailed, domain.ReasonExecutionFailed),
		status("lint", domain.StageStateFailed, domain.ReasonFailureIgnored),
		status("b", domain.StageStateSkipped, domain.ReasonDependencyFailed),
		status("c", domain.StageStateSkipped, domain.ReasonDependencyFailed),
	}
	if got := FailedRoots(plan, stages); len(got) != 1 || got[0] != "a" {
		t.Fatalf("FailedRoots=%v, want [a]", got)
	}
	if got := FailedRoots(nil, stages); got != nil {
		t.Fatalf("FailedRoots(nil plan)=%v, want nil", got)
	}
}

func status(id string, state domain.StageState, reason string) domain.StageStatus {
	return domain.StageStatus{StageID: id, State: state, Reason: reason}
}
