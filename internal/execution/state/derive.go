package state

import (
	"strings"

	"github.com/animus-labs/conveyor/internal/domain"
)

// DeriveRunState reduces stage statuses to the run's global state.
//
// A run is running while any planned stage is non-terminal. Once all are
// terminal it succeeds only when every stage succeeded, failed with
// ignoreFailure set, or was skipped intentionally.
func DeriveRunState(plan *domain.ExecutionPlan, stages []domain.StageStatus, cancelled bool) domain.RunState {
	if cancelled {
		return domain.RunStateCancelled
	}
	if plan == nil || len(plan.Stages) == 0 {
		return domain.RunStateRunning
	}

	byStage := indexByStage(stages)
	failed := false
	incomplete := false

	for _, planned := range plan.Stages {
		status, ok := byStage[strings.TrimSpace(planned.ID)]
		if !ok || !status.State.Terminal() {
			incomplete = true
			continue
		}
		switch status.State {
		case domain.StageStateFailed:
			if !planned.IgnoreFailure {
				failed = true
			}
		case domain.StageStateSkipped:
			if !domain.IntentionalSkip(status.Reason) {
				failed = true
			}
		}
	}

	if incomplete {
		return domain.RunStateRunning
	}
	if failed {
		return domain.RunStateFailed
	}
	return domain.RunStateSucceeded
}

// FailedRoots returns the fatally failed stages that explain the skipped
// ones, in plan order.
func FailedRoots(plan *domain.ExecutionPlan, stages []domain.StageStatus) []string {
	if plan == nil {
		return nil
	}
	byStage := indexByStage(stages)
	out := make([]string, 0)
	for _, planned := range plan.Stages {
		status, ok := byStage[planned.ID]
		if !ok || status.State != domain.StageStateFailed || planned.IgnoreFailure {
			continue
		}
		out = append(out, planned.ID)
	}
	return out
}

func indexByStage(stages []domain.StageStatus) map[string]domain.StageStatus {
	out := make(map[string]domain.StageStatus, len(stages))
	for _, status := range stages {
		id := strings.TrimSpace(status.StageID)
		if id == "" {
			continue
		}
		out[id] = status
	}
	return out
}
