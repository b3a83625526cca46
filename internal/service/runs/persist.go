package runs

import (
	"context"
	"errors"

	"github.com/animus-labs/conveyor/internal/execution/plan"
	"github.com/animus-labs/conveyor/internal/execution/scheduler"
	"github.com/animus-labs/conveyor/internal/repo"
)

// finishedVersionLimit bounds how many finished runs keep their last
// version for stale-delivery checks.
const finishedVersionLimit = 1000

// Observer persists run snapshots and plans. Deliveries older than the last
// written version of a run are dropped.
func (s *Service) Observer() scheduler.Observer {
	return func(ev scheduler.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.persist(ctx, ev); err != nil {
			s.logger.Error("persist run event failed",
				"run_id", ev.Run.RunID,
				"kind", string(ev.Kind),
				"version", ev.Version,
				"error", err.Error(),
			)
		}
	}
}

func (s *Service) persist(ctx context.Context, ev scheduler.Event) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	runID := ev.Run.RunID
	if ev.Plan != nil {
		raw, err := plan.MarshalExecutionPlan(*ev.Plan)
		if err != nil {
			return err
		}
		if _, err := s.plans.UpsertPlan(ctx, ev.Run.PipelineID, runID, raw); err != nil {
			return err
		}
	}

	if ev.Version <= s.versions[runID] {
		return nil
	}
	s.versions[runID] = ev.Version
	if ev.Kind == scheduler.EventRunFinished {
		s.finished = append(s.finished, runID)
		for len(s.finished) > finishedVersionLimit {
			delete(s.versions, s.finished[0])
			s.finished = s.finished[1:]
		}
	}

	err := s.runs.UpdateRun(ctx, ev.Run)
	if errors.Is(err, repo.ErrNotFound) {
		return s.runs.CreateRun(ctx, ev.Run)
	}
	return err
}
