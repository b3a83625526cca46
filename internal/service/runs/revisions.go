package runs

import (
	"context"
	"errors"
	"strings"

	"github.com/animus-labs/conveyor/internal/domain"
	"github.com/animus-labs/conveyor/internal/execution/trigger"
)

// HandleRevisionEvent starts a run for every enabled automatic trigger whose
// branch filter matches the event. Each (pipeline, trigger, revision) starts
// at most once, including when the gate rejects it.
func (s *Service) HandleRevisionEvent(ctx context.Context, ev domain.RevisionEvent) []string {
	started := make([]string, 0)
	for _, p := range s.catalog.List() {
		for _, t := range p.Triggers {
			if !trigger.ShouldStart(t, ev) {
				continue
			}
			if !s.ledger.Claim(p.ID, t.Name, ev.RevisionID) {
				continue
			}
			label := string(trigger.KindAutomatic) + "/" + t.Name
			gctx := trigger.GateContext{
				PipelineID:  p.ID,
				TriggerName: t.Name,
				Kind:        trigger.KindAutomatic,
				Params:      p.DefaultParams(),
				Subject:     "vcs:" + strings.TrimSpace(ev.Source),
			}
			res, err := s.start(ctx, p, gctx, t.Targets, ev.RevisionID, label, Actor{Subject: gctx.Subject})
			if err != nil {
				if !errors.Is(err, trigger.ErrStartDenied) && !errors.Is(err, trigger.ErrConfirmationRequired) {
					s.ledger.Forget(p.ID, t.Name, ev.RevisionID)
				}
				s.logger.Warn("automatic start failed",
					"pipeline_id", p.ID,
					"trigger", t.Name,
					"revision", ev.RevisionID,
					"branch", ev.Branch,
					"error", err.Error(),
				)
				continue
			}
			s.logger.Info("automatic start",
				"pipeline_id", p.ID,
				"trigger", t.Name,
				"revision", ev.RevisionID,
				"branch", ev.Branch,
				"run_id", res.RunID,
			)
			started = append(started, res.RunID)
		}
	}
	return started
}
