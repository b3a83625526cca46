package metrics

import (
	"strings"

	"github.com/animus-labs/conveyor/internal/domain"
	"github.com/animus-labs/conveyor/internal/execution/scheduler"
)

// SchedulerObserver translates scheduler events into collector updates.
func (r *Recorder) SchedulerObserver() scheduler.Observer {
	return func(ev scheduler.Event) {
		switch ev.Kind {
		case scheduler.EventRunStarted:
			r.RunStarted(ev.Run.PipelineID, triggerLabel(ev.Run.Trigger))
		case scheduler.EventRunFinished:
			r.RunFinished(ev.Run.PipelineID, string(ev.Run.State))
		case scheduler.EventStageChanged:
			if ev.Stage == nil {
				return
			}
			r.StageTransition(string(ev.Stage.State), ev.Stage.Reason)
			if ev.Stage.State.Terminal() && ev.Stage.StartedAt != nil && ev.Stage.FinishedAt != nil {
				r.StageAttempt(ev.Run.PipelineID, ev.Stage.StageID, string(ev.Stage.State), ev.Stage.FinishedAt.Sub(*ev.Stage.StartedAt))
			}
		}
	}
}

// triggerLabel reduces "automatic/<name>" style trigger values to their kind.
func triggerLabel(trigger string) string {
	kind, _, _ := strings.Cut(trigger, "/")
	switch kind {
	case string(domain.TriggerAutomatic):
		return kind
	default:
		return string(domain.TriggerManual)
	}
}
