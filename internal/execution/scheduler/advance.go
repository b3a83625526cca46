package scheduler

import (
	"fmt"
	"sort"
	"time"

	"github.com/animus-labs/conveyor/internal/agents"
	"github.com/animus-labs/conveyor/internal/domain"
	"github.com/animus-labs/conveyor/internal/execution/state"
	"github.com/animus-labs/conveyor/internal/execution/trigger"
)

// activeRuns returns runs oldest first so the earliest run gets the first
// chance at shared slots and agents.
func (s *Scheduler) activeRuns() []*run {
	out := make([]*run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].createdAt.Equal(out[j].createdAt) {
			return out[i].id < out[j].id
		}
		return out[i].createdAt.Before(out[j].createdAt)
	})
	return out
}

// advanceAll re-evaluates every active run. Classes and agents are shared,
// so progress in one run can unblock another.
func (s *Scheduler) advanceAll(b *batch) {
	for _, r := range s.activeRuns() {
		s.advanceRun(b, r)
	}
}

func (s *Scheduler) advanceRun(b *batch, r *run) {
	if !r.cancelled {
		// Plan order puts every predecessor before its dependents, so one
		// pass sees skips made earlier in the same pass.
		for _, id := range r.order {
			s.advanceStage(b, r, r.stages[id])
		}
	}

	statuses := r.stageStatuses()
	derived := state.DeriveRunState(&r.plan, statuses, r.cancelled)
	if !derived.Terminal() {
		return
	}
	if r.cancelled {
		for _, st := range r.stages {
			if !st.status.State.Terminal() {
				return
			}
		}
	}
	now := s.cfg.Now().UTC()
	r.state = derived
	r.finishedAt = &now
	s.emit(b, r, EventRunFinished, nil)
	s.archiveRun(r)
	if derived == domain.RunStateFailed {
		s.logger.Info("run finished", "run_id", r.id, "state", string(derived), "failed_roots", state.FailedRoots(&r.plan, statuses))
		return
	}
	s.logger.Info("run finished", "run_id", r.id, "state", string(derived))
}

func (s *Scheduler) advanceStage(b *batch, r *run, st *stageRun) {
	switch st.status.State {
	case domain.StageStateRunning, domain.StageStateSucceeded, domain.StageStateFailed, domain.StageStateSkipped:
		return
	}
	id := st.def.ID
	now := s.cfg.Now().UTC()

	waiting, running := false, false
	blocker := ""
	for _, pred := range r.graph.Predecessors(id) {
		ps, ok := r.stages[pred]
		if !ok {
			continue
		}
		switch ps.status.State {
		case domain.StageStateSucceeded:
		case domain.StageStateFailed:
			if ps.status.Reason != domain.ReasonFailureIgnored && !r.graph.RunsAlways(pred, id) && blocker == "" {
				blocker = pred
			}
		case domain.StageStateSkipped:
			if !domain.IntentionalSkip(ps.status.Reason) && !r.graph.RunsAlways(pred, id) && blocker == "" {
				blocker = pred
			}
		case domain.StageStateRunning:
			waiting, running = true, true
		default:
			waiting = true
		}
	}
	// A fatal predecessor dooms the stage even while siblings still run.
	if blocker != "" {
		st.status.FinishedAt = &now
		s.transition(b, r, st, domain.StageStateSkipped, domain.ReasonDependencyFailed, fmt.Sprintf("predecessor %s did not succeed", blocker))
		return
	}
	if waiting {
		next := domain.StageStatePending
		if running {
			next = domain.StageStateBlocked
		}
		s.transition(b, r, st, next, "", "")
		return
	}
	if !trigger.EvaluateRunConditions(st.def.Conditions, r.params) {
		st.status.FinishedAt = &now
		s.transition(b, r, st, domain.StageStateSkipped, domain.ReasonConditionNotMet, "")
		return
	}

	needsAgent := st.def.NeedsAgent()
	if needsAgent && !s.pool.Satisfiable(st.def.Requirements) {
		if st.waitingSince.IsZero() {
			st.waitingSince = now
		}
		s.transition(b, r, st, domain.StageStateReady, domain.ReasonCapabilityUnsatisfiable, "no registered agent satisfies "+describe(st.def.Requirements))
		return
	}
	st.waitingSince = time.Time{}

	class := classOf(st.def)
	if !st.holdsSlot {
		ok, err := s.governor.TryAcquire(class)
		if err != nil {
			st.status.FinishedAt = &now
			s.transition(b, r, st, domain.StageStateFailed, domain.ReasonExecutionFailed, err.Error())
			return
		}
		if !ok {
			s.transition(b, r, st, domain.StageStateReady, domain.ReasonConcurrencyDenied, "concurrency class "+class+" is at capacity")
			return
		}
		st.holdsSlot = true
	}

	var agent agents.Agent
	if needsAgent {
		var ok bool
		agent, ok = s.pool.Acquire(st.def.Requirements)
		if !ok {
			s.releaseSlot(st)
			s.transition(b, r, st, domain.StageStateReady, domain.ReasonAwaitingAgent, "")
			return
		}
	}
	s.launch(b, r, st, agent, now)
}

func (s *Scheduler) launch(b *batch, r *run, st *stageRun, agent agents.Agent, now time.Time) {
	id := st.def.ID
	st.status.Attempts++
	handle := fmt.Sprintf("%s/%s/%d", r.id, id, st.status.Attempts)
	agentID := ""
	if agent != nil {
		agentID = agent.ID()
	}
	s.inflight[handle] = inflight{runID: r.id, stageID: id, agentID: agentID}
	st.handle = handle
	st.status.AgentID = agentID
	st.status.StartedAt = &now
	st.status.FinishedAt = nil
	st.status.Manifest = nil

	steps := make([]domain.Step, 0, len(st.def.Steps))
	for _, step := range st.def.Steps {
		if trigger.EvaluateRunConditions(step.Conditions, r.params) {
			steps = append(steps, step)
		}
	}
	inputs := make([]Input, 0)
	for _, edge := range r.graph.InboundArtifacts(id) {
		producer, ok := r.stages[edge.From]
		if !ok || producer.status.State != domain.StageStateSucceeded || producer.status.Manifest == nil {
			continue
		}
		inputs = append(inputs, Input{Edge: edge, Manifest: *producer.status.Manifest})
	}
	params := make(map[string]string, len(r.params))
	for k, v := range r.params {
		params[k] = v
	}

	s.transition(b, r, st, domain.StageStateRunning, "", "")
	b.launches = append(b.launches, launch{
		handle: handle,
		assignment: Assignment{
			RunID:    r.id,
			StageID:  id,
			Attempt:  st.status.Attempts,
			Revision: r.revision,
			Stage:    st.def,
			Steps:    steps,
			Params:   params,
			Agent:    agent,
			Inputs:   inputs,
		},
	})
	s.logger.Info("stage dispatched", "run_id", r.id, "stage_id", id, "attempt", st.status.Attempts, "agent_id", agentID)
}

func classOf(stage domain.Stage) string {
	if stage.Concurrency == nil {
		return ""
	}
	return stage.Concurrency.Name
}

func (s *Scheduler) releaseSlot(st *stageRun) {
	if !st.holdsSlot {
		return
	}
	st.holdsSlot = false
	s.governor.Release(classOf(st.def))
}

// transition records a state change and queues an event when state or
// reason actually changed.
func (s *Scheduler) transition(b *batch, r *run, st *stageRun, next domain.StageState, reason, message string) {
	if st.status.State == next && st.status.Reason == reason && st.status.Message == message {
		return
	}
	st.status.State = next
	st.status.Reason = reason
	st.status.Message = message
	stage := cloneStage(st.status)
	s.emit(b, r, EventStageChanged, &stage)
}

func (s *Scheduler) emit(b *batch, r *run, kind EventKind, stage *domain.StageStatus) {
	r.version++
	b.events = append(b.events, Event{
		Kind:    kind,
		Version: r.version,
		Run:     r.snapshot(),
		Stage:   stage,
		At:      s.cfg.Now().UTC(),
	})
}

func (s *Scheduler) archiveRun(r *run) {
	delete(s.runs, r.id)
	s.archive[r.id] = r.snapshot()
	s.archived = append(s.archived, r.id)
	for len(s.archived) > s.cfg.ArchiveLimit {
		delete(s.archive, s.archived[0])
		s.archived = s.archived[1:]
	}
}

func (s *Scheduler) statusOf(runID string) domain.RunStatus {
	if r, ok := s.runs[runID]; ok {
		return r.snapshot()
	}
	return cloneStatus(s.archive[runID])
}

// flush performs the side effects collected under the lock. It must be
// called without holding s.mu.
func (s *Scheduler) flush(b *batch, observers []Observer) {
	for _, ev := range b.events {
		for _, fn := range observers {
			fn(ev)
		}
	}
	for _, handle := range b.cancels {
		s.dispatch.Cancel(handle)
	}
	for _, l := range b.launches {
		s.dispatch.Dispatch(l.handle, l.assignment, s.complete)
	}
}

func (r *run) stageStatuses() []domain.StageStatus {
	out := make([]domain.StageStatus, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.stages[id].status)
	}
	return out
}

func (r *run) snapshot() domain.RunStatus {
	status := domain.RunStatus{
		RunID:      r.id,
		PipelineID: r.pipeline.ID,
		Revision:   r.revision,
		Trigger:    r.trigger,
		State:      r.state,
		Roots:      append([]string(nil), r.roots...),
		Params:     make(map[string]string, len(r.params)),
		Stages:     make([]domain.StageStatus, 0, len(r.order)),
		CreatedAt:  r.createdAt,
		FinishedAt: copyTime(r.finishedAt),
	}
	for k, v := range r.params {
		status.Params[k] = v
	}
	for _, id := range r.order {
		status.Stages = append(status.Stages, cloneStage(r.stages[id].status))
	}
	return status
}

func cloneStatus(in domain.RunStatus) domain.RunStatus {
	out := in
	out.Roots = append([]string(nil), in.Roots...)
	out.FinishedAt = copyTime(in.FinishedAt)
	if in.Params != nil {
		out.Params = make(map[string]string, len(in.Params))
		for k, v := range in.Params {
			out.Params[k] = v
		}
	}
	out.Stages = make([]domain.StageStatus, 0, len(in.Stages))
	for _, st := range in.Stages {
		out.Stages = append(out.Stages, cloneStage(st))
	}
	return out
}

func cloneStage(in domain.StageStatus) domain.StageStatus {
	out := in
	out.StartedAt = copyTime(in.StartedAt)
	out.FinishedAt = copyTime(in.FinishedAt)
	if in.Manifest != nil {
		ref := *in.Manifest
		out.Manifest = &ref
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
