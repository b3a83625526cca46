package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/conveyor/internal/agents"
	"github.com/animus-labs/conveyor/internal/domain"
	"github.com/animus-labs/conveyor/internal/execution/governor"
	"github.com/animus-labs/conveyor/internal/execution/graph"
	"github.com/animus-labs/conveyor/internal/execution/plan"
	"github.com/animus-labs/conveyor/internal/execution/specvalidator"
)

// Scheduler owns every active run. One mutex guards the run table;
// dispatches and observer calls happen after it is released.
type Scheduler struct {
	mu        sync.Mutex
	runs      map[string]*run
	archive   map[string]domain.RunStatus
	archived  []string
	inflight  map[string]inflight
	pool      *agents.Pool
	governor  *governor.Governor
	dispatch  Dispatcher
	observers []Observer
	logger    *slog.Logger
	cfg       Config
}

type run struct {
	id         string
	pipeline   domain.Pipeline
	graph      *graph.Graph
	plan       domain.ExecutionPlan
	order      []string
	stages     map[string]*stageRun
	params     map[string]string
	roots      []string
	revision   string
	trigger    string
	createdAt  time.Time
	finishedAt *time.Time
	cancelled  bool
	state      domain.RunState
	version    int64
}

type stageRun struct {
	def          domain.Stage
	planned      domain.ExecutionPlanStage
	status       domain.StageStatus
	handle       string
	holdsSlot    bool
	waitingSince time.Time
}

type inflight struct {
	runID   string
	stageID string
	agentID string
}

type launch struct {
	handle     string
	assignment Assignment
}

// batch collects side effects while the lock is held.
type batch struct {
	launches []launch
	cancels  []string
	events   []Event
}

func New(pool *agents.Pool, gov *governor.Governor, dispatcher Dispatcher, logger *slog.Logger, cfg Config) (*Scheduler, error) {
	if pool == nil {
		return nil, errors.New("agent pool is required")
	}
	if gov == nil {
		return nil, errors.New("governor is required")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.ArchiveLimit <= 0 {
		cfg.ArchiveLimit = 1000
	}
	return &Scheduler{
		runs:     make(map[string]*run),
		archive:  make(map[string]domain.RunStatus),
		inflight: make(map[string]inflight),
		pool:     pool,
		governor: gov,
		dispatch: dispatcher,
		logger:   logger,
		cfg:      cfg,
	}, nil
}

// Observe registers fn for all future events. Call before starting runs.
func (s *Scheduler) Observe(fn Observer) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// StartRun validates the request, plans the root closure and dispatches
// whatever is ready.
func (s *Scheduler) StartRun(req StartRequest) (string, error) {
	p := req.Pipeline
	params := p.DefaultParams()
	for k, v := range req.Params {
		params[k] = v
	}
	if err := specvalidator.ValidateRunRequest(p, req.Roots, req.Params); err != nil {
		return "", err
	}
	g, err := graph.FromPipeline(p)
	if err != nil {
		return "", err
	}
	runID := strings.TrimSpace(req.RunID)
	if runID == "" {
		runID = s.cfg.NewID()
	}
	execPlan, err := plan.FromGraph(g, p.ID, runID, req.Roots)
	if err != nil {
		return "", err
	}
	for _, id := range execPlan.StageIDs() {
		def, _ := g.Stage(id)
		if def.Concurrency == nil {
			continue
		}
		if err := s.governor.Register(def.Concurrency.Name, def.Concurrency.MaxInFlight); err != nil {
			return "", err
		}
	}

	now := s.cfg.Now().UTC()
	r := &run{
		id:        runID,
		pipeline:  p,
		graph:     g,
		plan:      execPlan,
		order:     execPlan.StageIDs(),
		stages:    make(map[string]*stageRun, len(execPlan.Stages)),
		params:    params,
		roots:     append([]string(nil), execPlan.Roots...),
		revision:  strings.TrimSpace(req.Revision),
		trigger:   strings.TrimSpace(req.Trigger),
		createdAt: now,
		state:     domain.RunStateRunning,
	}
	for _, planned := range execPlan.Stages {
		def, _ := g.Stage(planned.ID)
		r.stages[planned.ID] = &stageRun{
			def:     def,
			planned: planned,
			status:  domain.StageStatus{StageID: planned.ID, State: domain.StageStatePending},
		}
	}

	s.mu.Lock()
	if _, exists := s.runs[runID]; exists {
		s.mu.Unlock()
		return "", fmt.Errorf("run %s already exists", runID)
	}
	if _, exists := s.archive[runID]; exists {
		s.mu.Unlock()
		return "", fmt.Errorf("run %s already exists", runID)
	}
	s.runs[runID] = r
	b := &batch{}
	s.emit(b, r, EventRunStarted, nil)
	b.events[len(b.events)-1].Plan = &execPlan
	s.advanceAll(b)
	observers := s.observers
	s.mu.Unlock()

	s.logger.Info("run started", "run_id", runID, "pipeline_id", p.ID, "roots", execPlan.Roots, "stages", len(execPlan.Stages))
	s.flush(b, observers)
	return runID, nil
}

// GetStatus returns a snapshot of the run. It has no side effects.
func (s *Scheduler) GetStatus(runID string) (domain.RunStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[runID]; ok {
		return r.snapshot(), nil
	}
	if status, ok := s.archive[runID]; ok {
		return cloneStatus(status), nil
	}
	return domain.RunStatus{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
}

// ActiveRuns lists the ids of non-terminal runs.
func (s *Scheduler) ActiveRuns() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CancelRun skips every non-terminal stage, releases their slots now and
// signals running attempts. Cancelling a terminal run changes nothing and
// returns its archived status with ErrRunFinished.
func (s *Scheduler) CancelRun(runID string) (domain.RunStatus, error) {
	s.mu.Lock()
	r, ok := s.runs[runID]
	if !ok {
		status, archived := s.archive[runID]
		s.mu.Unlock()
		if archived {
			return cloneStatus(status), fmt.Errorf("%w: %s", ErrRunFinished, runID)
		}
		return domain.RunStatus{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	b := &batch{}
	r.cancelled = true
	now := s.cfg.Now().UTC()
	for _, id := range r.order {
		st := r.stages[id]
		if st.status.State.Terminal() {
			continue
		}
		if st.status.State == domain.StageStateRunning && st.handle != "" {
			b.cancels = append(b.cancels, st.handle)
		}
		s.releaseSlot(st)
		st.status.FinishedAt = &now
		s.transition(b, r, st, domain.StageStateSkipped, domain.ReasonCancelled, "run cancelled")
	}
	s.advanceAll(b)
	status := s.statusOf(runID)
	observers := s.observers
	s.mu.Unlock()

	s.logger.Info("run cancelled", "run_id", runID)
	s.flush(b, observers)
	return status, nil
}

// OnStageComplete applies an outcome to the stage's current attempt.
func (s *Scheduler) OnStageComplete(runID, stageID string, outcome domain.StageOutcome) error {
	s.mu.Lock()
	r, ok := s.runs[runID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	st, ok := r.stages[stageID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrUnknownStage, stageID)
	}
	handle := st.handle
	s.mu.Unlock()
	if handle == "" {
		return fmt.Errorf("stage %s has no attempt in flight", stageID)
	}
	s.complete(handle, outcome)
	return nil
}

// complete is the dispatcher callback. Outcomes for attempts that are no
// longer current only free the agent.
func (s *Scheduler) complete(handle string, outcome domain.StageOutcome) {
	s.mu.Lock()
	fl, ok := s.inflight[handle]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.inflight, handle)
	if fl.agentID != "" {
		s.pool.Release(fl.agentID)
	}

	b := &batch{}
	r, ok := s.runs[fl.runID]
	var st *stageRun
	if ok {
		st = r.stages[fl.stageID]
	}
	if st == nil || st.handle != handle || st.status.State != domain.StageStateRunning {
		s.advanceAll(b)
		observers := s.observers
		s.mu.Unlock()
		s.flush(b, observers)
		return
	}

	st.handle = ""
	s.releaseSlot(st)
	now := s.cfg.Now().UTC()
	switch {
	case outcome.Succeeded:
		st.status.Manifest = outcome.Manifest
		st.status.FinishedAt = &now
		s.transition(b, r, st, domain.StageStateSucceeded, "", outcome.Message)
	case retryable(outcome) && st.status.Attempts < st.def.MaxAttempts():
		st.status.AgentID = ""
		s.transition(b, r, st, domain.StageStateReady, domain.ReasonRetrying, outcome.Message)
	default:
		reason := outcome.Reason
		if reason == "" {
			reason = domain.ReasonExecutionFailed
		}
		msg := outcome.Message
		if st.def.IgnoreFailure {
			msg = strings.TrimSpace(reason + ": " + msg)
			reason = domain.ReasonFailureIgnored
		}
		st.status.Manifest = outcome.Manifest
		st.status.FinishedAt = &now
		s.transition(b, r, st, domain.StageStateFailed, reason, msg)
	}
	s.advanceAll(b)
	observers := s.observers
	s.mu.Unlock()

	s.logger.Info("stage completed",
		"run_id", fl.runID,
		"stage_id", fl.stageID,
		"agent_id", fl.agentID,
		"succeeded", outcome.Succeeded,
		"reason", outcome.Reason,
	)
	s.flush(b, observers)
}

// Poke re-evaluates every active run, for example after agents register.
func (s *Scheduler) Poke() {
	s.mu.Lock()
	b := &batch{}
	s.advanceAll(b)
	observers := s.observers
	s.mu.Unlock()
	s.flush(b, observers)
}

// Sweep fails stages whose requirements no registered agent has matched
// for longer than the capability timeout.
func (s *Scheduler) Sweep(now time.Time) {
	if s.cfg.CapabilityTimeout <= 0 {
		s.Poke()
		return
	}
	s.mu.Lock()
	b := &batch{}
	for _, r := range s.activeRuns() {
		for _, id := range r.order {
			st := r.stages[id]
			if st.status.State != domain.StageStateReady || st.status.Reason != domain.ReasonCapabilityUnsatisfiable {
				continue
			}
			if st.waitingSince.IsZero() || now.Sub(st.waitingSince) < s.cfg.CapabilityTimeout {
				continue
			}
			finished := now.UTC()
			st.status.FinishedAt = &finished
			msg := fmt.Sprintf("%v: no registered agent satisfies %s within %s", domain.ErrCapabilityUnsatisfiable, describe(st.def.Requirements), s.cfg.CapabilityTimeout)
			s.transition(b, r, st, domain.StageStateFailed, domain.ReasonCapabilityUnsatisfiable, msg)
		}
	}
	s.advanceAll(b)
	observers := s.observers
	s.mu.Unlock()
	s.flush(b, observers)
}

// Run sweeps on every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(s.cfg.Now())
		}
	}
}

func retryable(outcome domain.StageOutcome) bool {
	return outcome.Reason == "" || outcome.Reason == domain.ReasonExecutionFailed
}

func describe(preds []domain.Predicate) string {
	parts := make([]string, 0, len(preds))
	for _, p := range preds {
		parts = append(parts, p.String())
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// RegisterAgent adds an agent to the pool and re-evaluates waiting stages.
func (s *Scheduler) RegisterAgent(a agents.Agent) error {
	if err := s.pool.Register(a); err != nil {
		return err
	}
	s.logger.Info("agent registered", "agent_id", a.ID(), "kind", a.Kind())
	s.Poke()
	return nil
}
