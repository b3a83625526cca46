package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/animus-labs/conveyor/internal/domain"
	"github.com/animus-labs/conveyor/internal/execution/graph"
	"github.com/animus-labs/conveyor/internal/execution/plan"
	"github.com/animus-labs/conveyor/internal/execution/scheduler"
	"github.com/animus-labs/conveyor/internal/execution/state"
	"github.com/animus-labs/conveyor/internal/execution/trigger"
	"github.com/animus-labs/conveyor/internal/platform/auditlog"
	"github.com/animus-labs/conveyor/internal/repo"
)

var ErrRunNotFound = scheduler.ErrRunNotFound

// Catalog resolves pipeline definitions by id.
type Catalog interface {
	Get(id string) (domain.Pipeline, error)
	List() []domain.Pipeline
}

// Engine is the part of the scheduler the service drives.
type Engine interface {
	StartRun(req scheduler.StartRequest) (string, error)
	GetStatus(runID string) (domain.RunStatus, error)
	CancelRun(runID string) (domain.RunStatus, error)
}

type Options struct {
	// Audit receives run.start, run.start_denied and run.cancel events.
	// Nil disables auditing.
	Audit       auditlog.Recorder
	ServiceName string
	Logger      *slog.Logger
	Now         func() time.Time
	// WriteTimeout bounds each repository write made from Observer.
	WriteTimeout time.Duration
}

type Service struct {
	catalog Catalog
	engine  Engine
	runs    repo.RunRepository
	plans   repo.PlanRepository
	ledger  *trigger.Ledger
	audit   auditlog.Recorder
	service string
	logger  *slog.Logger
	now     func() time.Time
	timeout time.Duration

	persistMu sync.Mutex
	versions  map[string]int64
	finished  []string
}

// Actor is the caller on whose behalf a run is started or cancelled.
type Actor struct {
	Subject   string
	Roles     []string
	RequestID string
}

type StartInput struct {
	PipelineID string
	Revision   string
	Targets    []string
	Params     map[string]string
	Confirm    bool
	Actor      Actor
}

type StartResult struct {
	RunID    string           `json:"runId"`
	Decision trigger.Decision `json:"decision"`
}

func New(catalog Catalog, engine Engine, runRepo repo.RunRepository, planRepo repo.PlanRepository, opts Options) (*Service, error) {
	if catalog == nil {
		return nil, errors.New("catalog is required")
	}
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	if runRepo == nil || planRepo == nil {
		return nil, errors.New("run and plan repositories are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if strings.TrimSpace(opts.ServiceName) == "" {
		opts.ServiceName = "orchestrator"
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return &Service{
		catalog:  catalog,
		engine:   engine,
		runs:     runRepo,
		plans:    planRepo,
		ledger:   trigger.NewLedger(),
		audit:    opts.Audit,
		service:  opts.ServiceName,
		logger:   opts.Logger,
		now:      opts.Now,
		timeout:  opts.WriteTimeout,
		versions: make(map[string]int64),
	}, nil
}

// StartRun evaluates the pipeline gate for a manual start and hands the run
// to the scheduler. Gate rejections wrap trigger.ErrStartDenied or
// trigger.ErrConfirmationRequired and carry the decision in the result.
func (s *Service) StartRun(ctx context.Context, in StartInput) (StartResult, error) {
	p, err := s.catalog.Get(strings.TrimSpace(in.PipelineID))
	if err != nil {
		return StartResult{}, err
	}
	params := p.DefaultParams()
	for k, v := range in.Params {
		params[k] = v
	}
	gctx := trigger.GateContext{
		PipelineID: p.ID,
		Kind:       trigger.KindManual,
		Params:     params,
		Subject:    in.Actor.Subject,
		Roles:      in.Actor.Roles,
		Confirmed:  in.Confirm,
	}
	return s.start(ctx, p, gctx, in.Targets, in.Revision, string(trigger.KindManual), in.Actor)
}

func (s *Service) start(ctx context.Context, p domain.Pipeline, gctx trigger.GateContext, targets []string, revision, triggerLabel string, actor Actor) (StartResult, error) {
	gateTargets, err := effectiveTargets(p, targets)
	if err != nil {
		return StartResult{}, err
	}
	gctx.Targets = gateTargets
	decision := trigger.EvaluateGate(p.Gate, gctx)
	if err := trigger.Admit(decision, gctx); err != nil {
		s.logger.Warn("run start rejected by gate",
			"pipeline_id", p.ID,
			"trigger", triggerLabel,
			"effect", decision.Effect,
			"rule_id", decision.RuleID,
			"subject", actor.Subject,
		)
		s.auditRun(ctx, auditlog.RunEvent{
			Actor:      actor.Subject,
			Action:     auditlog.ActionRunStartDenied,
			PipelineID: p.ID,
			Revision:   revision,
			Trigger:    triggerLabel,
			Targets:    gateTargets,
			Params:     gctx.Params,
			Decision:   string(decision.Effect),
			Reason:     decision.RuleID,
			RequestID:  actor.RequestID,
		})
		return StartResult{Decision: decision}, fmt.Errorf("%w: pipeline %s rule %q", err, p.ID, decision.RuleID)
	}

	runID, err := s.engine.StartRun(scheduler.StartRequest{
		Pipeline: p,
		Roots:    targets,
		Revision: revision,
		Params:   gctx.Params,
		Trigger:  triggerLabel,
	})
	if err != nil {
		return StartResult{Decision: decision}, err
	}
	s.auditRun(ctx, auditlog.RunEvent{
		Actor:      actor.Subject,
		Action:     auditlog.ActionRunStart,
		RunID:      runID,
		PipelineID: p.ID,
		Revision:   revision,
		Trigger:    triggerLabel,
		Targets:    gateTargets,
		Params:     gctx.Params,
		Decision:   string(decision.Effect),
		RequestID:  actor.RequestID,
	})
	return StartResult{RunID: runID, Decision: decision}, nil
}

// effectiveTargets returns the stages a start addresses: the requested ones,
// or the pipeline sinks when none are given.
func effectiveTargets(p domain.Pipeline, targets []string) ([]string, error) {
	out := make([]string, 0, len(targets))
	for _, target := range targets {
		if target = strings.TrimSpace(target); target != "" {
			out = append(out, target)
		}
	}
	if len(out) > 0 {
		return out, nil
	}
	g, err := graph.FromPipeline(p)
	if err != nil {
		return nil, err
	}
	return g.Sinks(), nil
}

func (s *Service) GetStatus(ctx context.Context, runID string) (domain.RunStatus, error) {
	status, err := s.engine.GetStatus(runID)
	if err == nil {
		return status, nil
	}
	if !errors.Is(err, scheduler.ErrRunNotFound) {
		return domain.RunStatus{}, err
	}
	stored, repoErr := s.runs.GetRun(ctx, runID)
	if errors.Is(repoErr, repo.ErrNotFound) {
		return domain.RunStatus{}, err
	}
	if repoErr != nil {
		return domain.RunStatus{}, repoErr
	}
	return stored, nil
}

// CancelRun cancels an active run. A run that already finished is returned
// unchanged and leaves no audit row.
func (s *Service) CancelRun(ctx context.Context, runID string, actor Actor) (domain.RunStatus, error) {
	status, err := s.engine.CancelRun(runID)
	switch {
	case errors.Is(err, scheduler.ErrRunFinished):
		return status, nil
	case errors.Is(err, scheduler.ErrRunNotFound):
		return s.GetStatus(ctx, runID)
	case err != nil:
		return domain.RunStatus{}, err
	}
	s.auditRun(ctx, auditlog.RunEvent{
		Actor:      actor.Subject,
		Action:     auditlog.ActionRunCancel,
		RunID:      status.RunID,
		PipelineID: status.PipelineID,
		Revision:   status.Revision,
		Trigger:    status.Trigger,
		Targets:    status.Roots,
		RequestID:  actor.RequestID,
	})
	return status, nil
}

func (s *Service) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.RunStatus, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	return s.runs.ListRuns(ctx, filter)
}

func (s *Service) GetPlan(ctx context.Context, runID string) (repo.PlanRecord, error) {
	return s.plans.GetPlan(ctx, runID)
}

// ExecutionPlan decodes the plan stored when the run started.
func (s *Service) ExecutionPlan(ctx context.Context, runID string) (domain.ExecutionPlan, error) {
	record, err := s.plans.GetPlan(ctx, runID)
	if err != nil {
		return domain.ExecutionPlan{}, err
	}
	decoded, err := plan.UnmarshalExecutionPlan(record.Plan)
	if err != nil {
		return domain.ExecutionPlan{}, fmt.Errorf("decode plan of run %s: %w", runID, err)
	}
	return decoded, nil
}

// FailedRoots names the fatally failed stages behind a failed run's
// dependency skips. Runs in any other state have none.
func (s *Service) FailedRoots(ctx context.Context, status domain.RunStatus) ([]string, error) {
	if status.State != domain.RunStateFailed {
		return nil, nil
	}
	p, err := s.ExecutionPlan(ctx, status.RunID)
	if err != nil {
		return nil, err
	}
	return state.FailedRoots(&p, status.Stages), nil
}

func (s *Service) auditRun(ctx context.Context, event auditlog.RunEvent) {
	if s.audit == nil {
		return
	}
	if event.Time.IsZero() {
		event.Time = s.now().UTC()
	}
	if err := s.audit(ctx, auditlog.RunEventRecord(s.service, event)); err != nil {
		s.logger.Warn("audit run event failed", "action", event.Action, "run_id", event.RunID, "error", err.Error())
	}
}
