package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/animus-labs/conveyor/internal/agents"
	"github.com/animus-labs/conveyor/internal/domain"
	"github.com/animus-labs/conveyor/internal/execution/governor"
	"github.com/animus-labs/conveyor/internal/execution/plan"
	"github.com/animus-labs/conveyor/internal/execution/specvalidator"
	"github.com/animus-labs/conveyor/internal/execution/trigger"
	"github.com/animus-labs/conveyor/internal/pipelinespec"
	"github.com/animus-labs/conveyor/internal/platform/auth"
	"github.com/animus-labs/conveyor/internal/platform/httpserver"
	"github.com/animus-labs/conveyor/internal/platform/requestid"
	"github.com/animus-labs/conveyor/internal/repo"
	"github.com/animus-labs/conveyor/internal/service/runs"
)

type orchestratorAPI struct {
	logger   *slog.Logger
	runs     *runs.Service
	catalog  *pipelinespec.Catalog
	pool     *agents.Pool
	governor *governor.Governor
}

func newOrchestratorAPI(logger *slog.Logger, svc *runs.Service, catalog *pipelinespec.Catalog, pool *agents.Pool, gov *governor.Governor) *orchestratorAPI {
	return &orchestratorAPI{
		logger:   logger,
		runs:     svc,
		catalog:  catalog,
		pool:     pool,
		governor: gov,
	}
}

func (api *orchestratorAPI) register(r chi.Router) {
	r.Get("/v1/pipelines", api.handleListPipelines)
	r.Get("/v1/pipelines/{pipelineID}", api.handleGetPipeline)
	r.Get("/v1/pipelines/{pipelineID}/plan", api.handlePreviewPlan)
	r.Post("/v1/runs", api.handleStartRun)
	r.Get("/v1/runs", api.handleListRuns)
	r.Get("/v1/runs/{runID}", api.handleGetRun)
	r.Post("/v1/runs/{runID}/cancel", api.handleCancelRun)
	r.Get("/v1/runs/{runID}/plan", api.handleGetRunPlan)
	r.Get("/v1/agents", api.handleListAgents)
	r.Get("/v1/governor", api.handleGovernor)
}

type stageView struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	Kind        string   `json:"kind"`
	Class       string   `json:"concurrencyClass,omitempty"`
	DependsOn   []string `json:"dependsOn,omitempty"`
	NeedsAgent  bool     `json:"needsAgent"`
	MaxAttempts int      `json:"maxAttempts"`
}

type triggerView struct {
	Name    string   `json:"name"`
	Mode    string   `json:"mode"`
	Enabled bool     `json:"enabled"`
	Targets []string `json:"targets,omitempty"`
}

type pipelineView struct {
	ID       string        `json:"id"`
	Name     string        `json:"name,omitempty"`
	Version  string        `json:"version,omitempty"`
	Stages   []stageView   `json:"stages"`
	Triggers []triggerView `json:"triggers,omitempty"`
}

func viewPipeline(p domain.Pipeline) pipelineView {
	deps := make(map[string][]string)
	for _, edge := range p.Edges {
		switch edge.Kind {
		case domain.EdgeSnapshot, domain.EdgeSnapshotAlways:
			deps[edge.To] = append(deps[edge.To], edge.From)
		}
	}
	out := pipelineView{ID: p.ID, Name: p.Name, Version: p.Version, Stages: make([]stageView, 0, len(p.Stages))}
	for _, stage := range p.Stages {
		view := stageView{
			ID:          stage.ID,
			Name:        stage.Name,
			Kind:        string(stage.Kind),
			DependsOn:   deps[stage.ID],
			NeedsAgent:  stage.NeedsAgent(),
			MaxAttempts: stage.MaxAttempts(),
		}
		if stage.Concurrency != nil {
			view.Class = stage.Concurrency.Name
		}
		out.Stages = append(out.Stages, view)
	}
	for _, t := range p.Triggers {
		out.Triggers = append(out.Triggers, triggerView{Name: t.Name, Mode: string(t.Mode), Enabled: !t.Disabled, Targets: t.Targets})
	}
	return out
}

func (api *orchestratorAPI) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	pipelines := api.catalog.List()
	out := make([]pipelineView, 0, len(pipelines))
	for _, p := range pipelines {
		out = append(out, viewPipeline(p))
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"pipelines": out})
}

func (api *orchestratorAPI) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := api.catalog.Get(chi.URLParam(r, "pipelineID"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, viewPipeline(p))
}

func (api *orchestratorAPI) handlePreviewPlan(w http.ResponseWriter, r *http.Request) {
	p, err := api.catalog.Get(chi.URLParam(r, "pipelineID"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	built, err := plan.BuildPlan(p, "preview", splitCSV(r.URL.Query().Get("targets")))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	raw, err := plan.MarshalExecutionPlan(built)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeRawJSON(w, http.StatusOK, raw)
}

type startRunRequest struct {
	PipelineID string            `json:"pipelineId"`
	Revision   string            `json:"revision"`
	Targets    []string          `json:"targets,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
	Confirm    bool              `json:"confirm,omitempty"`
}

func (api *orchestratorAPI) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := decodeJSON(w, r, &req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if strings.TrimSpace(req.PipelineID) == "" {
		httpserver.WriteError(w, r, http.StatusBadRequest, "pipeline_id_required", "")
		return
	}

	res, err := api.runs.StartRun(r.Context(), runs.StartInput{
		PipelineID: req.PipelineID,
		Revision:   req.Revision,
		Targets:    req.Targets,
		Params:     req.Params,
		Confirm:    req.Confirm,
		Actor:      actorFrom(r),
	})
	if err != nil {
		if errors.Is(err, trigger.ErrConfirmationRequired) || errors.Is(err, trigger.ErrStartDenied) {
			status, code := http.StatusConflict, "confirmation_required"
			if errors.Is(err, trigger.ErrStartDenied) {
				status, code = http.StatusForbidden, "start_denied"
			}
			httpserver.WriteJSON(w, status, map[string]any{
				"error":      code,
				"decision":   res.Decision,
				"request_id": requestid.FromContext(r.Context()),
			})
			return
		}
		api.writeServiceError(w, r, err)
		return
	}
	status, err := api.runs.GetStatus(r.Context(), res.RunID)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusCreated, map[string]any{
		"runId":    res.RunID,
		"decision": res.Decision,
		"run":      newRunView(status),
	})
}

// runView adds the process exit code of a terminal run. FailedRoots is
// filled only for a single failed run.
type runView struct {
	domain.RunStatus
	ExitCode    *int     `json:"exitCode,omitempty"`
	FailedRoots []string `json:"failedRoots,omitempty"`
}

func newRunView(status domain.RunStatus) runView {
	view := runView{RunStatus: status}
	if code, ok := status.State.ExitCode(); ok {
		view.ExitCode = &code
	}
	return view
}

func (api *orchestratorAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repo.RunFilter{
		PipelineID: strings.TrimSpace(q.Get("pipeline")),
		State:      domain.NormalizeRunState(q.Get("state")),
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 500 {
			httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_limit", "limit must be within [1,500]")
			return
		}
		filter.Limit = limit
	}
	list, err := api.runs.ListRuns(r.Context(), filter)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	out := make([]runView, 0, len(list))
	for _, status := range list {
		out = append(out, newRunView(status))
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (api *orchestratorAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	status, err := api.runs.GetStatus(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	view := newRunView(status)
	roots, err := api.runs.FailedRoots(r.Context(), status)
	if err != nil {
		api.logger.Warn("failed roots unavailable", "run_id", status.RunID, "error", err.Error())
	}
	view.FailedRoots = roots
	httpserver.WriteJSON(w, http.StatusOK, view)
}

func (api *orchestratorAPI) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	status, err := api.runs.CancelRun(r.Context(), chi.URLParam(r, "runID"), actorFrom(r))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, newRunView(status))
}

func (api *orchestratorAPI) handleGetRunPlan(w http.ResponseWriter, r *http.Request) {
	record, err := api.runs.GetPlan(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeRawJSON(w, http.StatusOK, record.Plan)
}

func (api *orchestratorAPI) handleListAgents(w http.ResponseWriter, r *http.Request) {
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"agents": api.pool.Snapshot()})
}

func (api *orchestratorAPI) handleGovernor(w http.ResponseWriter, r *http.Request) {
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"classes": api.governor.Snapshot()})
}

func (api *orchestratorAPI) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *specvalidator.ValidationError
	switch {
	case errors.Is(err, runs.ErrRunNotFound), errors.Is(err, repo.ErrNotFound):
		httpserver.WriteError(w, r, http.StatusNotFound, "run_not_found", err.Error())
	case errors.Is(err, pipelinespec.ErrPipelineNotFound):
		httpserver.WriteError(w, r, http.StatusNotFound, "pipeline_not_found", err.Error())
	case errors.As(err, &verr):
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, domain.ErrUnknownStage), errors.Is(err, domain.ErrCycleDetected), errors.Is(err, domain.ErrInvalidEdge):
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		api.logger.Error("request failed", "request_id", requestid.FromContext(r.Context()), "path", r.URL.Path, "error", err.Error())
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error", "")
	}
}

func actorFrom(r *http.Request) runs.Actor {
	actor := runs.Actor{RequestID: requestid.FromContext(r.Context())}
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		actor.Subject = identity.Subject
		actor.Roles = identity.Roles
	}
	return actor
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

func writeRawJSON(w http.ResponseWriter, status int, raw []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(raw)
}

func splitCSV(value string) []string {
	out := make([]string, 0)
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
