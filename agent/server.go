package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/animus-labs/conveyor/internal/agents"
	"github.com/animus-labs/conveyor/internal/platform/httpserver"
	"github.com/animus-labs/conveyor/internal/platform/requestid"
	"github.com/animus-labs/conveyor/internal/runtimeexec"
)

const maxRequestBytes = 256 << 20

// agentServer exposes one agent over the remote agent protocol. The agent
// runs at most one workload at a time.
type agentServer struct {
	logger  *slog.Logger
	agent   agents.Agent
	workDir string

	mu   sync.Mutex
	busy bool
}

func newAgentServer(logger *slog.Logger, agent agents.Agent, workDir string) *agentServer {
	return &agentServer{logger: logger, agent: agent, workDir: workDir}
}

func (s *agentServer) register(r chi.Router) {
	r.Get("/v1/info", s.handleInfo)
	r.Post("/v1/execute", s.handleExecute)
}

func (s *agentServer) handleInfo(w http.ResponseWriter, r *http.Request) {
	httpserver.WriteJSON(w, http.StatusOK, runtimeexec.AgentInfo{
		ID:           s.agent.ID(),
		Kind:         s.agent.Kind(),
		Capabilities: s.agent.Capabilities(),
	})
}

func (s *agentServer) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req runtimeexec.ExecuteRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if !s.acquire() {
		httpserver.WriteError(w, r, http.StatusConflict, "agent_busy", "")
		return
	}
	defer s.release()

	s.logger.Info("workload received",
		"request_id", requestid.FromContext(r.Context()),
		"run_id", req.Workload.RunID,
		"stage_id", req.Workload.StageID,
		"attempt", req.Workload.Attempt,
		"inputs", len(req.Inputs),
	)
	resp := runtimeexec.ServeExecute(r.Context(), s.agent, s.workDir, req)
	if resp.Error != "" {
		s.logger.Warn("workload failed",
			"run_id", req.Workload.RunID,
			"stage_id", req.Workload.StageID,
			"error", resp.Error,
		)
	}
	httpserver.WriteJSON(w, http.StatusOK, resp)
}

func (s *agentServer) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return false
	}
	s.busy = true
	return true
}

func (s *agentServer) release() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}
