package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/animus-labs/conveyor/internal/agents"
	"github.com/animus-labs/conveyor/internal/domain"
	"github.com/animus-labs/conveyor/internal/runtimeexec"
)

func newTestServer(t *testing.T, agent agents.Agent) (*httptest.Server, *agentServer) {
	t.Helper()
	s := newAgentServer(slog.New(slog.NewJSONHandler(io.Discard, nil)), agent, t.TempDir())
	router := chi.NewRouter()
	s.register(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, s
}

func TestAgentServerServesRemoteClient(t *testing.T) {
	backend, err := runtimeexec.NewDryRunAgent(runtimeexec.AgentSpec{ID: "win-1", Capabilities: map[string]string{"os.family": "Windows"}}, 0, 0)
	if err != nil {
		t.Fatalf("NewDryRunAgent err=%v", err)
	}
	srv, _ := newTestServer(t, backend)

	ctx := context.Background()
	remote, err := runtimeexec.DialRemoteAgent(ctx, srv.URL, runtimeexec.NewHTTPClient(ctx, nil, 0))
	if err != nil {
		t.Fatalf("DialRemoteAgent err=%v", err)
	}
	if remote.ID() != "win-1" || remote.Capabilities()["os.family"] != "Windows" {
		t.Fatalf("remote=%s caps=%v", remote.ID(), remote.Capabilities())
	}

	dir := t.TempDir()
	w := agents.Workload{
		RunID:     "run-1",
		StageID:   "build-desktop-windows",
		Attempt:   1,
		Dir:       dir,
		Steps:     []domain.Step{{Name: "publish", Command: "dotnet publish"}},
		Artifacts: []domain.ArtifactPattern{{Pattern: "bin"}},
	}
	result, err := remote.Execute(ctx, w)
	if err != nil || result.ExitCode != 0 {
		t.Fatalf("Execute result=%+v err=%v", result, err)
	}
	files, err := runtimeexec.ReadWorkspace(dir)
	if err != nil || len(files) == 0 {
		t.Fatalf("outputs=%v err=%v, want placeholders under bin", files, err)
	}
}

func TestAgentServerRejectsInvalidJSON(t *testing.T) {
	backend, _ := runtimeexec.NewDryRunAgent(runtimeexec.AgentSpec{ID: "a"}, 0, 0)
	srv, _ := newTestServer(t, backend)

	resp, err := http.Post(srv.URL+"/v1/execute", "application/json", bytes.NewReader([]byte("{")))
	if err != nil {
		t.Fatalf("post err=%v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", resp.StatusCode)
	}
}

func TestAgentServerRunsOneWorkloadAtATime(t *testing.T) {
	backend, _ := runtimeexec.NewDryRunAgent(runtimeexec.AgentSpec{ID: "a"}, 0, 0)
	srv, s := newTestServer(t, backend)
	if !s.acquire() {
		t.Fatalf("first acquire failed")
	}

	body, _ := json.Marshal(runtimeexec.ExecuteRequest{Workload: agents.Workload{RunID: "r", StageID: "s", Attempt: 1}})
	resp, err := http.Post(srv.URL+"/v1/execute", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post err=%v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status=%d, want 409", resp.StatusCode)
	}

	s.release()
	if !s.acquire() {
		t.Fatalf("acquire after release failed")
	}
}
