package runtimeexec

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/animus-labs/conveyor/internal/agents"
	"github.com/animus-labs/conveyor/internal/artifacts"
	"github.com/animus-labs/conveyor/internal/domain"
)

func TestParseAgentSpecs(t *testing.T) {
	specs, err := ParseAgentSpecs("lin-1:os.family=Linux,os.name=ubuntu-20.04; win-1:os.family=Windows")
	if err != nil {
		t.Fatalf("ParseAgentSpecs err=%v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("specs=%+v", specs)
	}
	if specs[0].Capabilities["os.name"] != "ubuntu-20.04" || specs[0].Capabilities["agent.name"] != "lin-1" {
		t.Fatalf("caps=%v", specs[0].Capabilities)
	}
	if specs[1].Capabilities["os.family"] != "Windows" {
		t.Fatalf("override lost: %v", specs[1].Capabilities)
	}

	for _, bad := range []string{":x=y", "a:novalue", "a:k=v;a:k=v"} {
		if _, err := ParseAgentSpecs(bad); err == nil {
			t.Fatalf("ParseAgentSpecs(%q) expected error", bad)
		}
	}
	if specs, err := ParseAgentSpecs("  "); err != nil || specs != nil {
		t.Fatalf("empty specs=%v err=%v", specs, err)
	}
}

func TestStepEnv(t *testing.T) {
	w := agents.Workload{
		RunID:   "run-1",
		StageID: "deploy-all",
		Attempt: 2,
		Params:  map[string]string{"deployall.prompt": "true"},
		Env:     map[string]string{"CONVEYOR_RUN_ID": "spoofed", "DOTNET_CLI_TELEMETRY_OPTOUT": "1"},
	}
	env := stepEnv(w, domain.Step{Name: "Confirmation", Env: map[string]string{"LEVEL": "prod"}})
	joined := strings.Join(env, "\n")
	for _, want := range []string{"CONVEYOR_RUN_ID=run-1", "CONVEYOR_ATTEMPT=2", "CONVEYOR_PARAM_DEPLOYALL_PROMPT=true", "DOTNET_CLI_TELEMETRY_OPTOUT=1", "LEVEL=prod", "CONVEYOR_STEP=Confirmation"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("env missing %q: %v", want, env)
		}
	}
	if strings.Contains(joined, "spoofed") {
		t.Fatalf("reserved key overridden: %v", env)
	}
}

func TestDockerRunArgs(t *testing.T) {
	w := agents.Workload{RunID: "R1", StageID: "deploy/console", Attempt: 1}
	name := containerName(w, 0)
	if name != "conveyor-r1-deploy-console-1-0" {
		t.Fatalf("name=%q", name)
	}
	args := dockerRunArgs(name, "/ws", "mcr.microsoft.com/dotnet/sdk:8.0", []string{"A=1"}, "dotnet publish")
	want := []string{"run", "--rm", "--name", name, "--volume", "/ws:/workspace", "--workdir", "/workspace", "-e", "A=1", "mcr.microsoft.com/dotnet/sdk:8.0", "sh", "-c", "dotnet publish"}
	if !reflect.DeepEqual(args, want) {
		t.Fatalf("args=%v, want %v", args, want)
	}
}

func TestDryRunAgentWritesPlaceholders(t *testing.T) {
	agent, err := NewDryRunAgent(AgentSpec{ID: "dry"}, 0, 0)
	if err != nil {
		t.Fatalf("NewDryRunAgent err=%v", err)
	}
	dir := t.TempDir()
	patterns := []domain.ArtifactPattern{{Pattern: "bin"}, {Pattern: "out/*.exe"}, {Pattern: "logs/**/*.log"}}
	w := agents.Workload{RunID: "r", StageID: "build", Attempt: 1, Dir: dir, Artifacts: patterns, Steps: []domain.Step{{Name: "publish", Command: "dotnet publish"}}}
	result, err := agent.Execute(context.Background(), w)
	if err != nil || result.ExitCode != 0 {
		t.Fatalf("Execute result=%+v err=%v", result, err)
	}
	files, err := artifacts.ListFiles(dir)
	if err != nil {
		t.Fatalf("ListFiles err=%v", err)
	}
	if _, err := artifacts.Publish("r", "build", patterns, files); err != nil {
		t.Fatalf("placeholders do not satisfy patterns: files=%v err=%v", files, err)
	}
}

func TestDryRunAgentFailureIsDeterministic(t *testing.T) {
	always, _ := NewDryRunAgent(AgentSpec{ID: "dry"}, 1, 0)
	w := agents.Workload{RunID: "r", StageID: "s", Attempt: 1, Dir: t.TempDir()}
	result, err := always.Execute(context.Background(), w)
	if err != nil || result.ExitCode != 1 {
		t.Fatalf("result=%+v err=%v, want exit 1", result, err)
	}
	if score(w) != score(w) {
		t.Fatalf("score not deterministic")
	}
	if _, err := NewDryRunAgent(AgentSpec{ID: "dry"}, 1.5, 0); err == nil {
		t.Fatalf("expected failure rate error")
	}
}

func TestLocalAgentStopsAtFirstFailure(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	agent, err := NewLocalAgent(AgentSpec{ID: "local"}, "sh")
	if err != nil {
		t.Fatalf("NewLocalAgent err=%v", err)
	}
	dir := t.TempDir()
	w := agents.Workload{
		RunID: "r", StageID: "s", Attempt: 1, Dir: dir,
		Params: map[string]string{"greeting": "hi"},
		Steps: []domain.Step{
			{Name: "write", Command: `mkdir -p bin && printf "$CONVEYOR_PARAM_GREETING" > bin/out.txt`},
			{Name: "fail", Command: "exit 3"},
			{Name: "never", Command: "touch never"},
		},
	}
	result, err := agent.Execute(context.Background(), w)
	if err != nil {
		t.Fatalf("Execute err=%v", err)
	}
	if result.ExitCode != 3 || len(result.Steps) != 2 {
		t.Fatalf("result=%+v", result)
	}
	got, err := os.ReadFile(filepath.Join(dir, "bin", "out.txt"))
	if err != nil || string(got) != "hi" {
		t.Fatalf("out.txt=%q err=%v", got, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "never")); err == nil {
		t.Fatalf("step after failure ran")
	}
}

func TestRemoteAgentRoundTrip(t *testing.T) {
	backend, _ := NewDryRunAgent(AgentSpec{ID: "remote-1", Capabilities: map[string]string{"os.family": "Windows"}}, 0, 0)
	root := t.TempDir()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/info":
			_ = json.NewEncoder(w).Encode(AgentInfo{ID: backend.ID(), Kind: backend.Kind(), Capabilities: backend.Capabilities()})
		case "/v1/execute":
			var req ExecuteRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			_ = json.NewEncoder(w).Encode(ServeExecute(r.Context(), backend, root, req))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	agent, err := DialRemoteAgent(context.Background(), srv.URL, NewHTTPClient(context.Background(), nil, 0))
	if err != nil {
		t.Fatalf("DialRemoteAgent err=%v", err)
	}
	if agent.ID() != "remote-1" || agent.Capabilities()["os.family"] != "Windows" || agent.Capabilities()["agent.remote"] != "true" {
		t.Fatalf("agent=%+v", agent)
	}

	dir := t.TempDir()
	if err := WriteWorkspace(dir, []WireFile{{Path: "context/app.dll", Content: []byte("x")}}); err != nil {
		t.Fatalf("WriteWorkspace err=%v", err)
	}
	w := agents.Workload{RunID: "r", StageID: "deploy", Attempt: 1, Dir: dir, Artifacts: []domain.ArtifactPattern{{Pattern: "receipt.txt"}}}
	if _, err := agent.Execute(context.Background(), w); err != nil {
		t.Fatalf("Execute err=%v", err)
	}
	files, _ := artifacts.ListFiles(dir)
	if want := []string{"context/app.dll", "receipt.txt"}; !reflect.DeepEqual(files, want) {
		t.Fatalf("files=%v, want %v", files, want)
	}
}

func TestWriteWorkspaceContainsPaths(t *testing.T) {
	dir := t.TempDir()
	if err := WriteWorkspace(dir, []WireFile{{Path: "../../escape.txt", Content: []byte("x")}}); err != nil {
		t.Fatalf("WriteWorkspace err=%v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "escape.txt")); err != nil {
		t.Fatalf("expected path clamped into workspace: %v", err)
	}
}
