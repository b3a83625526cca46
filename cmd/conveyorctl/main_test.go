package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/animus-labs/conveyor/internal/domain"
)

const clockPath = "../../pipelines/clock.yaml"

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestValidate(t *testing.T) {
	code, out, errOut := run(t, "validate", clockPath)
	if code != 0 {
		t.Fatalf("code=%d stderr=%s", code, errOut)
	}
	if !strings.Contains(out, "ok (pipeline clock") {
		t.Fatalf("stdout=%q", out)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("schema: conveyor.pipeline.v1\nid: x\nstages: []\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	code, _, errOut = run(t, "validate", clockPath, bad)
	if code != 1 {
		t.Fatalf("code=%d, want 1", code)
	}
	if !strings.Contains(errOut, "1 of 2 definitions invalid") {
		t.Fatalf("stderr=%q", errOut)
	}
}

func TestPlanRestrictsToTargets(t *testing.T) {
	code, out, errOut := run(t, "plan", clockPath, "--target", "deploy-console-linux")
	if code != 0 {
		t.Fatalf("code=%d stderr=%s", code, errOut)
	}
	for _, want := range []string{"run-tests-linux", "build-console-web-linux-x64", "deploy-console-linux"} {
		if !strings.Contains(out, want) {
			t.Fatalf("plan missing %s:\n%s", want, out)
		}
	}
	if strings.Contains(out, "deploy-all") || strings.Contains(out, "run-tests-windows") {
		t.Fatalf("plan includes stages outside the closure:\n%s", out)
	}

	code, out, _ = run(t, "plan", clockPath, "-o", "json")
	if code != 0 {
		t.Fatalf("json code=%d", code)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("plan json: %v", err)
	}
	if payload["pipelineId"] != "clock" {
		t.Fatalf("payload=%v", payload)
	}
}

// fakeOrchestrator serves a run that moves through the given states, one
// per status request.
type fakeOrchestrator struct {
	mu     sync.Mutex
	states []domain.RunState
	polls  int
	starts []startRunRequest
}

func (f *fakeOrchestrator) view() runView {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.polls
	if idx >= len(f.states) {
		idx = len(f.states) - 1
	}
	f.polls++
	v := runView{RunStatus: domain.RunStatus{RunID: "run-1", PipelineID: "clock", State: f.states[idx]}}
	if code, ok := v.State.ExitCode(); ok {
		v.ExitCode = &code
	}
	return v
}

func (f *fakeOrchestrator) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/runs", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": "unauthorized"})
			return
		}
		var req startRunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode start: %v", err)
		}
		f.mu.Lock()
		f.starts = append(f.starts, req)
		f.mu.Unlock()
		if !req.Confirm {
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error":    "confirmation_required",
				"decision": map[string]any{"effect": "require_confirmation", "rule_id": "deploy-all-needs-confirmation"},
			})
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"runId": "run-1", "run": map[string]any{"runId": "run-1", "state": "running"}})
	})
	mux.HandleFunc("/v1/runs/run-1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(f.view())
	})
	mux.HandleFunc("/v1/runs/run-1/cancel", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.states = []domain.RunState{domain.RunStateCancelled}
		f.polls = 0
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(f.view())
	})
	return mux
}

func newFake(t *testing.T, states ...domain.RunState) (*fakeOrchestrator, string) {
	t.Helper()
	f := &fakeOrchestrator{states: states}
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return f, srv.URL
}

func TestRunWaitExitCodes(t *testing.T) {
	tests := []struct {
		name  string
		final domain.RunState
		want  int
	}{
		{name: "succeeded", final: domain.RunStateSucceeded, want: 0},
		{name: "failed", final: domain.RunStateFailed, want: 1},
		{name: "cancelled", final: domain.RunStateCancelled, want: 2},
	}
	for _, tt := range tests {
		_, url := newFake(t, domain.RunStateRunning, tt.final)
		code, out, errOut := run(t, "--server", url, "run", "wait", "run-1", "--poll-interval", "1ms")
		if code != tt.want {
			t.Fatalf("%s: code=%d, want %d stderr=%s", tt.name, code, tt.want, errOut)
		}
		if !strings.Contains(out, "state:    "+string(tt.final)) {
			t.Fatalf("%s: stdout=%q", tt.name, out)
		}
		if !strings.Contains(errOut, "run run-1: running") {
			t.Fatalf("%s: stderr=%q, want progress line", tt.name, errOut)
		}
	}
}

func TestRunStartNeedsConfirmation(t *testing.T) {
	f, url := newFake(t, domain.RunStateSucceeded)

	code, _, errOut := run(t, "--server", url, "--token", "secret", "run", "start", "clock", "--target", "deploy-all")
	if code != 1 {
		t.Fatalf("code=%d, want 1", code)
	}
	if !strings.Contains(errOut, "409 confirmation_required") || !strings.Contains(errOut, "deploy-all-needs-confirmation") {
		t.Fatalf("stderr=%q", errOut)
	}

	code, _, errOut = run(t, "--server", url, "--token", "secret", "run", "start", "clock",
		"--target", "deploy-all", "--param", "deployall.prompt=true", "--confirm", "--wait", "--poll-interval", "1ms")
	if code != 0 {
		t.Fatalf("code=%d stderr=%s", code, errOut)
	}
	last := f.starts[len(f.starts)-1]
	if !last.Confirm || last.Params["deployall.prompt"] != "true" || len(last.Targets) != 1 {
		t.Fatalf("start request=%+v", last)
	}
}

func TestRunStartRejectsBadParam(t *testing.T) {
	_, url := newFake(t, domain.RunStateSucceeded)
	code, _, errOut := run(t, "--server", url, "run", "start", "clock", "--param", "novalue")
	if code != 1 || !strings.Contains(errOut, "must be name=value") {
		t.Fatalf("code=%d stderr=%q", code, errOut)
	}
}

func TestRunCancel(t *testing.T) {
	_, url := newFake(t, domain.RunStateRunning)
	code, out, errOut := run(t, "--server", url, "-o", "json", "run", "cancel", "run-1")
	if code != 0 {
		t.Fatalf("code=%d stderr=%s", code, errOut)
	}
	var v runView
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.State != domain.RunStateCancelled || v.ExitCode == nil || *v.ExitCode != 2 {
		t.Fatalf("view=%+v", v)
	}
}
