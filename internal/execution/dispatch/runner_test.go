package dispatch

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/animus-labs/conveyor/internal/agents"
	"github.com/animus-labs/conveyor/internal/artifacts"
	"github.com/animus-labs/conveyor/internal/domain"
	"github.com/animus-labs/conveyor/internal/execution/governor"
	"github.com/animus-labs/conveyor/internal/execution/scheduler"
	"github.com/animus-labs/conveyor/internal/repo/memory"
	store "github.com/animus-labs/conveyor/internal/storage/objectstore"
)

// scriptAgent writes files into the workspace instead of running commands.
type scriptAgent struct {
	id     string
	writes map[string][]string
	fail   map[string]int

	mu   sync.Mutex
	seen map[string][]string
}

func (a *scriptAgent) ID() string                      { return a.id }
func (a *scriptAgent) Kind() string                    { return "script" }
func (a *scriptAgent) Capabilities() map[string]string { return map[string]string{"os.family": "Linux"} }

func (a *scriptAgent) Execute(ctx context.Context, w agents.Workload) (agents.Result, error) {
	files, err := artifacts.ListFiles(w.Dir)
	if err != nil {
		return agents.Result{}, err
	}
	a.mu.Lock()
	a.seen[w.StageID] = files
	a.mu.Unlock()
	if code := a.fail[w.StageID]; code != 0 {
		return agents.Result{ExitCode: code, Output: "compile error\nerror CS1002: ; expected"}, nil
	}
	for _, rel := range a.writes[w.StageID] {
		target := filepath.Join(w.Dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return agents.Result{}, err
		}
		if err := os.WriteFile(target, []byte(w.StageID+":"+rel), 0o644); err != nil {
			return agents.Result{}, err
		}
	}
	return agents.Result{}, nil
}

type harness struct {
	sched    *scheduler.Scheduler
	runner   *Runner
	agent    *scriptAgent
	finished chan domain.RunStatus
}

func newHarness(t *testing.T, agent *scriptAgent) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	files, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore err=%v", err)
	}
	blobs, err := artifacts.NewBlobStore(files, "artifacts", memory.NewManifestStore())
	if err != nil {
		t.Fatalf("NewBlobStore err=%v", err)
	}
	runner, err := NewRunner(context.Background(), blobs, logger, Config{WorkspaceRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("NewRunner err=%v", err)
	}
	pool := agents.NewPool()
	if err := pool.Register(agent); err != nil {
		t.Fatalf("Register err=%v", err)
	}
	sched, err := scheduler.New(pool, governor.New(), runner, logger, scheduler.Config{})
	if err != nil {
		t.Fatalf("scheduler.New err=%v", err)
	}
	h := &harness{sched: sched, runner: runner, agent: agent, finished: make(chan domain.RunStatus, 4)}
	sched.Observe(func(ev scheduler.Event) {
		if ev.Kind == scheduler.EventRunFinished {
			h.finished <- ev.Run
		}
	})
	return h
}

func (h *harness) run(t *testing.T, p domain.Pipeline) domain.RunStatus {
	t.Helper()
	if _, err := h.sched.StartRun(scheduler.StartRequest{Pipeline: p, Revision: "r1"}); err != nil {
		t.Fatalf("StartRun err=%v", err)
	}
	select {
	case status := <-h.finished:
		h.runner.Wait()
		return status
	case <-time.After(10 * time.Second):
		t.Fatalf("run did not finish")
	}
	return domain.RunStatus{}
}

func buildDeploy(pattern string) domain.Pipeline {
	linux := []domain.Predicate{{Key: "os.family", Op: domain.OpEquals, Value: "Linux"}}
	return domain.Pipeline{
		ID: "clock",
		Stages: []domain.Stage{
			{
				ID:           "build",
				Kind:         domain.StageKindBuild,
				Requirements: linux,
				Artifacts:    []domain.ArtifactPattern{{Pattern: pattern}},
				Steps:        []domain.Step{{Name: "publish", Command: "dotnet publish"}},
			},
			{
				ID:           "deploy",
				Kind:         domain.StageKindDeployment,
				Requirements: linux,
				Concurrency:  &domain.ConcurrencyClass{Name: "prod", MaxInFlight: 1},
				Steps:        []domain.Step{{Name: "ship", Command: "deploy.sh"}},
			},
		},
		Edges: []domain.Edge{
			{From: "build", To: "deploy", Kind: domain.EdgeSnapshot},
			{From: "build", To: "deploy", Kind: domain.EdgeArtifact, Artifacts: []domain.ArtifactMapping{{Source: "bin", Destination: "app"}}},
		},
	}
}

func TestRunnerPropagatesArtifacts(t *testing.T) {
	agent := &scriptAgent{
		id:     "linux-1",
		writes: map[string][]string{"build": {"bin/Clock.dll", "bin/Clock.pdb", "obj/tmp"}},
		seen:   make(map[string][]string),
	}
	h := newHarness(t, agent)
	status := h.run(t, buildDeploy("bin/*.dll"))

	if status.State != domain.RunStateSucceeded {
		t.Fatalf("state=%s stages=%+v, want succeeded", status.State, status.Stages)
	}
	agent.mu.Lock()
	seen := agent.seen["deploy"]
	agent.mu.Unlock()
	if len(seen) != 1 || seen[0] != "app/Clock.dll" {
		t.Fatalf("deploy inputs=%v, want [app/Clock.dll]", seen)
	}
	build, _ := status.Stage("build")
	if build.Manifest == nil || build.Manifest.StageID != "build" {
		t.Fatalf("build manifest=%+v", build.Manifest)
	}
}

func TestRunnerPublishIncomplete(t *testing.T) {
	agent := &scriptAgent{id: "linux-1", writes: map[string][]string{}, seen: make(map[string][]string)}
	h := newHarness(t, agent)
	status := h.run(t, buildDeploy("bin/*.dll"))

	if status.State != domain.RunStateFailed {
		t.Fatalf("state=%s, want failed", status.State)
	}
	build, _ := status.Stage("build")
	if build.State != domain.StageStateFailed || build.Reason != domain.ReasonPublishIncomplete {
		t.Fatalf("build=%+v, want failed publish_incomplete", build)
	}
	deploy, _ := status.Stage("deploy")
	if deploy.State != domain.StageStateSkipped || deploy.Reason != domain.ReasonDependencyFailed {
		t.Fatalf("deploy=%+v, want skipped dependency_failed", deploy)
	}
	agent.mu.Lock()
	_, ran := agent.seen["deploy"]
	agent.mu.Unlock()
	if ran {
		t.Fatalf("deploy must not execute")
	}
}

func TestRunnerReportsExitCode(t *testing.T) {
	agent := &scriptAgent{id: "linux-1", fail: map[string]int{"build": 3}, seen: make(map[string][]string)}
	h := newHarness(t, agent)
	status := h.run(t, buildDeploy("bin/*.dll"))

	build, _ := status.Stage("build")
	if build.Reason != domain.ReasonExecutionFailed {
		t.Fatalf("build=%+v, want execution_failed", build)
	}
	if want := "stage execution failed: exit code 3: error CS1002: ; expected"; build.Message != want {
		t.Fatalf("message=%q, want %q", build.Message, want)
	}
}

func TestRunnerCancelStopsAttempt(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner, err := NewRunner(context.Background(), fakeBlobs{}, logger, Config{WorkspaceRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("NewRunner err=%v", err)
	}
	done := make(chan domain.StageOutcome, 1)
	runner.Dispatch("run/stage/1", scheduler.Assignment{
		RunID:   "run",
		StageID: "stage",
		Attempt: 1,
		Agent:   blockingAgent{},
	}, func(handle string, outcome domain.StageOutcome) { done <- outcome })
	runner.Cancel("run/stage/1")

	select {
	case outcome := <-done:
		if outcome.Succeeded || outcome.Reason != domain.ReasonExecutionFailed {
			t.Fatalf("outcome=%+v, want execution_failed", outcome)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("cancelled attempt did not report")
	}
	runner.Wait()
}

type fakeBlobs struct{}

func (fakeBlobs) Store(ctx context.Context, manifest domain.Manifest, root string) (domain.ManifestRef, error) {
	return domain.ManifestRef{ID: "m", RunID: manifest.RunID, StageID: manifest.StageID}, nil
}

func (fakeBlobs) Retrieve(ctx context.Context, ref domain.ManifestRef, edge domain.Edge, dir string) (int, error) {
	return 0, nil
}

type blockingAgent struct{}

func (blockingAgent) ID() string                      { return "blocking" }
func (blockingAgent) Kind() string                    { return "fake" }
func (blockingAgent) Capabilities() map[string]string { return nil }
func (blockingAgent) Execute(ctx context.Context, w agents.Workload) (agents.Result, error) {
	<-ctx.Done()
	return agents.Result{}, ctx.Err()
}
