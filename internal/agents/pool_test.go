package agents

import (
	"context"
	"errors"
	"testing"

	"github.com/animus-labs/conveyor/internal/domain"
)

type stubAgent struct {
	id   string
	caps map[string]string
}

func (a stubAgent) ID() string                      { return a.id }
func (a stubAgent) Kind() string                    { return "stub" }
func (a stubAgent) Capabilities() map[string]string { return a.caps }
func (a stubAgent) Execute(ctx context.Context, w Workload) (Result, error) {
	return Result{}, nil
}

func linuxReq() []domain.Predicate {
	return []domain.Predicate{
		{Key: "os.family", Op: domain.OpEquals, Value: "Linux"},
		{Key: "os.name", Op: domain.OpContains, Value: "ubuntu-20.04"},
	}
}

func TestPoolAcquireMatchesCapabilities(t *testing.T) {
	pool := NewPool()
	_ = pool.Register(stubAgent{id: "win-1", caps: map[string]string{"os.family": "Windows", "os.name": "windows-server-2022"}})
	_ = pool.Register(stubAgent{id: "lin-2", caps: map[string]string{"os.family": "Linux", "os.name": "ubuntu-20.04-lts"}})
	_ = pool.Register(stubAgent{id: "lin-1", caps: map[string]string{"os.family": "Linux", "os.name": "ubuntu-20.04"}})

	a, ok := pool.Acquire(linuxReq())
	if !ok || a.ID() != "lin-1" {
		t.Fatalf("Acquire=%v ok=%v, want lin-1", a, ok)
	}
	b, ok := pool.Acquire(linuxReq())
	if !ok || b.ID() != "lin-2" {
		t.Fatalf("Acquire=%v ok=%v, want lin-2", b, ok)
	}
	if _, ok := pool.Acquire(linuxReq()); ok {
		t.Fatalf("expected no idle linux agent")
	}
	if !pool.Satisfiable(linuxReq()) {
		t.Fatalf("busy agents still make requirements satisfiable")
	}
	pool.Release("lin-1")
	if a, ok := pool.Acquire(linuxReq()); !ok || a.ID() != "lin-1" {
		t.Fatalf("expected lin-1 after release")
	}
}

func TestPoolUnsatisfiable(t *testing.T) {
	pool := NewPool()
	_ = pool.Register(stubAgent{id: "lin", caps: map[string]string{"os.family": "Linux"}})
	reqs := []domain.Predicate{{Key: "os.family", Op: domain.OpEquals, Value: "Windows"}}
	if pool.Satisfiable(reqs) {
		t.Fatalf("expected unsatisfiable")
	}
	missing := []domain.Predicate{{Key: "docker.server.osType", Op: domain.OpExists}}
	if pool.Satisfiable(missing) {
		t.Fatalf("absent capability key must not satisfy exists")
	}
}

func TestPoolRegisterDuplicate(t *testing.T) {
	pool := NewPool()
	if err := pool.Register(stubAgent{id: "a"}); err != nil {
		t.Fatalf("Register err=%v", err)
	}
	if err := pool.Register(stubAgent{id: "a"}); !errors.Is(err, ErrDuplicateAgent) {
		t.Fatalf("err=%v, want ErrDuplicateAgent", err)
	}
	pool.Unregister("a")
	pool.Release("a")
	if got := pool.Snapshot(); len(got) != 0 {
		t.Fatalf("snapshot=%+v", got)
	}
}
