package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/animus-labs/conveyor/internal/domain"
	"github.com/animus-labs/conveyor/internal/repo"
)

func TestRunStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewRunStore()
	status := domain.RunStatus{
		RunID:      "run-1",
		PipelineID: "clock",
		State:      domain.RunStateRunning,
		Params:     map[string]string{"deployall.prompt": "false"},
		Stages:     []domain.StageStatus{{StageID: "a", State: domain.StageStatePending}},
		CreatedAt:  time.Unix(100, 0).UTC(),
	}
	if err := store.CreateRun(ctx, status); err != nil {
		t.Fatalf("CreateRun err=%v", err)
	}
	if err := store.CreateRun(ctx, status); err == nil {
		t.Fatalf("expected duplicate run error")
	}

	status.Params["deployall.prompt"] = "true"
	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun err=%v", err)
	}
	if got.Params["deployall.prompt"] != "false" {
		t.Fatalf("stored run aliased caller map")
	}

	got.State = domain.RunStateSucceeded
	if err := store.UpdateRun(ctx, got); err != nil {
		t.Fatalf("UpdateRun err=%v", err)
	}
	if err := store.UpdateRun(ctx, domain.RunStatus{RunID: "missing"}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("UpdateRun err=%v, want ErrNotFound", err)
	}

	_ = store.CreateRun(ctx, domain.RunStatus{RunID: "run-2", PipelineID: "other", State: domain.RunStateRunning, CreatedAt: time.Unix(200, 0).UTC()})
	list, _ := store.ListRuns(ctx, repo.RunFilter{PipelineID: "clock"})
	if len(list) != 1 || list[0].State != domain.RunStateSucceeded {
		t.Fatalf("list=%+v", list)
	}
	all, _ := store.ListRuns(ctx, repo.RunFilter{})
	if len(all) != 2 || all[0].RunID != "run-2" {
		t.Fatalf("expected newest first, got %+v", all)
	}
}

func TestPlanStoreIsImmutable(t *testing.T) {
	ctx := context.Background()
	store := NewPlanStore()
	first, err := store.UpsertPlan(ctx, "clock", "run-1", []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("UpsertPlan err=%v", err)
	}
	again, err := store.UpsertPlan(ctx, "clock", "run-1", []byte(`{"a":1}`))
	if err != nil || again.ID != first.ID {
		t.Fatalf("idempotent upsert id=%s err=%v", again.ID, err)
	}
	if _, err := store.UpsertPlan(ctx, "clock", "run-1", []byte(`{"a":2}`)); err == nil {
		t.Fatalf("expected conflict for different plan")
	}
	if _, err := store.GetPlan(ctx, "nope"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("GetPlan err=%v, want ErrNotFound", err)
	}
}

func TestManifestStoreOnePerStage(t *testing.T) {
	ctx := context.Background()
	store := NewManifestStore()
	first, err := store.PutManifest(ctx, domain.StoredManifest{Ref: domain.ManifestRef{RunID: "r", StageID: "build"}})
	if err != nil || first.Ref.ID == "" {
		t.Fatalf("PutManifest ref=%+v err=%v", first.Ref, err)
	}
	second, _ := store.PutManifest(ctx, domain.StoredManifest{Ref: domain.ManifestRef{RunID: "r", StageID: "build"}})
	if second.Ref.ID != first.Ref.ID {
		t.Fatalf("second put replaced manifest")
	}
	list, _ := store.ListManifests(ctx, "r")
	if len(list) != 1 {
		t.Fatalf("list=%+v", list)
	}
}
