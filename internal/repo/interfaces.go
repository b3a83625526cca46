package repo

import (
	"context"
	"errors"
	"time"

	"github.com/animus-labs/conveyor/internal/domain"
)

var ErrNotFound = errors.New("not found")

type RunFilter struct {
	PipelineID string
	State      domain.RunState
	Limit      int
}

// PlanRecord is the stored execution plan of one run.
type PlanRecord struct {
	ID         string
	RunID      string
	PipelineID string
	Plan       []byte
	CreatedAt  time.Time
}

// RunRepository persists run status. Stage statuses are keyed by stage id.
type RunRepository interface {
	CreateRun(ctx context.Context, status domain.RunStatus) error
	UpdateRun(ctx context.Context, status domain.RunStatus) error
	GetRun(ctx context.Context, runID string) (domain.RunStatus, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.RunStatus, error)
}

// PlanRepository stores one immutable plan per run.
type PlanRepository interface {
	UpsertPlan(ctx context.Context, pipelineID, runID string, planJSON []byte) (PlanRecord, error)
	GetPlan(ctx context.Context, runID string) (PlanRecord, error)
}

// ManifestRepository stores one manifest per (run, stage).
type ManifestRepository interface {
	PutManifest(ctx context.Context, manifest domain.StoredManifest) (domain.StoredManifest, error)
	GetManifest(ctx context.Context, runID, stageID string) (domain.StoredManifest, error)
	ListManifests(ctx context.Context, runID string) ([]domain.StoredManifest, error)
}
