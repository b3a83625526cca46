// Package memory keeps repositories in process memory. It backs the
// default single-node mode and tests.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/conveyor/internal/domain"
	"github.com/animus-labs/conveyor/internal/repo"
)

type RunStore struct {
	mu   sync.RWMutex
	runs map[string]domain.RunStatus
}

func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]domain.RunStatus)}
}

func (s *RunStore) CreateRun(ctx context.Context, status domain.RunStatus) error {
	id := strings.TrimSpace(status.RunID)
	if id == "" {
		return fmt.Errorf("run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[id]; ok {
		return fmt.Errorf("run %s already exists", id)
	}
	s.runs[id] = cloneRun(status)
	return nil
}

func (s *RunStore) UpdateRun(ctx context.Context, status domain.RunStatus) error {
	id := strings.TrimSpace(status.RunID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[id]; !ok {
		return repo.ErrNotFound
	}
	s.runs[id] = cloneRun(status)
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, runID string) (domain.RunStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.runs[strings.TrimSpace(runID)]
	if !ok {
		return domain.RunStatus{}, repo.ErrNotFound
	}
	return cloneRun(status), nil
}

func (s *RunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.RunStatus, error) {
	s.mu.RLock()
	out := make([]domain.RunStatus, 0, len(s.runs))
	for _, status := range s.runs {
		if filter.PipelineID != "" && status.PipelineID != filter.PipelineID {
			continue
		}
		if filter.State != "" && status.State != filter.State {
			continue
		}
		out = append(out, cloneRun(status))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RunID > out[j].RunID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

type PlanStore struct {
	mu    sync.RWMutex
	plans map[string]repo.PlanRecord
}

func NewPlanStore() *PlanStore {
	return &PlanStore{plans: make(map[string]repo.PlanRecord)}
}

func (s *PlanStore) UpsertPlan(ctx context.Context, pipelineID, runID string, planJSON []byte) (repo.PlanRecord, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return repo.PlanRecord{}, fmt.Errorf("run id is required")
	}
	if len(planJSON) == 0 {
		return repo.PlanRecord{}, fmt.Errorf("plan is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.plans[runID]; ok {
		if !bytes.Equal(existing.Plan, planJSON) {
			return repo.PlanRecord{}, fmt.Errorf("execution plan already exists for run %s", runID)
		}
		return existing, nil
	}
	record := repo.PlanRecord{
		ID:         uuid.NewString(),
		RunID:      runID,
		PipelineID: strings.TrimSpace(pipelineID),
		Plan:       append([]byte(nil), planJSON...),
		CreatedAt:  time.Now().UTC(),
	}
	s.plans[runID] = record
	return record, nil
}

func (s *PlanStore) GetPlan(ctx context.Context, runID string) (repo.PlanRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.plans[strings.TrimSpace(runID)]
	if !ok {
		return repo.PlanRecord{}, repo.ErrNotFound
	}
	return record, nil
}

type ManifestStore struct {
	mu        sync.RWMutex
	manifests map[string]domain.StoredManifest
}

func NewManifestStore() *ManifestStore {
	return &ManifestStore{manifests: make(map[string]domain.StoredManifest)}
}

// PutManifest stores the first manifest for (run, stage). Later puts for the
// same key return the stored one unchanged.
func (s *ManifestStore) PutManifest(ctx context.Context, manifest domain.StoredManifest) (domain.StoredManifest, error) {
	runID := strings.TrimSpace(manifest.Ref.RunID)
	stageID := strings.TrimSpace(manifest.Ref.StageID)
	if runID == "" || stageID == "" {
		return domain.StoredManifest{}, fmt.Errorf("run id and stage id are required")
	}
	key := runID + "/" + stageID
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.manifests[key]; ok {
		return existing, nil
	}
	if strings.TrimSpace(manifest.Ref.ID) == "" {
		manifest.Ref.ID = uuid.NewString()
	}
	if manifest.CreatedAt.IsZero() {
		manifest.CreatedAt = time.Now().UTC()
	}
	s.manifests[key] = manifest
	return manifest, nil
}

func (s *ManifestStore) GetManifest(ctx context.Context, runID, stageID string) (domain.StoredManifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	manifest, ok := s.manifests[strings.TrimSpace(runID)+"/"+strings.TrimSpace(stageID)]
	if !ok {
		return domain.StoredManifest{}, repo.ErrNotFound
	}
	return manifest, nil
}

func (s *ManifestStore) ListManifests(ctx context.Context, runID string) ([]domain.StoredManifest, error) {
	runID = strings.TrimSpace(runID)
	s.mu.RLock()
	out := make([]domain.StoredManifest, 0)
	for _, manifest := range s.manifests {
		if manifest.Ref.RunID == runID {
			out = append(out, manifest)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Ref.StageID < out[j].Ref.StageID })
	return out, nil
}

func cloneRun(status domain.RunStatus) domain.RunStatus {
	out := status
	out.Roots = append([]string(nil), status.Roots...)
	out.Stages = append([]domain.StageStatus(nil), status.Stages...)
	if status.Params != nil {
		out.Params = make(map[string]string, len(status.Params))
		for k, v := range status.Params {
			out.Params[k] = v
		}
	}
	return out
}
