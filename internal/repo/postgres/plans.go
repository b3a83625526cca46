package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/animus-labs/conveyor/internal/repo"
)

type PlanStore struct {
	db DB
}

const (
	insertPlanQuery = `INSERT INTO execution_plans (
		plan_id,
		run_id,
		pipeline_id,
		plan
	) VALUES ($1,$2,$3,$4)
	ON CONFLICT (run_id) DO NOTHING
	RETURNING plan_id, run_id, pipeline_id, plan, created_at`

	selectPlanQuery = `SELECT plan_id, run_id, pipeline_id, plan, created_at
	 FROM execution_plans
	 WHERE run_id = $1`
)

func NewPlanStore(db DB) *PlanStore {
	if db == nil {
		return nil
	}
	return &PlanStore{db: db}
}

func (s *PlanStore) UpsertPlan(ctx context.Context, pipelineID, runID string, planJSON []byte) (repo.PlanRecord, error) {
	if s == nil || s.db == nil {
		return repo.PlanRecord{}, fmt.Errorf("plan store not initialized")
	}
	pipelineID = strings.TrimSpace(pipelineID)
	runID = strings.TrimSpace(runID)
	if pipelineID == "" {
		return repo.PlanRecord{}, fmt.Errorf("pipeline id is required")
	}
	if runID == "" {
		return repo.PlanRecord{}, fmt.Errorf("run id is required")
	}
	if len(planJSON) == 0 {
		return repo.PlanRecord{}, fmt.Errorf("plan is required")
	}

	var record repo.PlanRecord
	err := s.db.QueryRowContext(ctx, insertPlanQuery, uuid.NewString(), runID, pipelineID, planJSON).
		Scan(&record.ID, &record.RunID, &record.PipelineID, &record.Plan, &record.CreatedAt)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return repo.PlanRecord{}, fmt.Errorf("insert plan: %w", err)
		}
		existing, err := s.GetPlan(ctx, runID)
		if err != nil {
			return repo.PlanRecord{}, err
		}
		if !sameJSON(existing.Plan, planJSON) {
			return repo.PlanRecord{}, fmt.Errorf("execution plan already exists for run %s", runID)
		}
		return existing, nil
	}
	return record, nil
}

func (s *PlanStore) GetPlan(ctx context.Context, runID string) (repo.PlanRecord, error) {
	if s == nil || s.db == nil {
		return repo.PlanRecord{}, fmt.Errorf("plan store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return repo.PlanRecord{}, fmt.Errorf("run id is required")
	}
	var record repo.PlanRecord
	row := s.db.QueryRowContext(ctx, selectPlanQuery, runID)
	if err := row.Scan(&record.ID, &record.RunID, &record.PipelineID, &record.Plan, &record.CreatedAt); err != nil {
		return repo.PlanRecord{}, handleNotFound(err)
	}
	return record, nil
}

// sameJSON compares documents after JSONB normalization reorders keys.
func sameJSON(a, b []byte) bool {
	if bytes.Equal(a, b) {
		return true
	}
	var left, right any
	if json.Unmarshal(a, &left) != nil || json.Unmarshal(b, &right) != nil {
		return false
	}
	l, _ := json.Marshal(left)
	r, _ := json.Marshal(right)
	return bytes.Equal(l, r)
}
