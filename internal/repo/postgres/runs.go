package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/conveyor/internal/domain"
	"github.com/animus-labs/conveyor/internal/repo"
)

type RunStore struct {
	db DB
}

const (
	insertRunQuery = `INSERT INTO runs (
		run_id,
		pipeline_id,
		revision,
		trigger,
		state,
		roots,
		params,
		stage_order,
		stages,
		created_at,
		finished_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`

	updateRunQuery = `UPDATE runs
	 SET state = $2, stages = $3, stage_order = $4, finished_at = $5, updated_at = now()
	 WHERE run_id = $1`

	selectRunQuery = `SELECT run_id, pipeline_id, revision, trigger, state, roots, params, stage_order, stages, created_at, finished_at
	 FROM runs
	 WHERE run_id = $1`

	listRunsQuery = `SELECT run_id, pipeline_id, revision, trigger, state, roots, params, stage_order, stages, created_at, finished_at
	 FROM runs
	 WHERE ($1 = '' OR pipeline_id = $1) AND ($2 = '' OR state = $2)
	 ORDER BY created_at DESC, run_id DESC
	 LIMIT $3`
)

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

func (s *RunStore) CreateRun(ctx context.Context, status domain.RunStatus) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	runID := strings.TrimSpace(status.RunID)
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	if strings.TrimSpace(status.PipelineID) == "" {
		return fmt.Errorf("pipeline id is required")
	}
	roots, err := json.Marshal(nonNilStrings(status.Roots))
	if err != nil {
		return fmt.Errorf("encode roots: %w", err)
	}
	params := status.Params
	if params == nil {
		params = map[string]string{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	order, stages, err := encodeStages(status.Stages)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(
		ctx,
		insertRunQuery,
		runID,
		strings.TrimSpace(status.PipelineID),
		status.Revision,
		status.Trigger,
		string(status.State),
		roots,
		paramsJSON,
		order,
		stages,
		normalizeTime(status.CreatedAt),
		nullTime(status.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *RunStore) UpdateRun(ctx context.Context, status domain.RunStatus) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	order, stages, err := encodeStages(status.Stages)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, updateRunQuery, strings.TrimSpace(status.RunID), string(status.State), stages, order, nullTime(status.FinishedAt))
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, runID string) (domain.RunStatus, error) {
	if s == nil || s.db == nil {
		return domain.RunStatus{}, fmt.Errorf("run store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.RunStatus{}, fmt.Errorf("run id is required")
	}
	status, err := scanRun(s.db.QueryRowContext(ctx, selectRunQuery, runID))
	if err != nil {
		return domain.RunStatus{}, handleNotFound(err)
	}
	return status, nil
}

func (s *RunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.RunStatus, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, listRunsQuery, strings.TrimSpace(filter.PipelineID), string(filter.State), limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := make([]domain.RunStatus, 0)
	for rows.Next() {
		status, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, status)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.RunStatus, error) {
	var (
		status     domain.RunStatus
		state      string
		roots      []byte
		params     []byte
		order      []byte
		stages     []byte
		createdAt  time.Time
		finishedAt sql.NullTime
	)
	if err := row.Scan(&status.RunID, &status.PipelineID, &status.Revision, &status.Trigger, &state, &roots, &params, &order, &stages, &createdAt, &finishedAt); err != nil {
		return domain.RunStatus{}, err
	}
	status.State = domain.NormalizeRunState(state)
	status.CreatedAt = createdAt.UTC()
	status.FinishedAt = timePtr(finishedAt)
	if err := json.Unmarshal(roots, &status.Roots); err != nil {
		return domain.RunStatus{}, fmt.Errorf("decode roots: %w", err)
	}
	if err := json.Unmarshal(params, &status.Params); err != nil {
		return domain.RunStatus{}, fmt.Errorf("decode params: %w", err)
	}
	decoded, err := decodeStages(order, stages)
	if err != nil {
		return domain.RunStatus{}, err
	}
	status.Stages = decoded
	return status, nil
}

// encodeStages splits statuses into the stage_order array and the stages
// object keyed by stage id.
func encodeStages(stages []domain.StageStatus) ([]byte, []byte, error) {
	order := make([]string, 0, len(stages))
	byID := make(map[string]domain.StageStatus, len(stages))
	for _, stage := range stages {
		order = append(order, stage.StageID)
		byID[stage.StageID] = stage
	}
	orderJSON, err := json.Marshal(order)
	if err != nil {
		return nil, nil, fmt.Errorf("encode stage order: %w", err)
	}
	stagesJSON, err := json.Marshal(byID)
	if err != nil {
		return nil, nil, fmt.Errorf("encode stages: %w", err)
	}
	return orderJSON, stagesJSON, nil
}

func decodeStages(orderJSON, stagesJSON []byte) ([]domain.StageStatus, error) {
	var order []string
	if len(orderJSON) > 0 {
		if err := json.Unmarshal(orderJSON, &order); err != nil {
			return nil, fmt.Errorf("decode stage order: %w", err)
		}
	}
	byID := map[string]domain.StageStatus{}
	if len(stagesJSON) > 0 {
		if err := json.Unmarshal(stagesJSON, &byID); err != nil {
			return nil, fmt.Errorf("decode stages: %w", err)
		}
	}
	out := make([]domain.StageStatus, 0, len(byID))
	for _, id := range order {
		stage, ok := byID[id]
		if !ok {
			continue
		}
		if stage.StageID == "" {
			stage.StageID = id
		}
		out = append(out, stage)
	}
	return out, nil
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
