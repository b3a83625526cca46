package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/animus-labs/conveyor/internal/domain"
)

type ManifestStore struct {
	db DB
}

const (
	insertManifestQuery = `INSERT INTO stage_manifests (
		manifest_id,
		run_id,
		stage_id,
		manifest,
		files,
		created_at
	) VALUES ($1,$2,$3,$4,$5,$6)
	ON CONFLICT (run_id, stage_id) DO NOTHING
	RETURNING manifest_id, run_id, stage_id, manifest, files, created_at`

	selectManifestQuery = `SELECT manifest_id, run_id, stage_id, manifest, files, created_at
	 FROM stage_manifests
	 WHERE run_id = $1 AND stage_id = $2`

	listManifestsQuery = `SELECT manifest_id, run_id, stage_id, manifest, files, created_at
	 FROM stage_manifests
	 WHERE run_id = $1
	 ORDER BY stage_id ASC`
)

func NewManifestStore(db DB) *ManifestStore {
	if db == nil {
		return nil
	}
	return &ManifestStore{db: db}
}

func (s *ManifestStore) PutManifest(ctx context.Context, manifest domain.StoredManifest) (domain.StoredManifest, error) {
	if s == nil || s.db == nil {
		return domain.StoredManifest{}, fmt.Errorf("manifest store not initialized")
	}
	runID := strings.TrimSpace(manifest.Ref.RunID)
	stageID := strings.TrimSpace(manifest.Ref.StageID)
	if runID == "" {
		return domain.StoredManifest{}, fmt.Errorf("run id is required")
	}
	if stageID == "" {
		return domain.StoredManifest{}, fmt.Errorf("stage id is required")
	}
	id := strings.TrimSpace(manifest.Ref.ID)
	if id == "" {
		id = uuid.NewString()
	}
	body, err := json.Marshal(manifest.Manifest)
	if err != nil {
		return domain.StoredManifest{}, fmt.Errorf("encode manifest: %w", err)
	}
	files := manifest.Files
	if files == nil {
		files = []domain.ManifestFile{}
	}
	filesJSON, err := json.Marshal(files)
	if err != nil {
		return domain.StoredManifest{}, fmt.Errorf("encode manifest files: %w", err)
	}

	stored, err := scanManifest(s.db.QueryRowContext(ctx, insertManifestQuery, id, runID, stageID, body, filesJSON, normalizeTime(manifest.CreatedAt)))
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return domain.StoredManifest{}, fmt.Errorf("insert manifest: %w", err)
		}
		return s.GetManifest(ctx, runID, stageID)
	}
	return stored, nil
}

func (s *ManifestStore) GetManifest(ctx context.Context, runID, stageID string) (domain.StoredManifest, error) {
	if s == nil || s.db == nil {
		return domain.StoredManifest{}, fmt.Errorf("manifest store not initialized")
	}
	stored, err := scanManifest(s.db.QueryRowContext(ctx, selectManifestQuery, strings.TrimSpace(runID), strings.TrimSpace(stageID)))
	if err != nil {
		return domain.StoredManifest{}, handleNotFound(err)
	}
	return stored, nil
}

func (s *ManifestStore) ListManifests(ctx context.Context, runID string) ([]domain.StoredManifest, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("manifest store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, listManifestsQuery, strings.TrimSpace(runID))
	if err != nil {
		return nil, fmt.Errorf("list manifests: %w", err)
	}
	defer rows.Close()
	out := make([]domain.StoredManifest, 0)
	for rows.Next() {
		stored, err := scanManifest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan manifest: %w", err)
		}
		out = append(out, stored)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list manifests: %w", err)
	}
	return out, nil
}

func scanManifest(row rowScanner) (domain.StoredManifest, error) {
	var (
		stored domain.StoredManifest
		body   []byte
		files  []byte
	)
	if err := row.Scan(&stored.Ref.ID, &stored.Ref.RunID, &stored.Ref.StageID, &body, &files, &stored.CreatedAt); err != nil {
		return domain.StoredManifest{}, err
	}
	stored.CreatedAt = stored.CreatedAt.UTC()
	if err := json.Unmarshal(body, &stored.Manifest); err != nil {
		return domain.StoredManifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	if len(files) > 0 {
		if err := json.Unmarshal(files, &stored.Files); err != nil {
			return domain.StoredManifest{}, fmt.Errorf("decode manifest files: %w", err)
		}
	}
	return stored, nil
}
