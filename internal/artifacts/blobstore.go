package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/animus-labs/conveyor/internal/domain"
	"github.com/animus-labs/conveyor/internal/repo"
	store "github.com/animus-labs/conveyor/internal/storage/objectstore"
)

var ErrDigestMismatch = errors.New("artifact digest mismatch")

// BlobStore uploads published files to object storage and records one
// manifest per (run, stage).
type BlobStore struct {
	bucket    string
	store     store.Store
	manifests repo.ManifestRepository
	now       func() time.Time
}

func NewBlobStore(objectStore store.Store, bucket string, manifests repo.ManifestRepository) (*BlobStore, error) {
	if objectStore == nil {
		return nil, errors.New("object store is required")
	}
	if manifests == nil {
		return nil, errors.New("manifest repository is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	return &BlobStore{bucket: bucket, store: objectStore, manifests: manifests, now: time.Now}, nil
}

// ObjectKey is the storage key of one published path.
func ObjectKey(runID, stageID, p string) string {
	return store.StageFileKey(runID, stageID, p)
}

// Store uploads every manifest path from root and records the manifest.
// Storing again for the same (run, stage) returns the first record.
func (b *BlobStore) Store(ctx context.Context, manifest domain.Manifest, root string) (domain.ManifestRef, error) {
	if b == nil || b.store == nil {
		return domain.ManifestRef{}, errors.New("blob store not initialized")
	}
	runID := strings.TrimSpace(manifest.RunID)
	stageID := strings.TrimSpace(manifest.StageID)
	if runID == "" || stageID == "" {
		return domain.ManifestRef{}, errors.New("run id and stage id are required")
	}
	if existing, err := b.manifests.GetManifest(ctx, runID, stageID); err == nil {
		return existing.Ref, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.ManifestRef{}, err
	}

	paths := manifest.Paths()
	files := make([]domain.ManifestFile, 0, len(paths))
	for _, p := range paths {
		file, err := b.upload(ctx, runID, stageID, root, p)
		if err != nil {
			return domain.ManifestRef{}, err
		}
		files = append(files, file)
	}

	stored, err := b.manifests.PutManifest(ctx, domain.StoredManifest{
		Ref:       domain.ManifestRef{RunID: runID, StageID: stageID},
		Manifest:  manifest,
		Files:     files,
		CreatedAt: b.now().UTC(),
	})
	if err != nil {
		return domain.ManifestRef{}, fmt.Errorf("record manifest: %w", err)
	}
	return stored.Ref, nil
}

func (b *BlobStore) upload(ctx context.Context, runID, stageID, root, p string) (domain.ManifestFile, error) {
	local := filepath.Join(root, filepath.FromSlash(p))
	f, err := os.Open(local)
	if err != nil {
		return domain.ManifestFile{}, fmt.Errorf("open %s: %w", p, err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return domain.ManifestFile{}, err
	}

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return domain.ManifestFile{}, fmt.Errorf("hash %s: %w", p, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return domain.ManifestFile{}, err
	}

	key := ObjectKey(runID, stageID, p)
	if err := b.store.Put(ctx, b.bucket, key, f, st.Size(), "application/octet-stream"); err != nil {
		return domain.ManifestFile{}, fmt.Errorf("upload %s: %w", p, err)
	}
	return domain.ManifestFile{
		Path:   p,
		Key:    key,
		Size:   st.Size(),
		SHA256: hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// Manifest loads the stored manifest of a stage.
func (b *BlobStore) Manifest(ctx context.Context, runID, stageID string) (domain.StoredManifest, error) {
	if b == nil || b.manifests == nil {
		return domain.StoredManifest{}, errors.New("blob store not initialized")
	}
	return b.manifests.GetManifest(ctx, runID, stageID)
}

// Opener returns an Opener over stored's files. Content is checked against
// the recorded digest as it is read.
func (b *BlobStore) Opener(stored domain.StoredManifest) Opener {
	byPath := make(map[string]domain.ManifestFile, len(stored.Files))
	for _, file := range stored.Files {
		byPath[file.Path] = file
	}
	return func(ctx context.Context, source string) (io.ReadCloser, error) {
		file, ok := byPath[source]
		if !ok {
			return nil, fmt.Errorf("%s not in manifest %s", source, stored.Ref.ID)
		}
		rc, _, err := b.store.Get(ctx, b.bucket, file.Key)
		if err != nil {
			return nil, err
		}
		return &verifyingReader{rc: rc, h: sha256.New(), want: file.SHA256, path: file.Path}, nil
	}
}

// Retrieve materializes an artifact edge's inputs from a producer's stored
// manifest into dir and returns the number of placed files and archives.
func (b *BlobStore) Retrieve(ctx context.Context, ref domain.ManifestRef, edge domain.Edge, dir string) (int, error) {
	stored, err := b.Manifest(ctx, ref.RunID, ref.StageID)
	if err != nil {
		return 0, fmt.Errorf("load manifest %s/%s: %w", ref.RunID, ref.StageID, err)
	}
	plan, err := Fetch(edge, &stored.Manifest)
	if err != nil {
		return 0, err
	}
	if err := Materialize(ctx, plan, dir, b.Opener(stored)); err != nil {
		return 0, err
	}
	return len(plan.Files) + len(plan.Archives), nil
}

type verifyingReader struct {
	rc   io.ReadCloser
	h    hash.Hash
	want string
	path string
}

func (r *verifyingReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	if n > 0 {
		r.h.Write(p[:n])
	}
	if errors.Is(err, io.EOF) && r.want != "" {
		if got := hex.EncodeToString(r.h.Sum(nil)); got != r.want {
			return n, fmt.Errorf("%w: %s has %s, want %s", ErrDigestMismatch, r.path, got, r.want)
		}
	}
	return n, err
}

func (r *verifyingReader) Close() error {
	return r.rc.Close()
}
