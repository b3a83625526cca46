package objectstore

import (
	"context"
	"errors"
	"io"
	"time"

	platformstore "github.com/animus-labs/conveyor/internal/platform/objectstore"
)

var ErrObjectNotFound = errors.New("object not found")

// Store abstracts S3-compatible object storage.
type Store interface {
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error)
	Stat(ctx context.Context, bucket, key string) (ObjectInfo, error)
	Delete(ctx context.Context, bucket, key string) error
}

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}

// RunPrefix is the key prefix of everything one run published.
func RunPrefix(runID string) string {
	return platformstore.ArtifactKeyPrefix + runID + "/"
}

// StageFileKey is the key of one file a stage published.
func StageFileKey(runID, stageID, p string) string {
	return RunPrefix(runID) + "stages/" + stageID + "/files/" + p
}
