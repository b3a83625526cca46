package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
)

// MinioStore keeps artifacts in an S3-compatible bucket.
type MinioStore struct {
	client *minio.Client
}

func NewMinioStore(client *minio.Client) (*MinioStore, error) {
	if client == nil {
		return nil, errors.New("minio client is required")
	}
	return &MinioStore{client: client}, nil
}

func (s *MinioStore) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if _, err := s.client.PutObject(ctx, bucket, key, body, size, minio.PutObjectOptions{ContentType: contentType}); err != nil {
		return translateErr(err, bucket, key)
	}
	return nil
}

// Get opens the object. GetObject is lazy, so Stat on the handle surfaces a
// missing key before any bytes are read.
func (s *MinioStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error) {
	if err := s.ready(); err != nil {
		return nil, ObjectInfo{}, err
	}
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, ObjectInfo{}, translateErr(err, bucket, key)
	}
	st, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, ObjectInfo{}, translateErr(err, bucket, key)
	}
	return obj, infoFrom(st), nil
}

func (s *MinioStore) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	if err := s.ready(); err != nil {
		return ObjectInfo{}, err
	}
	st, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, translateErr(err, bucket, key)
	}
	return infoFrom(st), nil
}

func (s *MinioStore) Delete(ctx context.Context, bucket, key string) error {
	if err := s.ready(); err != nil {
		return err
	}
	return translateErr(s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}), bucket, key)
}

func (s *MinioStore) ready() error {
	if s == nil || s.client == nil {
		return errors.New("minio store not initialized")
	}
	return nil
}

// translateErr maps missing keys and buckets onto ErrObjectNotFound so the
// artifact layer treats both backends alike.
func translateErr(err error, bucket, key string) error {
	if err == nil {
		return nil
	}
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("%w: %s/%s", ErrObjectNotFound, bucket, key)
	}
	return fmt.Errorf("object %s/%s: %w", bucket, key, err)
}

func infoFrom(st minio.ObjectInfo) ObjectInfo {
	return ObjectInfo{
		Key:          st.Key,
		Size:         st.Size,
		ETag:         st.ETag,
		ContentType:  st.ContentType,
		LastModified: st.LastModified.UTC(),
	}
}
