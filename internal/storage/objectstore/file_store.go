package objectstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps objects under root/bucket/key on the local filesystem.
// It serves single-node installs and tests.
type FileStore struct {
	root string
}

func NewFileStore(root string) (*FileStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("file store root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create file store root: %w", err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	if s == nil {
		return fmt.Errorf("file store not initialized")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(bucket, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	written, err := io.Copy(tmp, body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	if size >= 0 && written != size {
		return fmt.Errorf("short write for %s/%s: %d of %d bytes", bucket, key, written, size)
	}
	return os.Rename(tmp.Name(), path)
}

func (s *FileStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error) {
	info, err := s.Stat(ctx, bucket, key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	path, _ := s.path(bucket, key)
	f, err := os.Open(path)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	return f, info, nil
}

func (s *FileStore) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	if s == nil {
		return ObjectInfo{}, fmt.Errorf("file store not initialized")
	}
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}
	path, err := s.path(bucket, key)
	if err != nil {
		return ObjectInfo{}, err
	}
	st, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ObjectInfo{}, fmt.Errorf("%w: %s/%s", ErrObjectNotFound, bucket, key)
		}
		return ObjectInfo{}, err
	}
	etag, err := fileDigest(path)
	if err != nil {
		return ObjectInfo{}, err
	}
	return ObjectInfo{
		Key:          key,
		Size:         st.Size(),
		ETag:         etag,
		ContentType:  "application/octet-stream",
		LastModified: st.ModTime().UTC(),
	}, nil
}

func (s *FileStore) Delete(ctx context.Context, bucket, key string) error {
	if s == nil {
		return fmt.Errorf("file store not initialized")
	}
	path, err := s.path(bucket, key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileStore) path(bucket, key string) (string, error) {
	bucket = strings.TrimSpace(bucket)
	key = strings.TrimSpace(key)
	if bucket == "" || key == "" {
		return "", errors.New("bucket and key are required")
	}
	if !fs.ValidPath(bucket) || !fs.ValidPath(key) {
		return "", fmt.Errorf("invalid object path %q/%q", bucket, key)
	}
	return filepath.Join(s.root, bucket, filepath.FromSlash(key)), nil
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
