package objectstore

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore err=%v", err)
	}
	ctx := context.Background()
	body := "console-linux"
	if err := store.Put(ctx, "artifacts", "runs/r1/stages/build/bin/app", strings.NewReader(body), int64(len(body)), "application/octet-stream"); err != nil {
		t.Fatalf("Put err=%v", err)
	}
	rc, info, err := store.Get(ctx, "artifacts", "runs/r1/stages/build/bin/app")
	if err != nil {
		t.Fatalf("Get err=%v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if string(got) != body || info.Size != int64(len(body)) || info.ETag == "" {
		t.Fatalf("got=%q info=%+v", got, info)
	}

	if err := store.Delete(ctx, "artifacts", "runs/r1/stages/build/bin/app"); err != nil {
		t.Fatalf("Delete err=%v", err)
	}
	if _, err := store.Stat(ctx, "artifacts", "runs/r1/stages/build/bin/app"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("Stat err=%v, want ErrObjectNotFound", err)
	}
}

func TestFileStoreRejectsTraversal(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore err=%v", err)
	}
	err = store.Put(context.Background(), "artifacts", "../escape", strings.NewReader("x"), 1, "")
	if err == nil {
		t.Fatalf("expected traversal error")
	}
}

func TestFileStoreShortWrite(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore err=%v", err)
	}
	err = store.Put(context.Background(), "artifacts", "k", strings.NewReader("abc"), 10, "")
	if err == nil {
		t.Fatalf("expected short write error")
	}
	if _, err := store.Stat(context.Background(), "artifacts", "k"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("partial object left behind: err=%v", err)
	}
}
