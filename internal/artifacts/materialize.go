package artifacts

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zip"
)

// Opener returns the content of a published path.
type Opener func(ctx context.Context, source string) (io.ReadCloser, error)

// Materialize writes a fetch plan into dir.
func Materialize(ctx context.Context, plan FetchPlan, dir string, open Opener) error {
	for _, placement := range plan.Files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := copyTo(ctx, open, placement.Source, filepath.Join(dir, filepath.FromSlash(placement.Target))); err != nil {
			return err
		}
	}
	for _, arch := range plan.Archives {
		if err := writeArchive(ctx, open, arch, filepath.Join(dir, filepath.FromSlash(arch.Path))); err != nil {
			return err
		}
	}
	return nil
}

func copyTo(ctx context.Context, open Opener, source, target string) error {
	rc, err := open(ctx, source)
	if err != nil {
		return fmt.Errorf("open artifact %s: %w", source, err)
	}
	defer rc.Close()
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, rc); err != nil {
		_ = f.Close()
		return fmt.Errorf("copy artifact %s: %w", source, err)
	}
	return f.Close()
}

func writeArchive(ctx context.Context, open Opener, arch Archive, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := os.Create(target)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(f)
	for _, entry := range arch.Entries {
		if err := addEntry(ctx, zw, open, entry); err != nil {
			_ = zw.Close()
			_ = f.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("close archive %s: %w", arch.Path, err)
	}
	return f.Close()
}

func addEntry(ctx context.Context, zw *zip.Writer, open Opener, entry Placement) error {
	rc, err := open(ctx, entry.Source)
	if err != nil {
		return fmt.Errorf("open artifact %s: %w", entry.Source, err)
	}
	defer rc.Close()
	header := &zip.FileHeader{
		Name:     entry.Target,
		Method:   zip.Deflate,
		Modified: time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	w, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, rc); err != nil {
		return fmt.Errorf("archive artifact %s: %w", entry.Source, err)
	}
	return nil
}
