package objectstore

import (
	"errors"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
)

func TestTranslateErr(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		notFound bool
	}{
		{"missing key", minio.ErrorResponse{Code: "NoSuchKey"}, true},
		{"missing bucket", minio.ErrorResponse{Code: "NoSuchBucket"}, true},
		{"access denied", minio.ErrorResponse{Code: "AccessDenied"}, false},
		{"transport", errors.New("connection refused"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := translateErr(tt.err, "artifacts", StageFileKey("r1", "build", "bin/app"))
			if err == nil {
				t.Fatalf("translateErr returned nil")
			}
			if got := errors.Is(err, ErrObjectNotFound); got != tt.notFound {
				t.Fatalf("errors.Is(%v, ErrObjectNotFound)=%v, want %v", err, got, tt.notFound)
			}
		})
	}
	if err := translateErr(nil, "artifacts", "k"); err != nil {
		t.Fatalf("translateErr(nil)=%v", err)
	}
}

func TestStageFileKeyLayout(t *testing.T) {
	if got := StageFileKey("r1", "build", "bin/app"); got != "runs/r1/stages/build/files/bin/app" {
		t.Fatalf("key=%q", got)
	}
	if got := RunPrefix("r1"); got != "runs/r1/" {
		t.Fatalf("prefix=%q", got)
	}
}

func TestInfoFromNormalizesTime(t *testing.T) {
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	info := infoFrom(minio.ObjectInfo{Key: "k", Size: 3, ETag: "e", ContentType: "text/plain", LastModified: at})
	if info.Size != 3 || info.ETag != "e" || info.LastModified.Location() != time.UTC || !info.LastModified.Equal(at) {
		t.Fatalf("info=%+v", info)
	}
}

func TestNewMinioStoreRequiresClient(t *testing.T) {
	if _, err := NewMinioStore(nil); err == nil {
		t.Fatalf("expected error for nil client")
	}
}
