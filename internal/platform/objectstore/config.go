package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/conveyor/internal/platform/env"
)

const (
	BackendMinIO = "minio"
	BackendFile  = "file"
)

type Config struct {
	Backend         string
	Endpoint        string
	AccessKey       string
	SecretKey       string
	Region          string
	UseSSL          bool
	BucketArtifacts string
	Dir             string
	// RetentionDays expires run artifacts in the MinIO bucket after that
	// many days. Zero keeps them.
	RetentionDays int
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("CONVEYOR_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	retention, err := env.Int("CONVEYOR_ARTIFACT_RETENTION_DAYS", 0)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Backend:         strings.ToLower(env.String("CONVEYOR_ARTIFACT_BACKEND", BackendFile)),
		Endpoint:        env.String("CONVEYOR_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:       env.String("CONVEYOR_MINIO_ACCESS_KEY", "conveyor"),
		SecretKey:       env.String("CONVEYOR_MINIO_SECRET_KEY", "conveyorminio"),
		Region:          env.String("CONVEYOR_MINIO_REGION", "us-east-1"),
		UseSSL:          useSSL,
		BucketArtifacts: env.String("CONVEYOR_MINIO_BUCKET_ARTIFACTS", "artifacts"),
		Dir:             env.String("CONVEYOR_ARTIFACT_DIR", "./data/artifacts"),
		RetentionDays:   retention,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.RetentionDays < 0 {
		return fmt.Errorf("artifact retention days must be >= 0, got %d", c.RetentionDays)
	}
	switch c.Backend {
	case BackendFile:
		if strings.TrimSpace(c.Dir) == "" {
			return errors.New("artifact dir is required")
		}
		if strings.TrimSpace(c.BucketArtifacts) == "" {
			return errors.New("artifacts bucket is required")
		}
		return nil
	case BackendMinIO:
	default:
		return fmt.Errorf("artifact backend unsupported: %q", c.Backend)
	}
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.BucketArtifacts) == "" {
		return errors.New("artifacts bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
