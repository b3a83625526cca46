package objectstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/lifecycle"
)

// ArtifactKeyPrefix roots every object a run publishes:
// runs/<run>/stages/<stage>/files/<path>.
const ArtifactKeyPrefix = "runs/"

const retentionRuleID = "expire-run-artifacts"

func NewMinIOClient(cfg Config) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
}

// PrepareArtifactBucket creates the artifacts bucket when missing and, with
// a retention configured, expires objects under ArtifactKeyPrefix.
func PrepareArtifactBucket(ctx context.Context, client *minio.Client, cfg Config) error {
	bucket := cfg.BucketArtifacts
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("artifacts bucket %s exists: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return fmt.Errorf("create artifacts bucket %s: %w", bucket, err)
		}
	}
	if cfg.RetentionDays == 0 {
		return nil
	}
	if err := client.SetBucketLifecycle(ctx, bucket, RetentionLifecycle(cfg.RetentionDays)); err != nil {
		return fmt.Errorf("set artifact retention on %s: %w", bucket, err)
	}
	return nil
}

// RetentionLifecycle expires run artifacts after days. Objects outside
// ArtifactKeyPrefix are left alone.
func RetentionLifecycle(days int) *lifecycle.Configuration {
	cfg := lifecycle.NewConfiguration()
	cfg.Rules = []lifecycle.Rule{{
		ID:         retentionRuleID,
		Status:     "Enabled",
		RuleFilter: lifecycle.Filter{Prefix: ArtifactKeyPrefix},
		Expiration: lifecycle.Expiration{Days: lifecycle.ExpirationDays(days)},
	}}
	return cfg
}

// CheckArtifactBucket is the readiness probe of the MinIO backend.
func CheckArtifactBucket(ctx context.Context, client *minio.Client, bucket string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("artifacts bucket %s exists: %w", bucket, err)
	}
	if !exists {
		return errors.New("artifacts bucket missing: " + bucket)
	}
	return nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
