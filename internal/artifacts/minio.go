package artifacts

import (
	"context"
	"fmt"
	"log/slog"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Compile-time interface satisfaction check.
var _ Publisher = (*MinIOPublisher)(nil)

// MinIOConfig holds MinIO connection settings.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinIOPublisher stores artifacts as objects under runs/<run id>/ in a bucket.
type MinIOPublisher struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

// NewMinIOPublisher creates a publisher for the configured bucket.
func NewMinIOPublisher(cfg MinIOConfig, logger *slog.Logger) (*MinIOPublisher, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize minio client: %w", err)
	}

	return &MinIOPublisher{client: client, bucket: cfg.Bucket, logger: logger}, nil
}

// Publish uploads a local file and returns an s3:// reference to it.
func (p *MinIOPublisher) Publish(ctx context.Context, runID, name, localPath string) (string, error) {
	if err := p.ensureBucket(ctx); err != nil {
		return "", err
	}

	object := path.Join("runs", runID, name)
	info, err := p.client.FPutObject(ctx, p.bucket, object, localPath, minio.PutObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("upload artifact %s: %w", name, err)
	}

	p.logger.Info("artifact uploaded", "run_id", runID, "object", object, "size", info.Size)
	return fmt.Sprintf("s3://%s/%s", p.bucket, object), nil
}

func (p *MinIOPublisher) ensureBucket(ctx context.Context) error {
	exists, err := p.client.BucketExists(ctx, p.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := p.client.MakeBucket(ctx, p.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}
