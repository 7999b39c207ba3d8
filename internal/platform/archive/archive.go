// Package archive keeps payloads the consumer could not process in object
// storage for later inspection.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Archiver stores rejected payloads.
type Archiver interface {
	Put(ctx context.Context, messageID string, payload []byte, attributes map[string]string, reason string) error
}

// Config contains configuration for the MinIO archive.
type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// MinioArchiver writes rejected payloads to a MinIO or S3 bucket.
type MinioArchiver struct {
	cfg    Config
	client *minio.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewMinioArchiver creates an archiver for the configured bucket.
func NewMinioArchiver(cfg Config, logger *slog.Logger) (*MinioArchiver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &MinioArchiver{
		cfg:    cfg,
		client: client,
		logger: logger.With("component", "archive"),
		now:    time.Now,
	}, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (a *MinioArchiver) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.cfg.Bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", a.cfg.Bucket, err)
	}
	a.logger.Info("created archive bucket", "bucket", a.cfg.Bucket)
	return nil
}

// Put uploads payload under rejected/<date>/<messageID>.json. The reason
// and the message attributes are stored as object metadata.
func (a *MinioArchiver) Put(ctx context.Context, messageID string, payload []byte, attributes map[string]string, reason string) error {
	key := ObjectKey(a.now(), messageID)

	_, err := a.client.PutObject(ctx, a.cfg.Bucket, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType:  "application/json",
		UserMetadata: Metadata(reason, attributes),
	})
	if err != nil {
		return fmt.Errorf("failed to archive %s: %w", messageID, err)
	}

	a.logger.Info("archived rejected payload",
		"message_id", messageID,
		"key", key,
		"size", len(payload),
		"reason", reason,
	)
	return nil
}

// ObjectKey returns the object key for a payload rejected at t.
func ObjectKey(t time.Time, messageID string) string {
	return fmt.Sprintf("rejected/%s/%s.json", t.UTC().Format("2006-01-02"), messageID)
}

// Metadata builds the user metadata stored with an archived payload.
func Metadata(reason string, attributes map[string]string) map[string]string {
	md := make(map[string]string, len(attributes)+1)
	for k, v := range attributes {
		md["Attr-"+k] = v
	}
	md["Reason"] = reason
	return md
}

// Nop discards payloads; it is used when archiving is disabled.
type Nop struct{}

func (Nop) Put(context.Context, string, []byte, map[string]string, string) error { return nil }
