package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"github.com/avdeyev/shopvault/internal/config"
)

// Storage uploads finished backup artifacts to an S3-compatible bucket and
// enforces time-based retention on it.
type Storage struct {
	client     *minio.Client
	bucket     string
	pathPrefix string
	log        zerolog.Logger
}

// NewStorage creates a Storage instance using minio-go/v7.
func NewStorage(cfg config.R2Config, log zerolog.Logger) (*Storage, error) {
	// minio-go expects host:port without a scheme.
	endpoint := cfg.Endpoint
	secure := true
	if strings.HasPrefix(endpoint, "https://") {
		endpoint = strings.TrimPrefix(endpoint, "https://")
	} else if strings.HasPrefix(endpoint, "http://") {
		endpoint = strings.TrimPrefix(endpoint, "http://")
		secure = false
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize minio client: %w", err)
	}

	return &Storage{
		client:     client,
		bucket:     cfg.Bucket,
		pathPrefix: cfg.PathPrefix,
		log:        log,
	}, nil
}

// Upload stores an artifact under the configured prefix.
func (s *Storage) Upload(ctx context.Context, filename string, content io.Reader) error {
	key := filename
	if s.pathPrefix != "" {
		key = fmt.Sprintf("%s/%s", s.pathPrefix, filename)
	}

	info, err := s.client.PutObject(ctx, s.bucket, key, content, -1, minio.PutObjectOptions{
		ContentType: "application/gzip",
	})
	if err != nil {
		return fmt.Errorf("failed to upload object %s: %w", key, err)
	}

	s.log.Info().Str("key", key).Str("bucket", s.bucket).Int64("size", info.Size).
		Msg("artifact uploaded")
	return nil
}

// EnforceRetention deletes objects older than the retention period.
func (s *Storage) EnforceRetention(ctx context.Context, retentionHours int) error {
	if retentionHours <= 0 {
		return nil
	}

	deadline := time.Now().Add(-time.Duration(retentionHours) * time.Hour)

	opts := minio.ListObjectsOptions{
		Prefix:    s.pathPrefix,
		Recursive: true,
	}

	deletedCount := 0
	for object := range s.client.ListObjects(ctx, s.bucket, opts) {
		if object.Err != nil {
			s.log.Warn().Err(object.Err).Msg("error listing object")
			continue
		}

		if object.LastModified.Before(deadline) {
			if err := s.client.RemoveObject(ctx, s.bucket, object.Key, minio.RemoveObjectOptions{}); err != nil {
				s.log.Warn().Err(err).Str("key", object.Key).Msg("failed to delete expired artifact")
				continue
			}
			deletedCount++
			s.log.Info().Str("key", object.Key).Time("modified", object.LastModified).
				Msg("deleted expired artifact")
		}
	}

	if deletedCount > 0 {
		s.log.Info().Int("deleted", deletedCount).Msg("offsite retention enforced")
	}
	return nil
}
