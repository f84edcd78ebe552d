// Package blob stores entity banners and user avatars in an S3-compatible
// bucket.
package blob

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"quillsync/config"
	"quillsync/pkg/logger"
)

type Store struct {
	client *minio.Client
	cfg    config.BlobConfig
}

// New connects to the object store and makes sure both buckets exist.
func New(ctx context.Context, cfg config.BlobConfig) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client failed: %w", err)
	}

	s := &Store{client: client, cfg: cfg}
	for _, bucket := range []string{cfg.BannerBucket, cfg.AvatarBucket} {
		if err := s.ensureBucket(ctx, bucket); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) ensureBucket(ctx context.Context, bucket string) error {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s failed: %w", bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.cfg.Region}); err != nil {
		return fmt.Errorf("create bucket %s failed: %w", bucket, err)
	}
	logger.Sugar.Infof("Created bucket %s", bucket)
	return nil
}

// BannerKey is the object name of an entity's banner. An entity has at most
// one banner, so uploads overwrite.
func BannerKey(entityID string) string {
	return "banner-" + entityID
}

func (s *Store) UploadBanner(ctx context.Context, entityID string, r io.Reader, size int64, contentType string) (string, error) {
	key := BannerKey(entityID)
	if _, err := s.client.PutObject(ctx, s.cfg.BannerBucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	}); err != nil {
		return "", fmt.Errorf("upload banner %s failed: %w", key, err)
	}
	return key, nil
}

// RemoveBanner succeeds when the banner is already gone.
func (s *Store) RemoveBanner(ctx context.Context, entityID string) error {
	key := BannerKey(entityID)
	if err := s.client.RemoveObject(ctx, s.cfg.BannerBucket, key, minio.RemoveObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil
		}
		return fmt.Errorf("remove banner %s failed: %w", key, err)
	}
	return nil
}

func (s *Store) BannerURL(key string) string {
	return PublicURL(s.cfg, s.cfg.BannerBucket, key)
}

func (s *Store) AvatarURL(key string) string {
	return PublicURL(s.cfg, s.cfg.AvatarBucket, key)
}

// PublicURL resolves a stored object key to a URL browsers can fetch. Keys
// that already are absolute URLs pass through, and an empty key stays empty.
func PublicURL(cfg config.BlobConfig, bucket, key string) string {
	if key == "" {
		return ""
	}
	if strings.HasPrefix(key, "http://") || strings.HasPrefix(key, "https://") {
		return key
	}
	base := strings.TrimSuffix(cfg.PublicBaseURL, "/")
	if base == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		base = scheme + "://" + cfg.Endpoint
	}
	return base + "/" + bucket + "/" + url.PathEscape(key)
}
