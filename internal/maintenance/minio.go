package maintenance

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinIOConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	// Prefix is prepended to every object name.
	Prefix string
	Keep   int
}

// MinIOUploader copies snapshots to an S3-compatible bucket and keeps the
// newest Keep objects under Prefix.
type MinIOUploader struct {
	client *minio.Client
	bucket string
	prefix string
	keep   int
}

func NewMinIOUploader(cfg MinIOConfig) (*MinIOUploader, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required for backup upload")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		bucket = "lobwife-backups"
	}
	keep := cfg.Keep
	if keep <= 0 {
		keep = DefaultKeep
	}
	return &MinIOUploader{client: client, bucket: bucket, prefix: cfg.Prefix, keep: keep}, nil
}

func (u *MinIOUploader) Upload(ctx context.Context, localPath, object string) error {
	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return err
	}
	if !exists {
		if err := u.client.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{}); err != nil {
			return err
		}
	}
	_, err = u.client.FPutObject(ctx, u.bucket, u.prefix+object, localPath, minio.PutObjectOptions{
		ContentType: "application/vnd.sqlite3",
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", object, err)
	}
	return u.trim(ctx)
}

func (u *MinIOUploader) trim(ctx context.Context) error {
	var keys []string
	for obj := range u.client.ListObjects(ctx, u.bucket, minio.ListObjectsOptions{Prefix: u.prefix + backupPrefix}) {
		if obj.Err != nil {
			return obj.Err
		}
		keys = append(keys, obj.Key)
	}
	if len(keys) <= u.keep {
		return nil
	}
	sort.Strings(keys)
	for _, key := range keys[:len(keys)-u.keep] {
		if err := u.client.RemoveObject(ctx, u.bucket, key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("remove %s: %w", key, err)
		}
	}
	return nil
}
