// Package storage fetches compressed item images from S3-compatible blob
// storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/Adithya-Monish-Kumar-K/visual-similarity/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/visual-similarity/pkg/errors"
)

// Blobs downloads objects by key into dst. A missing object is reported as
// an error matching errors.ErrObjectNotFound.
type Blobs interface {
	Download(ctx context.Context, key string, dst io.WriterAt) (int64, error)
}

// Bucket is a Blobs backed by one S3 bucket.
type Bucket struct {
	client     *s3.Client
	downloader *manager.Downloader
	bucket     string
	logger     *slog.Logger
}

// Connect builds an S3 client for the configured endpoint. An empty endpoint
// means AWS itself; anything else (MinIO, Spaces) is addressed directly.
func Connect(cfg config.StorageConfig) *s3.Client {
	return s3.NewFromConfig(aws.Config{Region: cfg.Region}, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.AccessKeyID != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
}

func NewBucket(client *s3.Client, bucket string, logger *slog.Logger) *Bucket {
	return &Bucket{
		client:     client,
		downloader: manager.NewDownloader(client, func(d *manager.Downloader) { d.Concurrency = 1 }),
		bucket:     bucket,
		logger:     logger,
	}
}

func (b *Bucket) Download(ctx context.Context, key string, dst io.WriterAt) (int64, error) {
	n, err := b.downloader.Download(ctx, dst, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if IsNotFound(err) {
			return 0, fmt.Errorf("%w: s3://%s/%s", apperrors.ErrObjectNotFound, b.bucket, key)
		}
		return 0, fmt.Errorf("downloading s3://%s/%s: %w", b.bucket, key, err)
	}
	b.logger.Debug("object downloaded", "key", key, "bytes", n)
	return n, nil
}

// Ping checks that the bucket exists and is reachable with our credentials.
func (b *Bucket) Ping(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	if err != nil {
		return fmt.Errorf("head bucket %s: %w", b.bucket, err)
	}
	return nil
}

// IsNotFound reports whether err is S3's answer for a missing key.
func IsNotFound(err error) bool {
	if errors.Is(err, apperrors.ErrObjectNotFound) {
		return true
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404":
			return true
		}
	}
	return false
}
