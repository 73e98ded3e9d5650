// Package storage uploads training archives to an S3-compatible bucket and
// hands back a presigned URL the training provider can fetch.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sethvargo/go-retry"

	"github.com/dreamphoto/trainer/internal/config"
	"github.com/dreamphoto/trainer/internal/errs"
	"github.com/dreamphoto/trainer/internal/metrics"
)

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type getPresigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

type Uploader struct {
	client    objectPutter
	presigner getPresigner
	bucket    string
	prefix    string
	expiry    time.Duration
	backoff   func() retry.Backoff
	log       *slog.Logger
}

// NewS3Uploader builds a client from static credentials. A non-empty endpoint
// points the SDK at MinIO or another S3-compatible service.
func NewS3Uploader(ctx context.Context, cfg config.StorageConfig, log *slog.Logger) (*Uploader, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return newUploader(client, s3.NewPresignClient(client), cfg, log), nil
}

func newUploader(client objectPutter, presigner getPresigner, cfg config.StorageConfig, log *slog.Logger) *Uploader {
	if log == nil {
		log = slog.Default()
	}
	maxRetries, base := cfg.MaxRetries, cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	return &Uploader{
		client:    client,
		presigner: presigner,
		bucket:    cfg.Bucket,
		prefix:    cfg.KeyPrefix,
		expiry:    cfg.PresignExpiry,
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(maxRetries, retry.WithJitterPercent(10, retry.NewExponential(base)))
		},
		log: log,
	}
}

// Upload puts the file at localPath under key and returns a presigned GET URL.
func (u *Uploader) Upload(ctx context.Context, localPath, key string) (string, error) {
	objectKey := path.Join(u.prefix, key)
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.UpstreamRequestDuration.WithLabelValues("upload"))

	attempt := 0
	err := retry.Do(ctx, u.backoff(), func(ctx context.Context) error {
		attempt++
		f, err := os.Open(localPath)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(u.bucket),
			Key:         aws.String(objectKey),
			Body:        f,
			ContentType: aws.String("application/zip"),
		})
		if err != nil {
			u.log.Warn("archive upload attempt failed", "key", objectKey, "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		metrics.UpstreamErrorsTotal.WithLabelValues("upload").Inc()
		return "", errs.Upstream("upload archive", err)
	}

	req, err := u.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(objectKey),
	}, s3.WithPresignExpires(u.expiry))
	if err != nil {
		metrics.UpstreamErrorsTotal.WithLabelValues("presign").Inc()
		return "", errs.Upstream("presign archive url", err)
	}
	u.log.Info("archive uploaded", "key", objectKey, "attempts", attempt)
	return req.URL, nil
}
