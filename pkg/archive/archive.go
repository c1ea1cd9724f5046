// Package archive mirrors raw payload versions into an S3 bucket.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/goldenknightlounge/fantasy-ingest/pkg/pipeline"
)

// Config controls the S3 archive.
type Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string // optional, for S3-compatible stores
}

// ConfigFromEnv reads archive settings.
//
// Environment variables:
//   - INGEST_ARCHIVE_BUCKET: bucket name; archiving is disabled when empty
//   - INGEST_ARCHIVE_PREFIX: key prefix (default: "raw")
//   - INGEST_ARCHIVE_REGION: AWS region override
//   - INGEST_ARCHIVE_ENDPOINT: custom endpoint URL
func ConfigFromEnv() Config {
	cfg := Config{
		Bucket:   os.Getenv("INGEST_ARCHIVE_BUCKET"),
		Prefix:   "raw",
		Region:   os.Getenv("INGEST_ARCHIVE_REGION"),
		Endpoint: os.Getenv("INGEST_ARCHIVE_ENDPOINT"),
	}
	if v := os.Getenv("INGEST_ARCHIVE_PREFIX"); v != "" {
		cfg.Prefix = v
	}
	return cfg
}

// Enabled reports whether a bucket is configured.
func (c Config) Enabled() bool {
	return c.Bucket != ""
}

// PutObjectAPI is the subset of the S3 client used by the archiver.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes each raw version as one object.
type S3Archiver struct {
	client PutObjectAPI
	bucket string
	prefix string
	logger *slog.Logger
}

// NewS3Archiver wraps an existing client.
func NewS3Archiver(client PutObjectAPI, bucket, prefix string, logger *slog.Logger) *S3Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Archiver{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logger,
	}
}

// New builds an archiver from the default AWS credential chain.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*S3Archiver, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{URL: cfg.Endpoint, HostnameImmutable: true}, nil
			})
		opts = append(opts, config.WithEndpointResolverWithOptions(resolver))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.Endpoint != ""
	})
	return NewS3Archiver(client, cfg.Bucket, cfg.Prefix, logger), nil
}

// Archive uploads one raw version. Objects are keyed by entity, natural key
// and fetch time, so re-archiving the same version overwrites it.
func (a *S3Archiver) Archive(ctx context.Context, rec pipeline.RawRecord) error {
	key := a.ObjectKey(rec)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(a.bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(rec.Payload),
		ContentType:  aws.String("application/json"),
		StorageClass: s3types.StorageClassStandardIa,
		Metadata: map[string]string{
			"schema-version": rec.SchemaVersion,
		},
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", a.bucket, key, err)
	}
	a.logger.Debug("archived raw payload", "bucket", a.bucket, "key", key)
	return nil
}

// ObjectKey returns the object key for rec.
func (a *S3Archiver) ObjectKey(rec pipeline.RawRecord) string {
	parts := []string{
		rec.EntityType,
		url.PathEscape(rec.NaturalKey),
		rec.FetchedAt.UTC().Format("20060102T150405.000000Z") + ".json",
	}
	if a.prefix != "" {
		parts = append([]string{a.prefix}, parts...)
	}
	return strings.Join(parts, "/")
}
