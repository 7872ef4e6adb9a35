// Package s3 archives acknowledged sync batches to an S3-compatible backend
// (AWS S3 or MinIO). Batches are immutable NDJSON objects, so the archive
// doubles as an off-site audit log of the hub's event history.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"floracore/pkg/domain"
)

// Store writes event batches into a single bucket. Keys are
// events/<tenant>/<yyyy-mm-dd>/<first>-<last>.ndjson.
type Store struct {
	client *s3.Client
	bucket string
}

// Config holds explicit construction parameters (mostly for tests). For prod
// we rely primarily on environment variables.
type Config struct {
	Region          string
	Bucket          string
	Endpoint        string // optional; if set enables custom endpoint (e.g. MinIO)
	AccessKeyID     string // optional (falls back to default credentials chain)
	SecretAccessKey string // optional
	SessionToken    string // optional
	PathStyle       bool
}

// Environment variables:
//   FLORACORE_ARCHIVE_S3_BUCKET=<bucket> (required)
//   FLORACORE_ARCHIVE_S3_REGION=<region> (default us-east-1)
//   FLORACORE_ARCHIVE_S3_ENDPOINT=<url> (optional, for MinIO)
//   FLORACORE_ARCHIVE_S3_PATH_STYLE=true|false (default false)
//   AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY / AWS_SESSION_TOKEN (optional)

// New creates an archive store from Config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// OpenFromEnv constructs an archive store from process environment.
func OpenFromEnv(ctx context.Context) (*Store, error) {
	bucket := os.Getenv("FLORACORE_ARCHIVE_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("FLORACORE_ARCHIVE_S3_BUCKET required for s3 archive")
	}
	cfg := Config{
		Bucket:    bucket,
		Region:    os.Getenv("FLORACORE_ARCHIVE_S3_REGION"),
		Endpoint:  os.Getenv("FLORACORE_ARCHIVE_S3_ENDPOINT"),
		PathStyle: strings.EqualFold(os.Getenv("FLORACORE_ARCHIVE_S3_PATH_STYLE"), "true"),
	}
	return New(ctx, cfg)
}

// ArchiveBatch writes an acknowledged batch as one NDJSON object and returns
// its key. Empty batches are a no-op.
func (s *Store) ArchiveBatch(ctx context.Context, tenantID string, events []domain.SyncEvent) (string, error) {
	if len(events) == 0 {
		return "", nil
	}
	var buf bytes.Buffer
	if err := domain.EncodeNDJSON(&buf, events); err != nil {
		return "", err
	}
	key := batchKey(tenantID, events)
	contentType := "application/x-ndjson"
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: &contentType,
	})
	if err != nil {
		return "", fmt.Errorf("archive batch %s: %w", key, err)
	}
	return key, nil
}

// OpenBatch reads an archived batch back into events.
func (s *Store) OpenBatch(ctx context.Context, key string) ([]domain.SyncEvent, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		return nil, fmt.Errorf("open batch %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()
	return domain.DecodeNDJSON(out.Body)
}

// ListBatches returns archived batch keys for a tenant in key order, which
// is chronological because event ids are time-sortable.
func (s *Store) ListBatches(ctx context.Context, tenantID string) ([]string, error) {
	prefix := "events/" + tenantID + "/"
	var keys []string
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: &s.bucket, Prefix: &prefix, ContinuationToken: token})
		if err != nil {
			return nil, err
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if out.IsTruncated != nil && *out.IsTruncated && out.NextContinuationToken != nil {
			token = out.NextContinuationToken
			continue
		}
		break
	}
	sort.Strings(keys)
	return keys, nil
}

// Reader streams an archived object for tooling that wants raw NDJSON.
func (s *Store) Reader(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

func batchKey(tenantID string, events []domain.SyncEvent) string {
	first, last := events[0], events[len(events)-1]
	day := first.TS.UTC().Format(time.DateOnly)
	return fmt.Sprintf("events/%s/%s/%s-%s.ndjson", tenantID, day, first.EventID, last.EventID)
}
