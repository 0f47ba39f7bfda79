// Package minio stores attachment content in an S3-compatible bucket.
package minio

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/clearing-armada/internal/domain/clearing"
	"github.com/ahrav/clearing-armada/pkg/common/uuid"
)

const (
	metaFilename = "Filename"
)

// Config holds the object store connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
	UseSSL    bool
}

// Validate reports missing settings.
func (c Config) Validate() error {
	switch {
	case c.Endpoint == "":
		return errors.New("object store endpoint is required")
	case c.AccessKey == "" || c.SecretKey == "":
		return errors.New("object store credentials are required")
	case c.Bucket == "":
		return errors.New("object store bucket is required")
	}
	return nil
}

// NewClient builds a minio client for cfg.
func NewClient(cfg Config) (*minio.Client, error) {
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
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

var _ clearing.AttachmentContentStore = (*Store)(nil)

// Store implements clearing.AttachmentContentStore on a single bucket. The
// content id is the object key.
type Store struct {
	client *minio.Client
	bucket string
	tracer trace.Tracer
}

// NewStore wraps an existing client.
func NewStore(client *minio.Client, bucket string, tracer trace.Tracer) (*Store, error) {
	if client == nil {
		return nil, errors.New("minio client is required")
	}
	return &Store{client: client, bucket: bucket, tracer: tracer}, nil
}

// EnsureBucket creates the bucket if it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context, region string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// OpenContent streams the object stored under contentID.
func (s *Store) OpenContent(ctx context.Context, contentID string) (io.ReadCloser, error) {
	ctx, span := s.tracer.Start(ctx, "minio.open_content",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("bucket", s.bucket),
			attribute.String("content_id", contentID),
		))
	defer span.End()

	// Stat first: GetObject is lazy and would only fail on the first read.
	if _, err := s.client.StatObject(ctx, s.bucket, contentID, minio.StatObjectOptions{}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stat object failed")
		return nil, fmt.Errorf("stat attachment %s: %w", contentID, err)
	}
	obj, err := s.client.GetObject(ctx, s.bucket, contentID, minio.GetObjectOptions{})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "get object failed")
		return nil, fmt.Errorf("get attachment %s: %w", contentID, err)
	}
	return obj, nil
}

// StoreContent uploads body under a fresh content id, hashing it on the way.
func (s *Store) StoreContent(
	ctx context.Context,
	filename, contentType string,
	body io.Reader,
) (clearing.StoredContent, error) {
	contentID := uuid.New().String()
	ctx, span := s.tracer.Start(ctx, "minio.store_content",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("bucket", s.bucket),
			attribute.String("content_id", contentID),
			attribute.String("filename", filename),
		))
	defer span.End()

	h := sha1.New()
	info, err := s.client.PutObject(ctx, s.bucket, contentID, io.TeeReader(body, h), -1, minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: map[string]string{metaFilename: filename},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "put object failed")
		return clearing.StoredContent{}, fmt.Errorf("store attachment %s: %w", filename, err)
	}

	sum := hex.EncodeToString(h.Sum(nil))
	span.SetAttributes(attribute.Int64("size", info.Size), attribute.String("sha1", sum))
	return clearing.StoredContent{ContentID: contentID, SHA1: sum, Size: info.Size}, nil
}
