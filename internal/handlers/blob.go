// Copyright 2025 James Ross
// Package handlers implements the seven job handlers that back the
// named queues, plus the blob-storage component export_render and
// report_generate materialize artifacts into.
package handlers

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/dlearley/bi-agent-core/internal/bierrors"
	"github.com/dlearley/bi-agent-core/internal/config"
	"github.com/klauspost/compress/gzip"
)

// BlobStore is the S3-compatible object store backing export_render and
// report_generate artifacts: upload, gzip compression, and signed URLs.
type BlobStore struct {
	s3Client *s3.S3
	uploader *s3manager.Uploader
	bucket   string
	ttl      time.Duration
}

func NewBlobStore(cfg *config.Config) (*BlobStore, error) {
	awsCfg := aws.NewConfig().
		WithRegion(cfg.Blob.Region).
		WithS3ForcePathStyle(cfg.Blob.ForcePathStyle)
	if cfg.Blob.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Blob.Endpoint)
	}

	// Credentials come from the default chain (env, shared config, IAM
	// role); MinIO/LocalStack deployments set AWS_ACCESS_KEY_ID /
	// AWS_SECRET_ACCESS_KEY in the environment alongside blob.endpoint.
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, bierrors.Wrap(bierrors.KindConfig, err, "create blob store session")
	}

	ttl := cfg.Blob.SignedURLTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	client := s3.New(sess)
	return &BlobStore{
		s3Client: client,
		uploader: s3manager.NewUploaderWithClient(client),
		bucket:   cfg.Blob.Bucket,
		ttl:      ttl,
	}, nil
}

// compress gzips body at the default compression level. Real compression,
// unlike a pass-through placeholder: artifacts are downloaded by operators
// and BI tools that expect valid gzip streams.
func compress(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PutObject uploads body (gzip-compressed) under key and returns a
// time-limited signed GET URL.
func (b *BlobStore) PutObject(ctx context.Context, key string, body []byte, contentType string) (signedURL string, expiresAt time.Time, err error) {
	compressed, err := compress(body)
	if err != nil {
		return "", time.Time{}, bierrors.Wrap(bierrors.KindPermanentHandler, err, "gzip artifact")
	}

	_, err = b.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:               aws.String(b.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(compressed),
		ContentType:          aws.String(contentType),
		ContentEncoding:      aws.String("gzip"),
		ServerSideEncryption: aws.String(s3.ServerSideEncryptionAes256),
	})
	if err != nil {
		return "", time.Time{}, bierrors.Wrap(bierrors.KindTransientStorage, err, "upload blob "+key)
	}

	req, _ := b.s3Client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	url, err := req.Presign(b.ttl)
	if err != nil {
		return "", time.Time{}, bierrors.Wrap(bierrors.KindTransientStorage, err, "sign url for "+key)
	}
	return url, time.Now().Add(b.ttl), nil
}

// ObjectKey builds a time-partitioned key, mirroring the long-term-archive
// exporter's year/month/day partitioning so operators can browse by date.
func ObjectKey(prefix string, id string, at time.Time) string {
	return fmt.Sprintf("%s/%04d/%02d/%02d/%s.json.gz", prefix, at.Year(), at.Month(), at.Day(), id)
}
