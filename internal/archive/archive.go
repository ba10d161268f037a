// Package archive stores CRDT snapshots in S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const contentType = "application/cbor"

var ErrNotFound = errors.New("archived snapshot not found")

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// S3Archive keeps the latest snapshot of each document plus a timestamped
// copy per flush.
type S3Archive struct {
	client *minio.Client
	bucket string
	now    func() time.Time
}

func NewS3Archive(cfg Config) (*S3Archive, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("archive client: %w", err)
	}
	return &S3Archive{client: client, bucket: cfg.Bucket, now: time.Now}, nil
}

// EnsureBucket creates the bucket when missing.
func (a *S3Archive) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", a.bucket, err)
	}
	return nil
}

func (a *S3Archive) Put(ctx context.Context, tenantID, documentID string, snapshot []byte) error {
	for _, key := range []string{latestKey(tenantID, documentID), versionKey(tenantID, documentID, a.now())} {
		_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(snapshot), int64(len(snapshot)), minio.PutObjectOptions{ContentType: contentType})
		if err != nil {
			return fmt.Errorf("put %s: %w", key, err)
		}
	}
	return nil
}

func (a *S3Archive) Latest(ctx context.Context, tenantID, documentID string) ([]byte, error) {
	key := latestKey(tenantID, documentID)
	obj, err := a.client.GetObject(ctx, a.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func latestKey(tenantID, documentID string) string {
	return path.Join("snapshots", path.Base(tenantID), path.Base(documentID), "latest.cbor")
}

func versionKey(tenantID, documentID string, at time.Time) string {
	return path.Join("snapshots", path.Base(tenantID), path.Base(documentID), at.UTC().Format("20060102T150405.000000000Z")+".cbor")
}
