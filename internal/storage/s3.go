// Package storage implements model.RemoteStorage on top of an S3 compatible
// object storage (MinIO in the usual deployment).
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/rcssrunner/runner/internal/model"
)

const checkTimeout = 5 * time.Second

var ErrNotFound = errors.New("object not found")

// S3 is a model.RemoteStorage backed by the aws-sdk-go-v2 s3 client.
type S3 struct {
	client *s3.Client
	bucket string // bucket used by CheckConnection
}

func New(cfg model.Storage) *S3 {
	opts := s3.Options{
		Region:       cfg.Region,
		BaseEndpoint: aws.String(cfg.Endpoint),
		UsePathStyle: cfg.UsePathStyle,
	}
	if cfg.AccessKey != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		opts.Credentials = aws.AnonymousCredentials{}
	}
	return &S3{
		client: s3.New(opts),
		bucket: cfg.Buckets.GameLog,
	}
}

// CheckConnection reports if the storage is reachable and the game log bucket exists.
func (s *S3) CheckConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		slog.WarnContext(ctx, "storage connection check failed", "bucket", s.bucket, "error", err)
		return false
	}
	return true
}

// DownloadFile stores the object key from bucket into localPath.
func (s *S3) DownloadFile(ctx context.Context, bucket, key, localPath string) error {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
		}
		return fmt.Errorf("getting %s/%s: %w", bucket, key, err)
	}
	defer func() {
		_ = out.Body.Close()
	}()

	f, err := os.CreateTemp(filepath.Dir(localPath), "."+filepath.Base(localPath)+".*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, out.Body); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return fmt.Errorf("downloading %s/%s: %w", bucket, key, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return err
	}
	return os.Rename(f.Name(), localPath)
}

// UploadFile stores localPath as the object key in bucket.
func (s *S3) UploadFile(ctx context.Context, bucket, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(contentType(key)),
	})
	if err != nil {
		return fmt.Errorf("putting %s/%s: %w", bucket, key, err)
	}
	slog.DebugContext(ctx, "object uploaded", "bucket", bucket, "key", key, "size", info.Size())
	return nil
}

func contentType(key string) string {
	if filepath.Ext(key) == ".zip" {
		return "application/zip"
	}
	return "application/octet-stream"
}
