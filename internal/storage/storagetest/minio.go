package storagetest

import (
	"context"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/rcssrunner/runner/internal/model"
)

const (
	minioImage  = "minio/minio:RELEASE.2025-04-22T22-12-26Z"
	minioUser   = "runner"
	minioSecret = "runner-secret"
)

// MinIO starts a MinIO container and creates the buckets. It skips the test
// when running with -short or when docker is not available.
func MinIO(t *testing.T, buckets model.Buckets) model.Storage {
	t.Helper()
	if testing.Short() {
		t.Skip("minio container is not started with -short")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := t.Context()
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        minioImage,
			ExposedPorts: []string{"9000/tcp"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     minioUser,
				"MINIO_ROOT_PASSWORD": minioSecret,
			},
			Cmd:        []string{"server", "/data"},
			WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp"),
		},
		Started: true,
	})
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	endpoint, err := ctr.PortEndpoint(ctx, "9000/tcp", "http")
	require.NoError(t, err)

	cfg := model.Storage{
		Endpoint:     endpoint,
		Region:       "us-east-1",
		AccessKey:    minioUser,
		SecretKey:    minioSecret,
		UsePathStyle: true,
		Buckets:      buckets,
	}
	createBuckets(t, ctx, cfg)
	return cfg
}

// Client returns a raw s3 client for assertions on the container content.
func Client(cfg model.Storage) *s3.Client {
	return s3.New(s3.Options{
		Region:       cfg.Region,
		BaseEndpoint: aws.String(cfg.Endpoint),
		UsePathStyle: true,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	})
}

func createBuckets(t *testing.T, ctx context.Context, cfg model.Storage) {
	t.Helper()
	client := Client(cfg)
	for _, b := range []string{cfg.Buckets.BaseTeam, cfg.Buckets.TeamConfig, cfg.Buckets.GameLog} {
		_, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(b)})
		require.NoError(t, err, fmt.Sprintf("creating bucket %s", b))
	}
}
