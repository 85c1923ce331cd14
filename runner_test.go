package runner_test

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zip"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/rcssrunner/runner/internal/game"
	"github.com/rcssrunner/runner/internal/game/gametest"
	"github.com/rcssrunner/runner/internal/model"
	"github.com/rcssrunner/runner/internal/service"
	"github.com/rcssrunner/runner/internal/storage/storagetest"
)

const rabbitImage = "rabbitmq:3.13-alpine"

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		slog.Warn("integration tests with -short are ignored")
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func rabbitMQ(t *testing.T) string {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := t.Context()
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        rabbitImage,
			ExposedPorts: []string{"5672/tcp"},
			WaitingFor: wait.ForAll(
				wait.ForLog("Server startup complete"),
				wait.ForListeningPort("5672/tcp"),
			).WithDeadline(2 * time.Minute),
		},
		Started: true,
	})
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	endpoint, err := ctr.PortEndpoint(ctx, "5672/tcp", "")
	require.NoError(t, err)
	return "amqp://guest:guest@" + endpoint + "/"
}

func zipOf(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = io.WriteString(w, content)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func put(t *testing.T, client *s3.Client, bucket, key string, content []byte) {
	t.Helper()
	_, err := client.PutObject(t.Context(), &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(content),
	})
	require.NoError(t, err)
}

func publish(t *testing.T, url, queue, body string) {
	t.Helper()
	conn, err := amqp.Dial(url)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	ch, err := conn.Channel()
	require.NoError(t, err)
	_, err = ch.QueueDeclare(queue, false, false, false, false, nil)
	require.NoError(t, err)
	err = ch.PublishWithContext(t.Context(), "", queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        []byte(body),
	})
	require.NoError(t, err)
}

func TestRunner(t *testing.T) {
	cfg := model.DefaultConfig(t.Context())
	cfg.Storage = storagetest.MinIO(t, cfg.Storage.Buckets)
	cfg.AMQP.URL = rabbitMQ(t)
	cfg.Runner.DataDir = t.TempDir()
	cfg.Runner.ServerBinary = gametest.Server(t, gametest.Complete)
	cfg.Service.Republish = nil

	client := storagetest.Client(cfg.Storage)
	for _, name := range []string{"alpha", "beta"} {
		put(t, client, cfg.Storage.Buckets.BaseTeam, name+".zip", zipOf(t, map[string]string{
			name + "/start.sh": "#!/bin/sh\n",
		}))
	}
	put(t, client, cfg.Storage.Buckets.TeamConfig, "7", zipOf(t, map[string]string{
		"7/formation.conf": "4-3-3\n",
	}))

	done := make(chan game.Outcome, 1)
	s, err := service.New(t.Context(), cfg,
		service.WithOnFinished(func(_ context.Context, out game.Outcome) { done <- out }),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})

	ctx, cancel := context.WithCancel(t.Context())
	errs := make(chan error, 1)
	go func() {
		errs <- s.Do(ctx)
	}()

	const gameID = 42
	publish(t, cfg.AMQP.URL, cfg.AMQP.Queue, fmt.Sprintf(
		`{"type":"add_game","game_info":{"game_id":%d,"left_team_name":"alpha","right_team_name":"beta",`+
			`"left_team_config_id":7,"left_base_team_name":"alpha","right_base_team_name":"beta","server_config":""}}`,
		gameID))

	select {
	case out := <-done:
		require.True(t, out.Success(), out.Err)
		require.Equal(t, game.Archived, out.State)
		require.Equal(t, "42.zip", out.ArchiveKey)
	case <-time.After(time.Minute):
		t.Fatal("game did not finish")
	}

	obj, err := client.GetObject(t.Context(), &s3.GetObjectInput{
		Bucket: aws.String(cfg.Storage.Buckets.GameLog),
		Key:    aws.String("42.zip"),
	})
	require.NoError(t, err)
	b, err := io.ReadAll(obj.Body)
	_ = obj.Body.Close()
	require.NoError(t, err)
	zr, err := zip.NewReader(bytes.NewReader(b), int64(len(b)))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	require.ElementsMatch(t, []string{"42.rcg", "42.rcl"}, names)

	cancel()
	require.NoError(t, <-errs)
}
