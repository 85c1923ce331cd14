package bundle_test

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"

	"github.com/rcssrunner/runner/internal/bundle"
	"github.com/rcssrunner/runner/internal/model"
	"github.com/rcssrunner/runner/internal/storage/storagetest"
)

var buckets = model.Buckets{
	BaseTeam:   "base-teams",
	TeamConfig: "team-configs",
	GameLog:    "game-logs",
}

func zipOf(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestEnsureCacheHit(t *testing.T) {
	t.Parallel()
	dataDir := t.TempDir()
	store := storagetest.NewFake()
	f := bundle.NewFetcher(dataDir, store, buckets)

	cached := filepath.Join(dataDir, model.BaseTeamDirName, "A")
	require.NoError(t, os.MkdirAll(cached, 0o755))

	path, err := f.Ensure(t.Context(), bundle.BaseTeam, "A")
	require.NoError(t, err)
	require.Equal(t, cached, path)
	require.Empty(t, store.Calls(), "cache hit must not touch the storage")
}

func TestEnsureDownload(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		kind     bundle.Kind
		key      string
		bucket   string
		object   string
		dir      string
	}{
		{"base team", bundle.BaseTeam, "helios", buckets.BaseTeam, "helios.zip", model.BaseTeamDirName},
		{"team config", bundle.TeamConfig, "17", buckets.TeamConfig, "17", model.TeamConfigDirName},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			dataDir := t.TempDir()
			store := storagetest.NewFake().Put(tc.bucket, tc.object, zipOf(t, map[string]string{
				tc.key + "/start.sh": "#!/bin/sh\n",
			}))
			f := bundle.NewFetcher(dataDir, store, buckets)

			path, err := f.Ensure(t.Context(), tc.kind, tc.key)
			require.NoError(t, err)
			require.Equal(t, filepath.Join(dataDir, tc.dir, tc.key), path)
			require.FileExists(t, filepath.Join(path, "start.sh"))
			require.NoFileExists(t, filepath.Join(dataDir, tc.dir, tc.key+".zip"), "downloaded archive must be removed")
			require.Equal(t, []storagetest.Call{
				{Op: "check"},
				{Op: "download", Bucket: tc.bucket, Key: tc.object},
			}, store.Calls())

			// second call is served from the disk
			_, err = f.Ensure(t.Context(), tc.kind, tc.key)
			require.NoError(t, err)
			require.Equal(t, 1, store.Count("download"))
		})
	}
}

func TestEnsureUnavailable(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		store    *storagetest.Fake
	}{
		{"offline", storagetest.NewFake().SetOnline(false)},
		{"missing object", storagetest.NewFake()},
		{"broken archive", storagetest.NewFake().Put(buckets.BaseTeam, "A.zip", []byte("not a zip"))},
		{"wrong layout", storagetest.NewFake().Put(buckets.BaseTeam, "A.zip", zipOf(t, map[string]string{"B/start.sh": ""}))},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			dataDir := t.TempDir()
			f := bundle.NewFetcher(dataDir, tc.store, buckets)
			_, err := f.Ensure(t.Context(), bundle.BaseTeam, "A")
			require.ErrorIs(t, err, model.ErrDependencyUnavailable)
			require.NoDirExists(t, filepath.Join(dataDir, model.BaseTeamDirName, "A"))
		})
	}
}

func TestEnsureInvalidKey(t *testing.T) {
	t.Parallel()
	f := bundle.NewFetcher(t.TempDir(), storagetest.NewFake(), buckets)
	for _, key := range []string{"", ".", "../etc", "a/b"} {
		_, err := f.Ensure(t.Context(), bundle.BaseTeam, key)
		require.ErrorIs(t, err, model.ErrDependencyUnavailable, key)
	}
}

func TestEnsureConcurrent(t *testing.T) {
	t.Parallel()
	dataDir := t.TempDir()
	store := storagetest.NewFake().Put(buckets.BaseTeam, "A.zip", zipOf(t, map[string]string{
		"A/start.sh": "#!/bin/sh\n",
	}))
	f := bundle.NewFetcher(dataDir, store, buckets)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for range 16 {
		wg.Go(func() {
			_, err := f.Ensure(t.Context(), bundle.BaseTeam, "A")
			errs <- err
		})
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 1, store.Count("download"))
}
