package service_test

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rcssrunner/runner/internal/model"
	"github.com/rcssrunner/runner/internal/service"
	"github.com/rcssrunner/runner/internal/storage/storagetest"
	"github.com/rcssrunner/runner/internal/store"
)

// pending records a finished game whose archive was not uploaded.
func pending(t *testing.T, db *sql.DB, gameID int64, archive string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, store.Start(t.Context(), db, gameID, "run", 6000, now))
	require.NoError(t, store.Finished(t.Context(), db, gameID, store.Finish{
		RunID:         "run",
		State:         "completed",
		FailureKind:   "ArchivalFailed",
		FailureReason: "storage not reachable",
		ArchivePath:   archive,
		At:            now,
	}))
}

func TestRepublish(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	db, err := store.InitDB(t.Context(), filepath.Join(dir, "runner.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	archive := filepath.Join(dir, "42.zip")
	require.NoError(t, os.WriteFile(archive, []byte("zip"), 0o644))
	pending(t, db, 42, archive)
	pending(t, db, 43, filepath.Join(dir, "43.zip"))

	fake := storagetest.NewFake()
	n, err := service.Republish(t.Context(), db, fake, "game-logs")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	b, ok := fake.Object("game-logs", "42.zip")
	require.True(t, ok)
	require.Equal(t, "zip", string(b))

	g, err := store.Get(t.Context(), db, 42)
	require.NoError(t, err)
	require.True(t, *g.Success)
	require.Equal(t, "archived", g.State)
	require.Equal(t, "42.zip", *g.UploadKey)

	left, err := store.Pending(t.Context(), db)
	require.NoError(t, err)
	require.Len(t, left, 1)
	require.EqualValues(t, 43, left[0].GameID)
}

func TestRepublishOffline(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	db, err := store.InitDB(t.Context(), filepath.Join(dir, "runner.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	archive := filepath.Join(dir, "42.zip")
	require.NoError(t, os.WriteFile(archive, []byte("zip"), 0o644))
	pending(t, db, 42, archive)

	fake := storagetest.NewFake().SetOnline(false)
	n, err := service.Republish(t.Context(), db, fake, "game-logs")
	require.ErrorIs(t, err, model.ErrArchivalFailed)
	require.Zero(t, n)
	require.Zero(t, fake.Count("upload"))
}

func TestRepublishNothing(t *testing.T) {
	t.Parallel()
	db, err := store.InitDB(t.Context(), filepath.Join(t.TempDir(), "runner.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	fake := storagetest.NewFake()
	n, err := service.Republish(t.Context(), db, fake, "game-logs")
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, fake.Calls())
}
