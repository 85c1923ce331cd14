package manager_test

import (
	"context"
	"database/sql"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rcssrunner/runner/internal/bundle"
	"github.com/rcssrunner/runner/internal/game"
	"github.com/rcssrunner/runner/internal/game/gametest"
	"github.com/rcssrunner/runner/internal/manager"
	"github.com/rcssrunner/runner/internal/model"
	"github.com/rcssrunner/runner/internal/ports"
	"github.com/rcssrunner/runner/internal/storage/storagetest"
	"github.com/rcssrunner/runner/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var buckets = model.Buckets{
	BaseTeam:   "base-teams",
	TeamConfig: "team-configs",
	GameLog:    "game-logs",
}

func info(id int64) model.GameInfo {
	return model.GameInfo{
		GameID:            id,
		LeftTeamName:      "alpha",
		RightTeamName:     "beta",
		LeftBaseTeamName:  "A",
		RightBaseTeamName: "B",
	}
}

type fixture struct {
	mgr      *manager.Manager
	db       *sql.DB
	pool     *ports.Pool
	storage  *storagetest.Fake
	mx       sync.Mutex
	outcomes []game.Outcome
	done     chan game.Outcome
}

func (f *fixture) Outcomes() []game.Outcome {
	f.mx.Lock()
	defer f.mx.Unlock()
	return append([]game.Outcome(nil), f.outcomes...)
}

func (f *fixture) next(t *testing.T) game.Outcome {
	t.Helper()
	select {
	case out := <-f.done:
		return out
	case <-time.After(10 * time.Second):
		t.Fatal("game did not finish")
		return game.Outcome{}
	}
}

func newFixture(t *testing.T, server string, maxGames int, busy ...int) *fixture {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}

	dataDir := t.TempDir()
	for _, name := range []string{"A", "B"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dataDir, model.BaseTeamDirName, name), 0o755))
	}
	db, err := store.InitDB(t.Context(), filepath.Join(t.TempDir(), "runner.db"))
	require.NoError(t, err)

	f := &fixture{
		db:      db,
		storage: storagetest.NewFake(),
		done:    make(chan game.Outcome, 16),
	}
	f.pool = ports.NewPool(6000).WithBusy(func(context.Context) func(int) bool {
		return func(port int) bool {
			for _, b := range busy {
				if b == port {
					return true
				}
			}
			return false
		}
	})
	f.mgr = manager.New(context.Background(), manager.Config{
		Game: game.Options{
			DataDir:    dataDir,
			ServerPath: gametest.Server(t, server),
			Fetcher:    bundle.NewFetcher(dataDir, f.storage, buckets),
			Storage:    f.storage,
			Bucket:     buckets.GameLog,
			OnFinished: func(_ context.Context, out game.Outcome) {
				f.mx.Lock()
				f.outcomes = append(f.outcomes, out)
				f.mx.Unlock()
				f.done <- out
			},
		},
		DB:       db,
		Pool:     f.pool,
		MaxGames: maxGames,
	})
	t.Cleanup(func() {
		require.NoError(t, f.mgr.Close(context.Background()))
		_ = db.Close()
	})
	return f
}

func TestAddGame(t *testing.T) {
	t.Parallel()
	f := newFixture(t, gametest.Complete, 2)

	resp, err := f.mgr.AddGame(t.Context(), info(42))
	require.NoError(t, err)
	require.True(t, resp.Success)

	out := f.next(t)
	require.True(t, out.Success())
	require.Equal(t, int64(42), out.GameID)
	_, ok := f.storage.Object(buckets.GameLog, "42.zip")
	require.True(t, ok)

	rec, err := store.Get(t.Context(), f.db, 42)
	require.NoError(t, err)
	require.False(t, rec.InProgress)
	require.True(t, *rec.Success)
	require.Equal(t, "archived", rec.State)
	require.Equal(t, "42.zip", *rec.UploadKey)
	require.Equal(t, out.RunID, rec.RunID)

	require.Eventually(t, func() bool {
		return len(f.mgr.Games()) == 0 && f.pool.InUse() == 0
	}, 5*time.Second, 10*time.Millisecond, "finished game must release its ports")

	// redelivery of a finished game is accepted without a rerun
	resp, err = f.mgr.AddGame(t.Context(), info(42))
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Empty(t, f.mgr.Games())
	require.Len(t, f.Outcomes(), 1)
}

func TestAddGameRunning(t *testing.T) {
	t.Parallel()
	f := newFixture(t, gametest.Hang, 1)

	resp, err := f.mgr.AddGame(t.Context(), info(1))
	require.NoError(t, err)
	require.True(t, resp.Success)

	// duplicate is accepted, nothing new starts
	resp, err = f.mgr.AddGame(t.Context(), info(1))
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, 1, f.pool.InUse())

	// capacity
	resp, err = f.mgr.AddGame(t.Context(), info(2))
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Contains(t, resp.Error, "capacity")

	require.Eventually(t, func() bool {
		s, ok := f.mgr.Game(1)
		return ok && s.State == game.Running
	}, 5*time.Second, 10*time.Millisecond)
	games := f.mgr.Games()
	require.Len(t, games, 1)
	require.Equal(t, game.Ports{Port: 6000, Coach: 6001, OnlineCoach: 6002}, games[0].Ports)
	require.NotNil(t, games[0].Started)

	require.NoError(t, f.mgr.StopGame(t.Context(), 1))
	out := f.next(t)
	require.ErrorIs(t, out.Err, model.ErrStopped)

	rec, err := store.Get(t.Context(), f.db, 1)
	require.NoError(t, err)
	require.Equal(t, "stopped", rec.State)
	require.Equal(t, "Stopped", *rec.FailureKind)
	require.False(t, rec.Done(), "a stopped game may be submitted again")
}

func TestAddGamePorts(t *testing.T) {
	t.Parallel()
	f := newFixture(t, gametest.Hang, 3, 6001)

	for id := range int64(2) {
		resp, err := f.mgr.AddGame(t.Context(), info(id))
		require.NoError(t, err)
		require.True(t, resp.Success)
	}
	var got []int
	for _, s := range f.mgr.Games() {
		got = append(got, s.Ports.Port)
	}
	require.Equal(t, []int{6003, 6006}, got)
}

func TestAddGameNoPorts(t *testing.T) {
	t.Parallel()
	mgr := manager.New(t.Context(), manager.Config{
		Game: game.Options{},
		Pool: ports.NewPool(65534).WithBusy(func(context.Context) func(int) bool {
			return func(int) bool { return false }
		}),
	})
	resp, err := mgr.AddGame(t.Context(), info(1))
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Contains(t, resp.Error, "no free port triple")
	require.NoError(t, mgr.Close(t.Context()))
}

func TestStopGameUnknown(t *testing.T) {
	t.Parallel()
	f := newFixture(t, gametest.Complete, 1)
	err := f.mgr.StopGame(t.Context(), 404)
	require.ErrorIs(t, err, manager.ErrNotRunning)
}

func TestClose(t *testing.T) {
	t.Parallel()
	f := newFixture(t, gametest.Hang, 2)
	for id := range int64(2) {
		resp, err := f.mgr.AddGame(t.Context(), info(id))
		require.NoError(t, err)
		require.True(t, resp.Success)
	}
	require.Eventually(t, func() bool {
		games := f.mgr.Games()
		return len(games) == 2 && games[0].State == game.Running && games[1].State == game.Running
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, f.mgr.Close(t.Context()))
	require.Len(t, f.Outcomes(), 2)
	for _, out := range f.Outcomes() {
		require.ErrorIs(t, out.Err, model.ErrStopped)
	}
	require.Empty(t, f.mgr.Games())

	_, err := f.mgr.AddGame(t.Context(), info(3))
	require.ErrorIs(t, err, model.ErrStopped)
}
