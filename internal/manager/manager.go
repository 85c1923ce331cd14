// Package manager is the job manager behind the intake pipeline. It
// admits games, gives each one a port triple and runs it, and records the
// outcomes in the store.
package manager

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/rcssrunner/runner/internal/game"
	"github.com/rcssrunner/runner/internal/model"
	"github.com/rcssrunner/runner/internal/ports"
	"github.com/rcssrunner/runner/internal/store"
)

var ErrNotRunning = errors.New("game not running")

type Config struct {
	Game     game.Options // OnFinished is called after the manager recorded the outcome
	DB       *sql.DB      // nil => outcomes are not persisted
	Pool     *ports.Pool
	MaxGames int
}

type Manager struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc
	now    func() time.Time

	mx     sync.Mutex
	games  map[int64]*game.Game
	closed bool
	wg     sync.WaitGroup
}

// New returns a manager running its games under ctx. Canceling ctx stops
// all games, same as Close.
func New(ctx context.Context, cfg Config) *Manager {
	if cfg.MaxGames < 1 {
		cfg.MaxGames = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Manager{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		now:    func() time.Time { return time.Now().UTC() },
		games:  make(map[int64]*game.Game),
	}
}

// AddGame admits a game. A game which is already running or finished is
// accepted again without starting anything. A full manager or no free port
// triple gives a rejection, the caller is expected to retry later.
func (m *Manager) AddGame(ctx context.Context, info model.GameInfo) (model.AddGameResponse, error) {
	m.mx.Lock()
	defer m.mx.Unlock()

	if m.closed {
		return model.AddGameResponse{}, fmt.Errorf("manager: %w", model.ErrStopped)
	}
	if _, ok := m.games[info.GameID]; ok {
		slog.InfoContext(ctx, "game already running: ignoring", "game_id", info.GameID)
		return model.Accepted(), nil
	}
	if len(m.games) >= m.cfg.MaxGames {
		return model.Rejected("capacity of %d games reached", m.cfg.MaxGames), nil
	}
	if m.cfg.DB != nil {
		rec, err := store.Get(ctx, m.cfg.DB, info.GameID)
		switch {
		case err == nil && rec.Done():
			slog.InfoContext(ctx, "game already finished: ignoring", "game_id", info.GameID, "record", rec.String())
			return model.Accepted(), nil
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return model.AddGameResponse{}, fmt.Errorf("reading game record: %w", err)
		}
	}

	port, err := m.cfg.Pool.Acquire(ctx)
	if err != nil {
		return model.Rejected("%s", err), nil
	}

	opts := m.cfg.Game
	opts.OnFinished = func(ctx context.Context, out game.Outcome) {
		m.finished(ctx, port, out)
	}
	g := game.New(info, game.PortsFrom(port), opts)

	if m.cfg.DB != nil {
		err := store.Start(ctx, m.cfg.DB, info.GameID, g.RunID(), port, m.now())
		if err != nil {
			m.cfg.Pool.Release(port)
			if errors.Is(err, store.ErrAlreadyFinished) {
				return model.Accepted(), nil
			}
			return model.AddGameResponse{}, fmt.Errorf("recording game start: %w", err)
		}
	}

	m.games[info.GameID] = g
	m.wg.Go(func() {
		g.Run(m.ctx)
	})
	return model.Accepted(), nil
}

func (m *Manager) finished(ctx context.Context, port int, out game.Outcome) {
	m.cfg.Pool.Release(port)
	if m.cfg.DB != nil {
		f := store.Finish{
			RunID:       out.RunID,
			State:       out.State.String(),
			Success:     out.Success(),
			FailureKind: out.Kind(),
			ArchivePath: out.ArchivePath,
			UploadKey:   out.ArchiveKey,
			At:          m.now(),
		}
		if out.Err != nil {
			f.FailureReason = out.Err.Error()
		}
		if err := store.Finished(ctx, m.cfg.DB, out.GameID, f); err != nil {
			slog.ErrorContext(ctx, "recording game outcome failed", "error", err)
		}
	}

	m.mx.Lock()
	delete(m.games, out.GameID)
	m.mx.Unlock()

	if m.cfg.Game.OnFinished != nil {
		m.cfg.Game.OnFinished(ctx, out)
	}
}

// Status is a snapshot of a running game.
type Status struct {
	GameID  int64          `json:"game_id"`
	RunID   string         `json:"run_id"`
	State   game.State     `json:"state"`
	Ports   game.Ports     `json:"ports"`
	Started *time.Time     `json:"started,omitempty"`
	Info    model.GameInfo `json:"game_info"`
}

func status(g *game.Game) Status {
	s := Status{
		GameID: g.Info().GameID,
		RunID:  g.RunID(),
		State:  g.State(),
		Ports:  g.Ports(),
		Info:   g.Info(),
	}
	if t := g.Started(); !t.IsZero() {
		s.Started = &t
	}
	return s
}

// Games returns the running games ordered by id.
func (m *Manager) Games() []Status {
	m.mx.Lock()
	defer m.mx.Unlock()
	ret := make([]Status, 0, len(m.games))
	for _, g := range m.games {
		ret = append(ret, status(g))
	}
	slices.SortFunc(ret, func(a, b Status) int {
		return cmp.Compare(a.GameID, b.GameID)
	})
	return ret
}

func (m *Manager) Game(gameID int64) (Status, bool) {
	m.mx.Lock()
	defer m.mx.Unlock()
	g, ok := m.games[gameID]
	if !ok {
		return Status{}, false
	}
	return status(g), true
}

// StopGame requests an explicit stop of a running game and waits until its
// server is gone. The outcome is still reported through the callback.
func (m *Manager) StopGame(ctx context.Context, gameID int64) error {
	m.mx.Lock()
	g, ok := m.games[gameID]
	m.mx.Unlock()
	if !ok {
		return fmt.Errorf("game %d: %w", gameID, ErrNotRunning)
	}
	slog.InfoContext(ctx, "stopping game", "game_id", gameID)
	return g.Stop(ctx)
}

// Close rejects new games, stops the running ones and waits until every
// one of them has reported.
func (m *Manager) Close(ctx context.Context) error {
	m.mx.Lock()
	m.closed = true
	games := make([]*game.Game, 0, len(m.games))
	for _, g := range m.games {
		games = append(games, g)
	}
	m.mx.Unlock()

	var errs []error
	for _, g := range games {
		if err := g.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping game %d: %w", g.Info().GameID, err))
		}
	}
	m.cancel()
	m.wg.Wait()
	return errors.Join(errs...)
}
