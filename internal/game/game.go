// Package game drives one match from the dependency fetch to the final
// report. A Game owns its run configuration and the server process handle;
// nothing else in the runner refers to either.
package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rcssrunner/runner/internal/bundle"
	"github.com/rcssrunner/runner/internal/log"
	"github.com/rcssrunner/runner/internal/model"
	"github.com/rcssrunner/runner/internal/process"
)

// Fetcher resolves a bundle into a local directory.
type Fetcher interface {
	Ensure(ctx context.Context, kind bundle.Kind, key string) (string, error)
}

// FinishedFunc is the completion callback. It is called exactly once per Game.
type FinishedFunc func(ctx context.Context, outcome Outcome)

// DefaultStopTimeout bounds the wait for the server tree on shutdown.
const DefaultStopTimeout = 10 * time.Second

type Options struct {
	DataDir    string
	ServerPath string
	Fetcher    Fetcher
	Storage    model.RemoteStorage
	Bucket     string // game log bucket
	OnFinished FinishedFunc

	// StopTimeout bounds the wait for the server on shutdown, DefaultStopTimeout if zero.
	StopTimeout time.Duration
}

func (o Options) stopTimeout() time.Duration {
	if o.StopTimeout <= 0 {
		return DefaultStopTimeout
	}
	return o.StopTimeout
}

type Game struct {
	info  model.GameInfo
	ports Ports
	runID string
	opts  Options

	mx       sync.Mutex
	state    State
	started  time.Time
	handle   *process.Handle
	stop     chan struct{}
	stopOnce sync.Once
	ran      bool
}

func New(info model.GameInfo, ports Ports, opts Options) *Game {
	return &Game{
		info:  info,
		ports: ports,
		runID: uuid.NewString(),
		opts:  opts,
		state: Initializing,
		stop:  make(chan struct{}),
	}
}

func (g *Game) Info() model.GameInfo { return g.info }
func (g *Game) Ports() Ports         { return g.ports }
func (g *Game) RunID() string        { return g.runID }

func (g *Game) State() State {
	g.mx.Lock()
	defer g.mx.Unlock()
	return g.state
}

// Started returns the time the server process was launched, zero before.
func (g *Game) Started() time.Time {
	g.mx.Lock()
	defer g.mx.Unlock()
	return g.started
}

func (g *Game) setState(ctx context.Context, to State) {
	g.mx.Lock()
	from := g.state
	if !CanTransition(from, to) {
		g.mx.Unlock()
		panic(fmt.Sprintf("game %d: illegal transition %s -> %s", g.info.GameID, from, to))
	}
	g.state = to
	g.mx.Unlock()
	slog.DebugContext(ctx, "game state", "from", from, "to", to)
}

func (g *Game) stopRequested() bool {
	select {
	case <-g.stop:
		return true
	default:
		return false
	}
}

// Run drives the game to Reported and returns the outcome passed to the
// completion callback. A canceled ctx is treated as a stop request. The
// dependency fetch and the archive upload are not interrupted by ctx, the
// game stops once they are done.
func (g *Game) Run(ctx context.Context) Outcome {
	g.mx.Lock()
	if g.ran {
		g.mx.Unlock()
		panic(fmt.Sprintf("game %d: Run called twice", g.info.GameID))
	}
	g.ran = true
	g.mx.Unlock()

	ctx = log.WithGame(ctx, g.info.GameID, g.runID)
	slog.InfoContext(ctx, "game accepted", "game", g.info, "port", g.ports.Port)

	out := g.run(ctx)
	out.GameID = g.info.GameID
	out.RunID = g.runID
	out.State = g.State()
	g.setState(ctx, Reported)

	if out.Err != nil {
		slog.ErrorContext(ctx, "game finished", "outcome", out)
	} else {
		slog.InfoContext(ctx, "game finished", "outcome", out)
	}
	if g.opts.OnFinished != nil {
		g.opts.OnFinished(context.WithoutCancel(ctx), out)
	}
	return out
}

func (g *Game) run(ctx context.Context) Outcome {
	if err := g.fetch(context.WithoutCancel(ctx)); err != nil {
		return g.fail(ctx, err)
	}
	if g.stopRequested() || ctx.Err() != nil {
		return g.stopped(ctx, Outcome{})
	}
	g.setState(ctx, DependenciesReady)

	cfg := NewRunConfig(g.info, g.opts.DataDir, g.ports)
	if err := cfg.Prepare(); err != nil {
		return g.fail(ctx, fmt.Errorf("creating log dir: %w", err))
	}
	if err := executable(g.opts.ServerPath); err != nil {
		return g.fail(ctx, fmt.Errorf("%w: %w", model.ErrLaunchFailed, err))
	}

	h, err := g.launch(ctx, cfg)
	if errors.Is(err, model.ErrStopped) {
		return g.stopped(ctx, Outcome{})
	}
	if err != nil {
		return g.fail(ctx, err)
	}

	select {
	case <-h.Done():
	case <-ctx.Done():
		slog.WarnContext(ctx, "runner shutting down, stopping game")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.opts.stopTimeout())
		err := g.Stop(sctx)
		cancel()
		if err != nil {
			slog.ErrorContext(ctx, "stopping game failed", "error", err)
		}
		if !h.Exited() {
			out := g.stopped(ctx, Outcome{})
			out.Err = fmt.Errorf("%w: server did not exit within %s", model.ErrStopped, g.opts.stopTimeout())
			return out
		}
	}
	res := h.Result()
	code := res.ExitCode
	out := Outcome{ExitCode: &code}
	if len(res.Stderr) > 0 {
		slog.DebugContext(ctx, "server stderr", "stderr", string(res.Stderr))
	}
	if g.stopRequested() {
		return g.stopped(ctx, out)
	}
	slog.InfoContext(ctx, "server exited", "exit_code", code, "duration", res.Stopped.Sub(res.Started))
	g.setState(ctx, Completed)

	if !Validate(ctx, cfg.GameLogDir) {
		out.Err = fmt.Errorf("%w: no complete game log in %s", model.ErrInvalidResult, cfg.GameLogDir)
		return out
	}
	out.Valid = true

	// no cancellation from here on, the archive is the result of the game
	ctx = context.WithoutCancel(ctx)
	if err := Archive(ctx, cfg.GameLogDir, cfg.ArchivePath); err != nil {
		out.Err = err
		return out
	}
	out.ArchivePath = cfg.ArchivePath
	if err := Publish(ctx, g.opts.Storage, g.opts.Bucket, cfg.ArchivePath, g.info.GameID); err != nil {
		out.Err = err
		return out
	}
	out.ArchiveKey = ArchiveKey(g.info.GameID)
	g.setState(ctx, Archived)
	return out
}

// fetch resolves the base teams and the team configurations in order.
func (g *Game) fetch(ctx context.Context) error {
	deps := []struct {
		kind bundle.Kind
		key  string
	}{
		{bundle.BaseTeam, g.info.LeftBaseTeamName},
		{bundle.BaseTeam, g.info.RightBaseTeamName},
		{bundle.TeamConfig, g.info.LeftConfigKey()},
		{bundle.TeamConfig, g.info.RightConfigKey()},
	}
	for _, d := range deps {
		if d.kind == bundle.TeamConfig && d.key == model.NoConfig {
			continue
		}
		if _, err := g.opts.Fetcher.Ensure(ctx, d.kind, d.key); err != nil {
			return err
		}
	}
	return nil
}

// launch starts the server unless a stop arrived in the meantime. The
// handle is published under the lock so Stop either sees it or prevents it.
func (g *Game) launch(ctx context.Context, cfg RunConfig) (*process.Handle, error) {
	g.mx.Lock()
	defer g.mx.Unlock()
	if g.stopRequested() || ctx.Err() != nil {
		return nil, model.ErrStopped
	}
	line := g.opts.ServerPath + " " + cfg.Args()
	slog.DebugContext(ctx, "starting server", "command", line)
	h, err := process.Start(ctx, process.Shell(line))
	if err != nil {
		return nil, err
	}
	g.handle = h
	g.started = time.Now().UTC()
	g.state = Running
	return h, nil
}

func (g *Game) fail(ctx context.Context, err error) Outcome {
	if g.stopRequested() || ctx.Err() != nil {
		return g.stopped(ctx, Outcome{})
	}
	g.setState(ctx, Failed)
	return Outcome{Err: err}
}

func (g *Game) stopped(ctx context.Context, out Outcome) Outcome {
	g.setState(ctx, Stopped)
	out.Err = model.ErrStopped
	return out
}

// Stop requests the game to end. A running server is terminated together
// with its process tree and Stop blocks until it is gone. Stopping a game
// whose server has already exited has no effect on its outcome.
func (g *Game) Stop(ctx context.Context) error {
	g.mx.Lock()
	h := g.handle
	if h != nil && h.Exited() {
		g.mx.Unlock()
		return nil
	}
	g.stopOnce.Do(func() { close(g.stop) })
	g.mx.Unlock()

	if h == nil {
		return nil
	}
	return h.Terminate(ctx)
}

func executable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%s: not an executable file", path)
	}
	return nil
}
