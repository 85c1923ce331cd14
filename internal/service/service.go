package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/errgroup"

	"github.com/rcssrunner/runner/internal/bundle"
	"github.com/rcssrunner/runner/internal/game"
	"github.com/rcssrunner/runner/internal/intake"
	"github.com/rcssrunner/runner/internal/manager"
	"github.com/rcssrunner/runner/internal/model"
	"github.com/rcssrunner/runner/internal/ports"
	"github.com/rcssrunner/runner/internal/storage"
	"github.com/rcssrunner/runner/internal/store"
)

const shutdownTimeout = 30 * time.Second

type options struct {
	storage    model.RemoteStorage
	transport  intake.Transport
	busy       func(ctx context.Context) func(port int) bool
	onFinished game.FinishedFunc
}

type Option func(*options)

// WithStorage replaces the S3 storage built from the configuration.
func WithStorage(s model.RemoteStorage) Option {
	return func(o *options) { o.storage = s }
}

// WithTransport replaces the AMQP consumer built from the configuration.
func WithTransport(t intake.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithBusyPorts replaces the socket table lookup of the port pool.
func WithBusyPorts(busy func(ctx context.Context) func(port int) bool) Option {
	return func(o *options) { o.busy = busy }
}

// WithOnFinished registers a completion callback, called after the outcome
// was recorded.
func WithOnFinished(fn game.FinishedFunc) Option {
	return func(o *options) { o.onFinished = fn }
}

// Service is the runner worker. It owns every long living component.
type Service struct {
	cfg       model.Config
	db        *sql.DB
	storage   model.RemoteStorage
	transport intake.Transport
	manager   *manager.Manager
	pipeline  *intake.Pipeline
	scheduler gocron.Scheduler
}

// New builds the worker from the configuration. Games interrupted by a
// previous process are recorded as failed. The caller must call Close.
func New(ctx context.Context, cfg model.Config, opts ...Option) (*Service, error) {
	if cfg.Version != 0 {
		return nil, fmt.Errorf("config version %d is not supported, expected 0", cfg.Version)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.storage == nil {
		o.storage = storage.New(cfg.Storage)
	}
	if o.transport == nil {
		o.transport = intake.NewAMQP(cfg.AMQP)
	}

	db, err := openDB(ctx, cfg)
	if err != nil {
		return nil, err
	}

	parser, err := intake.NewParser(cfg.AMQP.Tolerant)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing job parser: %w", err)
	}

	pool := ports.NewPool(cfg.Runner.BasePort)
	if o.busy != nil {
		pool = pool.WithBusy(o.busy)
	}

	s := &Service{
		cfg:       cfg,
		db:        db,
		storage:   o.storage,
		transport: o.transport,
	}
	s.manager = manager.New(ctx, manager.Config{
		Game: game.Options{
			DataDir:    cfg.Runner.DataDir,
			ServerPath: cfg.Runner.ServerPath(),
			Fetcher:    bundle.NewFetcher(cfg.Runner.DataDir, o.storage, cfg.Storage.Buckets),
			Storage:    o.storage,
			Bucket:     cfg.Storage.Buckets.GameLog,
			OnFinished: o.onFinished,
		},
		DB:       db,
		Pool:     pool,
		MaxGames: cfg.Runner.MaxGames,
	})
	s.pipeline = intake.New(intake.ConfigFrom(cfg.AMQP, parser, s.manager))

	s.scheduler, err = newScheduler(ctx, cfg.Service.Republish, func() {
		if _, err := s.Republish(ctx); err != nil {
			slog.WarnContext(ctx, "scheduled republish failed", "error", err)
		}
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing republish schedule: %w", err)
	}
	return s, nil
}

func openDB(ctx context.Context, cfg model.Config) (*sql.DB, error) {
	path := cfg.DBPath()
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	db, err := store.InitDB(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	n, err := store.Interrupted(ctx, db, "Interrupted", "runner exited while the game was in progress", time.Now().UTC())
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("marking interrupted games: %w", err)
	}
	if n > 0 {
		slog.WarnContext(ctx, "games interrupted by a previous run", "count", n)
	}
	return db, nil
}

// Manager returns the job manager.
func (s *Service) Manager() *manager.Manager {
	return s.manager
}

// Republish uploads the archives left on the disk.
func (s *Service) Republish(ctx context.Context) (int, error) {
	return Republish(ctx, s.db, s.storage, s.cfg.Storage.Buckets.GameLog)
}

// Do consumes jobs until ctx is canceled. The HTTP API is served when
// service.listen is set. On return the running games are stopped.
func (s *Service) Do(ctx context.Context) error {
	slog.InfoContext(ctx, "runner starting", "config", s.cfg)
	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := s.manager.Close(ctx); err != nil {
			slog.ErrorContext(ctx, "stopping games", "error", err)
		}
	}()

	if s.scheduler != nil {
		s.scheduler.Start()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.pipeline.Run(ctx, s.transport)
	})
	if s.cfg.Service.Listen != "" {
		srv := &http.Server{
			Addr:              s.cfg.Service.Listen,
			Handler:           s.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			slog.InfoContext(ctx, "http api listening", "addr", srv.Addr)
			err := srv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("http api: %w", err)
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	err := g.Wait()
	slog.InfoContext(ctx, "runner stopping", "error", err)
	return err
}

// Close stops the republish schedule and releases the database. Call it
// after Do returned.
func (s *Service) Close() error {
	var errs []error
	if s.scheduler != nil {
		if err := s.scheduler.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("stopping scheduler: %w", err))
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing database: %w", err))
	}
	return errors.Join(errs...)
}
