package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/rcssrunner/runner/internal/game"
	"github.com/rcssrunner/runner/internal/log"
	"github.com/rcssrunner/runner/internal/model"
	"github.com/rcssrunner/runner/internal/parallel"
	"github.com/rcssrunner/runner/internal/store"
)

// republishLimit is the number of archives uploaded at once.
const republishLimit = 4

// Republish uploads the archives which failed to upload when their game
// finished. It returns the number of uploaded archives. An archive missing
// on the disk is skipped and stays pending.
func Republish(ctx context.Context, db *sql.DB, storage model.RemoteStorage, bucket string) (int, error) {
	pending, err := store.Pending(ctx, db)
	if err != nil {
		return 0, fmt.Errorf("listing pending archives: %w", err)
	}
	if len(pending) == 0 {
		slog.DebugContext(ctx, "no pending archives")
		return 0, nil
	}
	if !storage.CheckConnection(ctx) {
		return 0, fmt.Errorf("%w: storage not reachable, %d archives pending", model.ErrArchivalFailed, len(pending))
	}

	errMissing := errors.New("archive missing")
	publish := func(ctx context.Context, g store.Game) error {
		ctx = log.WithGame(ctx, g.GameID, g.RunID)
		path := *g.ArchivePath
		if _, err := os.Stat(path); err != nil {
			slog.WarnContext(ctx, "pending archive not found", "path", path, "error", err)
			return errMissing
		}
		if err := game.Publish(ctx, storage, bucket, path, g.GameID); err != nil {
			return fmt.Errorf("game %d: %w", g.GameID, err)
		}
		return store.Uploaded(ctx, db, g.GameID, game.ArchiveKey(g.GameID), game.Archived.String())
	}

	errs := parallel.Do(ctx, republishLimit, slices.Values(pending), publish)
	var failed []error
	for _, err := range errs {
		if !errors.Is(err, errMissing) {
			failed = append(failed, err)
		}
	}
	uploaded := len(pending) - len(errs)
	slog.InfoContext(ctx, "republish finished", "pending", len(pending), "uploaded", uploaded, "failed", len(failed))
	return uploaded, errors.Join(failed...)
}
