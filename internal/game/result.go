package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/rcssrunner/runner/internal/archive"
	"github.com/rcssrunner/runner/internal/model"
)

const (
	resultSuffix     = ".rcg"
	incompleteMarker = "incomplete"
)

// Validate decides from the file names in logDir whether the server wrote
// a complete game log. A missing or empty directory is not valid, nor is a
// log the server marked as incomplete when it was terminated.
func Validate(ctx context.Context, logDir string) bool {
	entries, err := os.ReadDir(logDir)
	if err != nil {
		slog.ErrorContext(ctx, "game log dir not readable", "dir", logDir, "error", err)
		return false
	}
	var incomplete string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, resultSuffix) {
			continue
		}
		if strings.Contains(name, incompleteMarker) {
			incomplete = name
			continue
		}
		return true
	}
	if incomplete != "" {
		slog.ErrorContext(ctx, "game log is incomplete", "file", incomplete)
	} else {
		slog.ErrorContext(ctx, "game log not found", "dir", logDir)
	}
	return false
}

// Archive packs logDir into dest.
func Archive(ctx context.Context, logDir, dest string) error {
	if err := archive.Zip(ctx, logDir, dest); err != nil {
		return fmt.Errorf("%w: %w", model.ErrArchivalFailed, err)
	}
	return nil
}

// Publish uploads the archive of a game into bucket. Nothing is uploaded
// when the storage is not reachable. There is no retry, the archive stays
// on the disk and Publish can be called again later.
func Publish(ctx context.Context, storage model.RemoteStorage, bucket, archivePath string, gameID int64) error {
	if !storage.CheckConnection(ctx) {
		return fmt.Errorf("%w: storage not reachable", model.ErrArchivalFailed)
	}
	key := ArchiveKey(gameID)
	if err := storage.UploadFile(ctx, bucket, archivePath, key); err != nil {
		return fmt.Errorf("%w: %w", model.ErrArchivalFailed, err)
	}
	slog.InfoContext(ctx, "game log uploaded", "bucket", bucket, "key", key)
	return nil
}

// Outcome is passed to the completion callback once per game.
type Outcome struct {
	GameID      int64  `json:"game_id"`
	RunID       string `json:"run_id"`
	State       State  `json:"state"` // last state before Reported
	Valid       bool   `json:"valid"`
	ExitCode    *int   `json:"exit_code,omitempty"`
	ArchivePath string `json:"archive_path,omitempty"`
	ArchiveKey  string `json:"archive_key,omitempty"`
	Err         error  `json:"-"`
}

// Success reports a game log archived in the storage.
func (o Outcome) Success() bool {
	return o.State == Archived
}

// Kind returns the classified failure reason, empty on success.
func (o Outcome) Kind() string {
	return model.Kind(o.Err)
}

// Pending reports an archive which exists locally but was not uploaded.
func (o Outcome) Pending() bool {
	return o.ArchivePath != "" && errors.Is(o.Err, model.ErrArchivalFailed)
}

func (o Outcome) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("state", o.State.String()),
		slog.Bool("valid", o.Valid),
	}
	if o.ExitCode != nil {
		attrs = append(attrs, slog.Int("exit_code", *o.ExitCode))
	}
	if o.Err != nil {
		attrs = append(attrs, slog.String("kind", o.Kind()), slog.String("reason", o.Err.Error()))
	}
	return slog.GroupValue(attrs...)
}
