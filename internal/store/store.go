// Package store persists one record per game in sqlite. Records outlive
// the runner process: they make job delivery idempotent across restarts and
// remember archives which still wait for an upload.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyFinished = errors.New("already finished")
)

// archivalFailed is the failure kind of a game with an archive left on disk.
const archivalFailed = "ArchivalFailed"

type Game struct {
	GameID        int64      `json:"game_id"`
	RunID         string     `json:"run_id"`
	InProgress    bool       `json:"in_progress"`
	State         string     `json:"state"`
	Port          int        `json:"port"`
	Success       *bool      `json:"success,omitempty"`
	FailureKind   *string    `json:"failure_kind,omitempty"`
	FailureReason *string    `json:"failure_reason,omitempty"`
	ArchivePath   *string    `json:"archive_path,omitempty"`
	UploadKey     *string    `json:"upload_key,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

func (g Game) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "game_id: %d, run_id: %q, in_progress: %t, state: %q", g.GameID, g.RunID, g.InProgress, g.State)
	if g.Success != nil {
		fmt.Fprintf(&sb, ", success: %t", *g.Success)
	} else {
		sb.WriteString(", success: nil")
	}
	if g.FailureKind != nil {
		fmt.Fprintf(&sb, ", failure_kind: %q", *g.FailureKind)
	}
	if g.UploadKey != nil {
		fmt.Fprintf(&sb, ", upload_key: %q", *g.UploadKey)
	}
	return sb.String()
}

// Done reports a game which must not run again: it either uploaded its
// archive or the archive waits on the disk for a republish. A game whose
// archive was never written is not done.
func (g Game) Done() bool {
	if g.InProgress || g.Success == nil {
		return false
	}
	if *g.Success {
		return true
	}
	return g.FailureKind != nil && *g.FailureKind == archivalFailed && g.ArchivePath != nil
}

func InitDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// one writer, sqlite would answer SQLITE_BUSY otherwise
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS games (
			game_id INTEGER PRIMARY KEY,
			run_id TEXT NOT NULL,
			in_progress BOOLEAN NOT NULL,
			state TEXT NOT NULL,
			port INTEGER NOT NULL,
			success BOOLEAN DEFAULT NULL,
			failure_kind TEXT DEFAULT NULL,
			failure_reason TEXT DEFAULT NULL,
			archive_path TEXT DEFAULT NULL,
			upload_key TEXT DEFAULT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER DEFAULT NULL
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func rollback(ctx context.Context, tx *sql.Tx, gameID int64) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.Int64("game_id", gameID))
	}
}

// Start persists that a game identified by gameID is in progress. A game
// which failed before, or was left in progress by a crashed runner, starts
// again under the new runID. ErrAlreadyFinished is returned for a Done game.
func Start(ctx context.Context, db *sql.DB, gameID int64, runID string, port int, now time.Time) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, gameID)

	g, err := get(ctx, tx, gameID)
	switch {
	case err == nil && g.Done():
		return ErrAlreadyFinished
	case err == nil:
		slog.WarnContext(ctx, "restarting game", "previous", g.String())
	case !errors.Is(err, ErrNotFound):
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO games (game_id, run_id, in_progress, state, port, started_at)
		 VALUES (?, ?, true, 'initializing', ?, ?)
		 ON CONFLICT(game_id) DO UPDATE SET
			run_id = excluded.run_id,
			in_progress = true,
			state = excluded.state,
			port = excluded.port,
			success = NULL,
			failure_kind = NULL,
			failure_reason = NULL,
			archive_path = NULL,
			upload_key = NULL,
			started_at = excluded.started_at,
			finished_at = NULL;`,
		gameID, runID, port, now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Get returns the record of a game, ErrNotFound when it does not exist.
func Get(ctx context.Context, db *sql.DB, gameID int64) (Game, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return Game{}, err
	}
	defer rollback(ctx, tx, gameID)

	g, err := get(ctx, tx, gameID)
	if err != nil {
		return Game{}, err
	}
	if err := tx.Commit(); err != nil {
		return Game{}, fmt.Errorf("committing transaction failed: %w", err)
	}
	return g, nil
}

const columns = `game_id, run_id, in_progress, state, port, success, failure_kind,
	failure_reason, archive_path, upload_key, started_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (Game, error) {
	var g Game
	var started int64
	var finished sql.NullInt64
	err := row.Scan(
		&g.GameID,
		&g.RunID,
		&g.InProgress,
		&g.State,
		&g.Port,
		&g.Success,
		&g.FailureKind,
		&g.FailureReason,
		&g.ArchivePath,
		&g.UploadKey,
		&started,
		&finished,
	)
	if err != nil {
		return Game{}, err
	}
	g.StartedAt = time.UnixMilli(started).UTC()
	if finished.Valid {
		t := time.UnixMilli(finished.Int64).UTC()
		g.FinishedAt = &t
	}
	return g, nil
}

func get(ctx context.Context, tx *sql.Tx, gameID int64) (Game, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+columns+` FROM games WHERE game_id=?`, gameID)
	g, err := scan(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Game{}, ErrNotFound
	case err != nil:
		return Game{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return g, nil
}

// Finish describes how a game ended.
type Finish struct {
	RunID         string
	State         string
	Success       bool
	FailureKind   string
	FailureReason string
	ArchivePath   string // empty => no archive
	UploadKey     string // empty => not uploaded
	At            time.Time
}

// Finished stores the end of a game run. It returns ErrAlreadyFinished if
// the game is not in progress and ErrNotFound if the record was replaced by
// another run in the meantime.
func Finished(ctx context.Context, db *sql.DB, gameID int64, f Finish) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, gameID)

	g, err := get(ctx, tx, gameID)
	switch {
	case err != nil:
		return err
	case g.RunID != f.RunID:
		return fmt.Errorf("run %s: %w", f.RunID, ErrNotFound)
	case !g.InProgress:
		return ErrAlreadyFinished
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE games
		 SET
			in_progress = false,
			state = ?,
			success = ?,
			failure_kind = ?,
			failure_reason = ?,
			archive_path = ?,
			upload_key = ?,
			finished_at = ?
		WHERE game_id = ?;
		`, f.State, f.Success, null(f.FailureKind), null(f.FailureReason),
		null(f.ArchivePath), null(f.UploadKey), f.At.UnixMilli(), gameID,
	)
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Pending returns finished games whose archive was not uploaded.
func Pending(ctx context.Context, db *sql.DB) ([]Game, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+columns+` FROM games
		 WHERE in_progress = false AND success = false AND failure_kind = ? AND archive_path IS NOT NULL
		 ORDER BY game_id`, archivalFailed,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ret []Game
	for rows.Next() {
		g, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning row failed: %w", err)
		}
		ret = append(ret, g)
	}
	return ret, rows.Err()
}

// Uploaded marks the archive of a pending game as uploaded under key.
func Uploaded(ctx context.Context, db *sql.DB, gameID int64, key string, state string) error {
	res, err := db.ExecContext(ctx,
		`UPDATE games
		 SET
			state = ?,
			success = true,
			failure_kind = NULL,
			failure_reason = NULL,
			upload_key = ?
		WHERE game_id = ? AND in_progress = false AND failure_kind = ?;
		`, state, key, gameID, archivalFailed,
	)
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if ra != 1 {
		return ErrNotFound
	}
	return nil
}

// Interrupted marks games left in progress by a previous runner process as
// failed. It returns the number of such games.
func Interrupted(ctx context.Context, db *sql.DB, kind, reason string, now time.Time) (int64, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE games
		 SET
			in_progress = false,
			state = 'failed',
			success = false,
			failure_kind = ?,
			failure_reason = ?,
			finished_at = ?
		WHERE in_progress = true;
		`, kind, reason, now.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("executing sql update failed: %w", err)
	}
	return res.RowsAffected()
}

func null(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
