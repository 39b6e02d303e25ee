// Package history keeps a SQLite ledger of pipeline runs.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver (pure Go, no CGO)
)

// busyTimeout avoids "database locked" errors when runs overlap.
const busyTimeout = 5 * time.Second

// Run is one ledger entry.
type Run struct {
	RunID          string
	StartedAt      time.Time
	FinishedAt     time.Time
	Mode           string
	Port           int
	Recording      string
	FrameDir       string
	Frames         int
	Video          string
	VideoSizeBytes int64
	ExitCode       int
	Outcome        string
	FailedStage    string
	Error          string
}

// Duration returns the wall time of the run.
func (r Run) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Store provides SQLite persistence for run history.
type Store struct {
	db *sql.DB
}

// Open opens or creates the ledger at dbPath and runs migrations.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		dbPath, busyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL,
		mode TEXT NOT NULL CHECK(mode IN ('follow', 'camera', 'data')),
		port INTEGER NOT NULL,
		recording TEXT NOT NULL,
		frame_dir TEXT NOT NULL,
		frames INTEGER NOT NULL DEFAULT 0,
		video TEXT NOT NULL DEFAULT '',
		video_size_bytes INTEGER NOT NULL DEFAULT 0,
		exit_code INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		failed_stage TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Record inserts or replaces a run.
func (s *Store) Record(ctx context.Context, r Run) error {
	query := `
	INSERT INTO runs (run_id, started_at, finished_at, mode, port, recording, frame_dir,
		frames, video, video_size_bytes, exit_code, outcome, failed_stage, error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(run_id) DO UPDATE SET
		finished_at = excluded.finished_at,
		frames = excluded.frames,
		video = excluded.video,
		video_size_bytes = excluded.video_size_bytes,
		exit_code = excluded.exit_code,
		outcome = excluded.outcome,
		failed_stage = excluded.failed_stage,
		error = excluded.error
	`
	_, err := s.db.ExecContext(ctx, query,
		r.RunID,
		r.StartedAt.UTC().Format(time.RFC3339Nano),
		r.FinishedAt.UTC().Format(time.RFC3339Nano),
		r.Mode, r.Port, r.Recording, r.FrameDir,
		r.Frames, r.Video, r.VideoSizeBytes,
		r.ExitCode, r.Outcome, r.FailedStage, r.Error,
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", r.RunID, err)
	}
	return nil
}

// List returns up to limit runs, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	query := `
	SELECT run_id, started_at, finished_at, mode, port, recording, frame_dir,
		frames, video, video_size_bytes, exit_code, outcome, failed_stage, error
	FROM runs
	ORDER BY started_at DESC
	LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		var r Run
		var started, finished string
		if err := rows.Scan(&r.RunID, &started, &finished, &r.Mode, &r.Port, &r.Recording, &r.FrameDir,
			&r.Frames, &r.Video, &r.VideoSizeBytes, &r.ExitCode, &r.Outcome, &r.FailedStage, &r.Error); err != nil {
			return nil, err
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		runs = append(runs, r)
	}

	return runs, rows.Err()
}
