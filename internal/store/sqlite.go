// Package store keeps transfer run history in a local SQLite database,
// feeding the status command. It is bookkeeping only; resume correctness
// lives in the checkpoint log.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed run history.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the history database and runs migrations.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping history database: %w", err)
	}
	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history database: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new run row and fills in its ID.
func (s *Store) CreateRun(run *TransferRun) error {
	const query = `
		INSERT INTO transfer_runs (
			session, role, source, dest, start_time, status
		) VALUES (?, ?, ?, ?, ?, ?)
	`
	res, err := s.db.Exec(query,
		run.Session, run.Role, run.Source, run.Dest, run.StartTime, StatusRunning)
	if err != nil {
		return fmt.Errorf("insert transfer run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	run.ID = id
	run.Status = StatusRunning
	return nil
}

// FinishRun records a run's outcome and abandoned paths.
func (s *Store) FinishRun(run *TransferRun, abandoned []AbandonedPath) error {
	now := time.Now()
	run.EndTime = &now
	const query = `
		UPDATE transfer_runs SET
			end_time = ?, bytes_sent = ?, bytes_resumed = ?, bytes_skipped = ?,
			files_sent = ?, files_skipped = ?, deletes = ?, abandoned = ?,
			status = ?, error_message = ?
		WHERE id = ?
	`
	res, err := s.db.Exec(query,
		run.EndTime, run.BytesSent, run.BytesResumed, run.BytesSkipped,
		run.FilesSent, run.FilesSkipped, run.Deletes, run.Abandoned,
		run.Status, run.ErrorMessage, run.ID)
	if err != nil {
		return fmt.Errorf("update transfer run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("transfer run not found: %d", run.ID)
	}
	for _, ap := range abandoned {
		if _, err := s.db.Exec(
			"INSERT INTO abandoned_paths (run_id, rel_path, reason) VALUES (?, ?, ?)",
			run.ID, ap.RelPath, ap.Reason); err != nil {
			return fmt.Errorf("insert abandoned path: %w", err)
		}
	}
	return nil
}

// RecentRuns returns the latest runs, newest first.
func (s *Store) RecentRuns(limit int) ([]TransferRun, error) {
	if limit <= 0 {
		limit = 10
	}
	const query = `
		SELECT id, session, role, source, dest, start_time, end_time,
			bytes_sent, bytes_resumed, bytes_skipped, files_sent,
			files_skipped, deletes, abandoned, status,
			COALESCE(error_message, '')
		FROM transfer_runs ORDER BY start_time DESC, id DESC LIMIT ?
	`
	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("query transfer runs: %w", err)
	}
	defer rows.Close()

	var runs []TransferRun
	for rows.Next() {
		var run TransferRun
		if err := rows.Scan(
			&run.ID, &run.Session, &run.Role, &run.Source, &run.Dest,
			&run.StartTime, &run.EndTime, &run.BytesSent, &run.BytesResumed,
			&run.BytesSkipped, &run.FilesSent, &run.FilesSkipped,
			&run.Deletes, &run.Abandoned, &run.Status, &run.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("scan transfer run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// AbandonedFor returns the abandoned paths recorded for a run.
func (s *Store) AbandonedFor(runID int64) ([]AbandonedPath, error) {
	rows, err := s.db.Query(
		"SELECT id, run_id, rel_path, COALESCE(reason, '') FROM abandoned_paths WHERE run_id = ? ORDER BY id",
		runID)
	if err != nil {
		return nil, fmt.Errorf("query abandoned paths: %w", err)
	}
	defer rows.Close()

	var out []AbandonedPath
	for rows.Next() {
		var ap AbandonedPath
		if err := rows.Scan(&ap.ID, &ap.RunID, &ap.RelPath, &ap.Reason); err != nil {
			return nil, fmt.Errorf("scan abandoned path: %w", err)
		}
		out = append(out, ap)
	}
	return out, rows.Err()
}
