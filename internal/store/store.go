// Package store persists the finished-jobs listing in sqlite, so finished
// datasets remain downloadable across restarts.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/CZERTAINLY/harmonizer/internal/registry"
)

var ErrNotFound = errors.New("not found")

// Store is a ledger of finished jobs.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path. Use ":memory:" in tests.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers anyway, and ":memory:" is per connection
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS finished_jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL UNIQUE,
			owner TEXT NOT NULL,
			dataset TEXT NOT NULL,
			created INTEGER NOT NULL,
			finished INTEGER NOT NULL,
			exit_code INTEGER NOT NULL,
			signal TEXT NOT NULL DEFAULT '',
			archive TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT ''
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func rollback(ctx context.Context, tx *sql.Tx, jobID string) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "rollback failed", "job_id", jobID, "error", err)
	}
}

// Record stores a finished job. Recording the same job id again replaces
// the previous row.
func (s *Store) Record(ctx context.Context, j registry.Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, j.ID)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO finished_jobs
			(job_id, owner, dataset, created, finished, exit_code, signal, archive, error)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(job_id) DO UPDATE SET
			finished = excluded.finished,
			exit_code = excluded.exit_code,
			signal = excluded.signal,
			archive = excluded.archive,
			error = excluded.error;`,
		j.ID, j.Owner, j.Dataset,
		j.Created.UnixMilli(), j.Finished.UnixMilli(),
		j.ExitCode, j.Signal, j.Archive, j.Error,
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// List returns finished jobs in the order they were recorded.
func (s *Store) List(ctx context.Context) ([]registry.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, owner, dataset, created, finished, exit_code, signal, archive, error
		FROM finished_jobs ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ret []registry.Job
	for rows.Next() {
		var (
			j                 registry.Job
			created, finished int64
		)
		err := rows.Scan(&j.ID, &j.Owner, &j.Dataset, &created, &finished,
			&j.ExitCode, &j.Signal, &j.Archive, &j.Error)
		if err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		j.Phase = registry.PhaseDone
		j.Created = time.UnixMilli(created).UTC()
		j.Finished = time.UnixMilli(finished).UTC()
		ret = append(ret, j)
	}
	return ret, rows.Err()
}

// Delete removes a finished job, it returns ErrNotFound for an unknown id.
func (s *Store) Delete(ctx context.Context, jobID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, jobID)

	result, err := tx.ExecContext(ctx,
		`DELETE FROM finished_jobs WHERE job_id=?`, jobID,
	)
	if err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}
	ra, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if ra != 1 {
		return ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}
