package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var _ RunRepository = (*RunStore)(nil)

type RunStore struct {
	db *DB
}

func NewRunRepository(db *DB) *RunStore {
	return &RunStore{db: db}
}

func (r *RunStore) SaveRun(ctx context.Context, run Run) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_runs (finished_at, total_processed, successful_count, failed_count, duration_seconds, summary)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.FinishedAt, run.TotalProcessed, run.SuccessfulCount, run.FailedCount, run.DurationSeconds, string(run.Summary))
	if err != nil {
		return 0, fmt.Errorf("failed to save refresh run: %w", err)
	}
	return res.LastInsertId()
}

func (r *RunStore) GetLastRun(ctx context.Context) (*Run, error) {
	var run Run
	var summary string

	err := r.db.QueryRowContext(ctx, `
		SELECT id, finished_at, total_processed, successful_count, failed_count, duration_seconds, summary
		FROM refresh_runs
		ORDER BY finished_at DESC, id DESC
		LIMIT 1
	`).Scan(&run.ID, &run.FinishedAt, &run.TotalProcessed, &run.SuccessfulCount,
		&run.FailedCount, &run.DurationSeconds, &summary)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("refresh run: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read last refresh run: %w", err)
	}

	run.Summary = []byte(summary)
	return &run, nil
}
