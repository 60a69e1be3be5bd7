package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/companion-lens/core/pkg/jobs"
)

const executionColumns = `id, job_key, status, started_at, finished_at, duration_ms, stop_reason, error_message`

// RecordExecutionStart inserts the history row of a run that just started
func (s *SQLStore) RecordExecutionStart(ctx context.Context, rec jobs.ExecutionRecord) error {
	query := `INSERT INTO job_executions (` + executionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.exec(ctx, "insert", "job_executions", query, executionArgs(rec)...)
	if err != nil {
		return errors.Wrapf(err, "record start of execution %s", rec.ID)
	}
	return nil
}

// RecordExecutionEnd stores the outcome of a run, inserting the row if the
// start was never recorded
func (s *SQLStore) RecordExecutionEnd(ctx context.Context, rec jobs.ExecutionRecord) error {
	query := `UPDATE job_executions
		SET status = ?, finished_at = ?, duration_ms = ?, stop_reason = ?, error_message = ?
		WHERE id = ?`

	affected, err := s.exec(ctx, "update", "job_executions", query,
		rec.Status,
		nullTime(rec.FinishedAt),
		nullInt(rec.DurationMs),
		rec.StopReason,
		rec.ErrorMessage,
		rec.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "record end of execution %s", rec.ID)
	}
	if affected > 0 {
		return nil
	}
	return s.RecordExecutionStart(ctx, rec)
}

// ListExecutions returns the newest executions first. An empty key lists all jobs.
func (s *SQLStore) ListExecutions(ctx context.Context, key string, limit int) ([]jobs.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT ` + executionColumns + ` FROM job_executions`
	args := []interface{}{}
	if key != "" {
		query += ` WHERE job_key = ?`
		args = append(args, key)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "list executions")
	}
	defer func() { _ = rows.Close() }()

	var recs []jobs.ExecutionRecord
	for rows.Next() {
		var (
			rec        jobs.ExecutionRecord
			finishedAt sql.NullTime
			durationMs sql.NullInt64
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.JobKey,
			&rec.Status,
			&rec.StartedAt,
			&finishedAt,
			&durationMs,
			&rec.StopReason,
			&rec.ErrorMessage,
		); err != nil {
			return nil, errors.Wrap(err, "scan execution")
		}
		rec.StartedAt = rec.StartedAt.UTC()
		rec.FinishedAt = timePtr(finishedAt)
		if durationMs.Valid {
			ms := durationMs.Int64
			rec.DurationMs = &ms
		}
		recs = append(recs, rec)
	}
	return recs, errors.Wrap(rows.Err(), "iterate executions")
}

// PruneExecutions deletes history rows that started before cutoff
func (s *SQLStore) PruneExecutions(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM job_executions WHERE started_at < ?`

	affected, err := s.exec(ctx, "delete", "job_executions", query, cutoff.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "prune executions")
	}
	return affected, nil
}

func executionArgs(rec jobs.ExecutionRecord) []interface{} {
	return []interface{}{
		rec.ID,
		rec.JobKey,
		rec.Status,
		rec.StartedAt.UTC(),
		nullTime(rec.FinishedAt),
		nullInt(rec.DurationMs),
		rec.StopReason,
		rec.ErrorMessage,
	}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
