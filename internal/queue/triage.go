package queue

import (
	"context"
	"time"
)

// FailedJobSummary is one row of the triage listing.
type FailedJobSummary struct {
	ID           string
	Class        string
	AttemptsMade int
	MaxAttempts  int
	LastError    *string
	EnqueuedAt   time.Time
	FinishedAt   *time.Time
}

// ListFailedJobs returns recent failed jobs, newest failures first.
func (s *Store) ListFailedJobs(ctx context.Context, limit int, class string) ([]FailedJobSummary, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, class, attempts_made, max_attempts, last_error, enqueued_at, finished_at
		FROM query_jobs
		WHERE state = 'failed'
	`
	args := []any{limit}
	if class != "" {
		query += " AND class = $2"
		args = append(args, class)
	}
	query += " ORDER BY finished_at DESC NULLS LAST, seq DESC LIMIT $1"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []FailedJobSummary
	for rows.Next() {
		var item FailedJobSummary
		if err := rows.Scan(
			&item.ID,
			&item.Class,
			&item.AttemptsMade,
			&item.MaxAttempts,
			&item.LastError,
			&item.EnqueuedAt,
			&item.FinishedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// RetryFailedJob resets a failed job to waiting with a fresh attempt budget.
func (s *Store) RetryFailedJob(ctx context.Context, id string) (int64, error) {
	return s.retryFailed(ctx, `WHERE id = $1 AND state = 'failed'`, id)
}

// RetryAllFailedJobs resets every failed job to waiting.
func (s *Store) RetryAllFailedJobs(ctx context.Context) (int64, error) {
	return s.retryFailed(ctx, `WHERE state = 'failed'`)
}

func (s *Store) retryFailed(ctx context.Context, where string, args ...any) (int64, error) {
	query := `
		UPDATE query_jobs
		SET state = 'waiting',
			run_after = NULL,
			attempts_made = 0,
			started_at = NULL,
			finished_at = NULL,
			result = NULL,
			progress = NULL,
			last_error = NULL,
			leased_until = NULL,
			leased_by = NULL,
			updated_at = NOW()
	` + where
	result, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
