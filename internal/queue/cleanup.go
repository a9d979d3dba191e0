package queue

import (
	"context"
	"fmt"
)

// Cleanup enforces the removal policy on terminal jobs: completed jobs are
// dropped past their max age or beyond the newest max-count per class, and
// failed jobs are dropped past their (longer) max age. Returns the number of
// rows removed.
func (s *Store) Cleanup(ctx context.Context, policy RemovalPolicy) (int64, error) {
	var removed int64

	if policy.CompletedMaxAge > 0 {
		tag, err := s.pool.Exec(ctx, `
			DELETE FROM query_jobs
			WHERE state = 'completed' AND finished_at < NOW() - make_interval(secs => $1)
		`, policy.CompletedMaxAge.Seconds())
		if err != nil {
			return removed, fmt.Errorf("cleanup completed by age: %w", err)
		}
		removed += tag.RowsAffected()
	}

	if policy.CompletedMaxCount > 0 {
		tag, err := s.pool.Exec(ctx, `
			DELETE FROM query_jobs
			WHERE id IN (
				SELECT id FROM (
					SELECT id, ROW_NUMBER() OVER (
						PARTITION BY class ORDER BY finished_at DESC NULLS LAST
					) AS rank
					FROM query_jobs
					WHERE state = 'completed'
				) ranked
				WHERE ranked.rank > $1
			)
		`, policy.CompletedMaxCount)
		if err != nil {
			return removed, fmt.Errorf("cleanup completed by count: %w", err)
		}
		removed += tag.RowsAffected()
	}

	if policy.FailedMaxAge > 0 {
		tag, err := s.pool.Exec(ctx, `
			DELETE FROM query_jobs
			WHERE state = 'failed' AND finished_at < NOW() - make_interval(secs => $1)
		`, policy.FailedMaxAge.Seconds())
		if err != nil {
			return removed, fmt.Errorf("cleanup failed by age: %w", err)
		}
		removed += tag.RowsAffected()
	}

	return removed, nil
}
