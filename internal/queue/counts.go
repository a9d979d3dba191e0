package queue

import (
	"context"
	"fmt"
)

// ClassCounts aggregates job states for one class.
type ClassCounts struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Counts returns per-class state aggregates. Plain read, no locks taken.
func (s *Store) Counts(ctx context.Context) (map[string]ClassCounts, error) {
	query := `
		SELECT class, state, COUNT(*)
		FROM query_jobs
		GROUP BY class, state
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("counts: %w", err)
	}
	defer rows.Close()

	out := map[string]ClassCounts{}
	for rows.Next() {
		var class string
		var state JobState
		var n int64
		if err := rows.Scan(&class, &state, &n); err != nil {
			return nil, fmt.Errorf("counts: %w", err)
		}
		c := out[class]
		switch state {
		case StateWaiting:
			c.Waiting = n
		case StateDelayed:
			c.Delayed = n
		case StateActive:
			c.Active = n
		case StateCompleted:
			c.Completed = n
		case StateFailed:
			c.Failed = n
		}
		out[class] = c
	}
	return out, rows.Err()
}
