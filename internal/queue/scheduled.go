package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// ScheduledQuery is a recurring enqueue definition driven by the beat loop.
type ScheduledQuery struct {
	Name      string          `db:"name"`
	CronExpr  string          `db:"cron_expr"`
	Class     string          `db:"class"`
	Payload   json.RawMessage `db:"payload"`
	Enabled   bool            `db:"enabled"`
	LastRunAt *time.Time      `db:"last_run_at"`
	NextRunAt time.Time       `db:"next_run_at"`
}

func cronParser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
}

// EnqueueDueScheduledQueries enqueues every enabled schedule whose next run
// is due and advances its next_run_at. Due rows are locked for the duration
// of the transaction, so concurrent beat processes never double-fire a
// schedule.
func (s *Store) EnqueueDueScheduledQueries(ctx context.Context) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT name, cron_expr, class, payload, next_run_at
		FROM scheduled_queries
		WHERE enabled = TRUE AND next_run_at <= NOW()
		FOR UPDATE SKIP LOCKED
	`)
	if err != nil {
		return 0, err
	}

	var due []ScheduledQuery
	for rows.Next() {
		var sq ScheduledQuery
		if err := rows.Scan(&sq.Name, &sq.CronExpr, &sq.Class, &sq.Payload, &sq.NextRunAt); err != nil {
			rows.Close()
			return 0, err
		}
		due = append(due, sq)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	parser := cronParser()
	for _, sq := range due {
		opts, ok := s.classes[sq.Class]
		if !ok {
			return 0, fmt.Errorf("scheduled query %s references unknown class %q", sq.Name, sq.Class)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO query_jobs (id, class, payload, state, max_attempts, backoff_type, backoff_delay_ms)
			VALUES ($1, $2, $3, 'waiting', $4, $5, $6)
		`, uuid.NewString(), sq.Class, sq.Payload, opts.Attempts, opts.Backoff.Type, opts.Backoff.BaseDelayMs)
		if err != nil {
			return 0, fmt.Errorf("enqueue scheduled query %s: %w", sq.Name, err)
		}

		sched, err := parser.Parse(sq.CronExpr)
		if err != nil {
			return 0, fmt.Errorf("invalid cron expr for %s: %w", sq.Name, err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE scheduled_queries
			SET last_run_at = next_run_at,
			    next_run_at = $1,
			    updated_at = NOW()
			WHERE name = $2
		`, sched.Next(time.Now()), sq.Name)
		if err != nil {
			return 0, fmt.Errorf("advance schedule %s: %w", sq.Name, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return len(due), nil
}

// UpsertScheduledQuery creates or replaces a schedule and computes its first
// next_run_at from the cron expression.
func (s *Store) UpsertScheduledQuery(ctx context.Context, sq ScheduledQuery) error {
	sched, err := cronParser().Parse(sq.CronExpr)
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO scheduled_queries (name, cron_expr, class, payload, enabled, next_run_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE
		SET cron_expr = EXCLUDED.cron_expr,
		    class = EXCLUDED.class,
		    payload = EXCLUDED.payload,
		    enabled = EXCLUDED.enabled,
		    next_run_at = EXCLUDED.next_run_at,
		    updated_at = NOW()
	`, sq.Name, sq.CronExpr, sq.Class, sq.Payload, sq.Enabled, sched.Next(time.Now()))
	return err
}
