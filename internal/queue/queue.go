package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNoJobs      = errors.New("no jobs available")
	ErrJobNotFound = errors.New("job not found")
	ErrLeaseLost   = errors.New("lease lost or job not active")
)

const jobColumns = `
	id, class, payload, state, attempts_made, max_attempts,
	backoff_type, backoff_delay_ms, run_after, enqueued_at, started_at,
	finished_at, result, progress, last_error, errors_json,
	leased_until, leased_by, created_at, updated_at`

// Claim's RETURNING joins against the candidate CTE, so id must be
// qualified there.
const qualifiedJobColumns = `
	query_jobs.id, class, payload, state, attempts_made, max_attempts,
	backoff_type, backoff_delay_ms, run_after, enqueued_at, started_at,
	finished_at, result, progress, last_error, errors_json,
	leased_until, leased_by, created_at, updated_at`

// Store is the persistent job queue. All state transitions are single-row
// atomic updates; worker mutations are fenced on leased_by so a stale worker
// whose lease was reclaimed cannot clobber another claimer's work.
type Store struct {
	pool    *pgxpool.Pool
	classes map[string]ClassOptions
}

func NewStore(pool *pgxpool.Pool, classes map[string]ClassOptions) *Store {
	if classes == nil {
		classes = DefaultClassOptions()
	}
	return &Store{pool: pool, classes: classes}
}

// Classes returns the per-class policy table the store was built with.
func (s *Store) Classes() map[string]ClassOptions { return s.classes }

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	err := row.Scan(
		&j.ID, &j.Class, &j.Payload, &j.State, &j.AttemptsMade, &j.MaxAttempts,
		&j.BackoffType, &j.BackoffDelayMs, &j.RunAfter, &j.EnqueuedAt, &j.StartedAt,
		&j.FinishedAt, &j.Result, &j.Progress, &j.LastError, &j.ErrorsJSON,
		&j.LeasedUntil, &j.LeasedBy, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// Enqueue inserts a new job in waiting state, or delayed when opts.Delay is
// set. Unset option fields fall back to the class defaults.
func (s *Store) Enqueue(ctx context.Context, class string, payload json.RawMessage, opts Options) (*Job, error) {
	if err := validateOptions(opts); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", class, err)
	}

	defaults, ok := s.classes[class]
	if !ok {
		defaults = ClassOptions{Attempts: 1, Backoff: Backoff{Type: BackoffFixed, BaseDelayMs: 1000}, Concurrency: 1}
	}
	attempts := opts.Attempts
	if attempts == 0 {
		attempts = defaults.Attempts
	}
	backoff := opts.Backoff
	if backoff.Type == "" {
		backoff = defaults.Backoff
	}

	state := StateWaiting
	var runAfter *time.Time
	if opts.Delay > 0 {
		state = StateDelayed
		t := time.Now().Add(opts.Delay)
		runAfter = &t
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	query := `
		INSERT INTO query_jobs (id, class, payload, state, max_attempts, backoff_type, backoff_delay_ms, run_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING` + jobColumns

	job, err := scanJob(s.pool.QueryRow(ctx, query,
		uuid.NewString(), class, payload, state, attempts, backoff.Type, backoff.BaseDelayMs, runAfter))
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", class, err)
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	query := `SELECT` + jobColumns + ` FROM query_jobs WHERE id = $1`
	job, err := scanJob(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// Claim selects the next eligible job for class in FIFO order, transitions it
// to active, and hands it exclusively to workerID under a lease. Concurrent
// claimers never receive the same job.
func (s *Store) Claim(ctx context.Context, class, workerID string, lease time.Duration) (*Job, error) {
	leasedUntil := time.Now().Add(lease)
	query := `
		WITH candidate AS (
			SELECT id
			FROM query_jobs
			WHERE class = $1
			  AND state IN ('waiting', 'delayed')
			  AND (run_after IS NULL OR run_after <= NOW())
			ORDER BY enqueued_at ASC, seq ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE query_jobs
		SET state = 'active',
		    started_at = COALESCE(started_at, NOW()),
		    attempts_made = attempts_made + 1,
		    run_after = NULL,
		    leased_until = $2,
		    leased_by = $3,
		    updated_at = NOW()
		FROM candidate
		WHERE query_jobs.id = candidate.id
		RETURNING` + qualifiedJobColumns

	job, err := scanJob(s.pool.QueryRow(ctx, query, class, leasedUntil, workerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoJobs
		}
		return nil, fmt.Errorf("claim %s: %w", class, err)
	}
	return job, nil
}

// Complete marks a job completed and stores its result. Fails with
// ErrLeaseLost when workerID no longer holds the lease.
func (s *Store) Complete(ctx context.Context, id, workerID string, result json.RawMessage) error {
	query := `
		UPDATE query_jobs
		SET state = 'completed',
		    finished_at = NOW(),
		    result = $1,
		    last_error = NULL,
		    leased_until = NULL,
		    leased_by = NULL,
		    updated_at = NOW()
		WHERE id = $2 AND leased_by = $3 AND state = 'active'
	`
	tag, err := s.pool.Exec(ctx, query, result, id, workerID)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Fail records an attempt failure. With retry=true the job goes back to
// delayed with run_after set; the original enqueued_at is kept so retries do
// not jump the FIFO line. Otherwise the job becomes terminally failed with
// the final error preserved.
func (s *Store) Fail(ctx context.Context, id, workerID, message string, retry bool, nextRunAfter time.Time) error {
	state := StateFailed
	if retry {
		state = StateDelayed
	}
	query := `
		UPDATE query_jobs
		SET state = $1,
		    finished_at = CASE WHEN $1 = 'failed' THEN NOW() ELSE NULL END,
		    run_after = CASE WHEN $1 = 'failed' THEN NULL ELSE $2 END,
		    last_error = $3,
		    errors_json = errors_json || jsonb_build_object(
				'message', $3::text,
				'attempt', attempts_made,
				'at', NOW()
			),
		    leased_until = NULL,
		    leased_by = NULL,
		    updated_at = NOW()
		WHERE id = $4 AND leased_by = $5 AND state = 'active'
	`
	tag, err := s.pool.Exec(ctx, query, state, nextRunAfter, summarizeError(message), id, workerID)
	if err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Heartbeat renews the lease on an active job.
func (s *Store) Heartbeat(ctx context.Context, id, workerID string, lease time.Duration) error {
	query := `
		UPDATE query_jobs
		SET leased_until = $1, updated_at = NOW()
		WHERE id = $2 AND leased_by = $3 AND state = 'active'
	`
	tag, err := s.pool.Exec(ctx, query, time.Now().Add(lease), id, workerID)
	if err != nil {
		return fmt.Errorf("heartbeat job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// UpdateProgress stores a processor progress snapshot, visible to concurrent
// status readers. Fenced like every other worker mutation.
func (s *Store) UpdateProgress(ctx context.Context, id, workerID string, progress json.RawMessage) error {
	query := `
		UPDATE query_jobs
		SET progress = $1, updated_at = NOW()
		WHERE id = $2 AND leased_by = $3 AND state = 'active'
	`
	tag, err := s.pool.Exec(ctx, query, progress, id, workerID)
	if err != nil {
		return fmt.Errorf("update progress %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Reclaim recovers active jobs whose lease expired because their worker
// disappeared. Jobs with retry budget left go back to waiting with their
// original enqueued_at; exhausted jobs fail terminally.
func (s *Store) Reclaim(ctx context.Context) (int64, error) {
	query := `
		WITH expired AS (
			SELECT id FROM query_jobs
			WHERE state = 'active' AND leased_until < NOW()
			FOR UPDATE SKIP LOCKED
		)
		UPDATE query_jobs
		SET state = CASE WHEN attempts_made < max_attempts THEN 'waiting' ELSE 'failed' END,
		    finished_at = CASE WHEN attempts_made < max_attempts THEN NULL ELSE NOW() END,
		    last_error = CASE WHEN attempts_made < max_attempts THEN last_error ELSE $1 END,
		    errors_json = errors_json || jsonb_build_object(
				'message', $1::text,
				'attempt', attempts_made,
				'at', NOW()
			),
		    leased_until = NULL,
		    leased_by = NULL,
		    updated_at = NOW()
		FROM expired
		WHERE query_jobs.id = expired.id
	`
	tag, err := s.pool.Exec(ctx, query, "lease expired: worker heartbeat lost or process crashed")
	if err != nil {
		return 0, fmt.Errorf("reclaim: %w", err)
	}
	return tag.RowsAffected(), nil
}
