package queue

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/byildiz78/webser/internal/db"
)

func testStore(t *testing.T) (*Store, *pgxpool.Pool) {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("failed to connect to DB: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := pool.Exec(ctx, "DELETE FROM query_jobs"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	return NewStore(pool, nil), pool
}

func TestQueueLifecycle(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	job, err := s.Enqueue(ctx, ClassBulkQuery, json.RawMessage(`{"query":"SELECT 1"}`), Options{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job.State != StateWaiting {
		t.Fatalf("expected waiting, got %s", job.State)
	}
	if job.MaxAttempts != 5 {
		t.Fatalf("expected class default attempts 5, got %d", job.MaxAttempts)
	}

	claimed, err := s.Claim(ctx, ClassBulkQuery, "w1", 30*time.Second)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.ID != job.ID {
		t.Fatalf("expected job %s, got %s", job.ID, claimed.ID)
	}
	if claimed.State != StateActive || claimed.AttemptsMade != 1 {
		t.Fatalf("expected active/attempts=1, got %s/%d", claimed.State, claimed.AttemptsMade)
	}
	if claimed.LeasedBy == nil || *claimed.LeasedBy != "w1" {
		t.Fatalf("expected leased_by w1, got %v", claimed.LeasedBy)
	}

	if err := s.Heartbeat(ctx, claimed.ID, "w1", time.Minute); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	if err := s.UpdateProgress(ctx, claimed.ID, "w1", json.RawMessage(`{"pct":50}`)); err != nil {
		t.Fatalf("progress: %v", err)
	}
	mid, err := s.GetJob(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("get mid-flight: %v", err)
	}
	if string(mid.Progress) != `{"pct": 50}` && string(mid.Progress) != `{"pct":50}` {
		t.Fatalf("expected progress visible, got %s", mid.Progress)
	}

	if err := s.Complete(ctx, claimed.ID, "w1", json.RawMessage(`{"rows":[{"a":1}]}`)); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// A stale worker must not be able to touch the finished job.
	if err := s.Complete(ctx, claimed.ID, "w2", json.RawMessage(`{}`)); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost for wrong worker, got %v", err)
	}

	final, err := s.GetJob(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.State != StateCompleted || final.FinishedAt == nil {
		t.Fatalf("expected completed with finished_at, got %s", final.State)
	}
}

func TestRetryLifecycle(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	job, err := s.Enqueue(ctx, ClassRateLimit, nil, Options{Attempts: 2})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Attempt 1 fails with retry budget left.
	claimed, err := s.Claim(ctx, ClassRateLimit, "w1", time.Minute)
	if err != nil {
		t.Fatalf("claim 1: %v", err)
	}
	if err := s.Fail(ctx, claimed.ID, "w1", "connection refused", true, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("fail 1: %v", err)
	}

	mid, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if mid.State != StateDelayed {
		t.Fatalf("expected delayed after retryable failure, got %s", mid.State)
	}

	// Attempt 2 fails terminally.
	claimed, err = s.Claim(ctx, ClassRateLimit, "w1", time.Minute)
	if err != nil {
		t.Fatalf("claim 2: %v", err)
	}
	if claimed.AttemptsMade != 2 {
		t.Fatalf("expected attempts_made 2, got %d", claimed.AttemptsMade)
	}
	if err := s.Fail(ctx, claimed.ID, "w1", "connection refused", false, time.Time{}); err != nil {
		t.Fatalf("fail 2: %v", err)
	}

	final, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.State != StateFailed {
		t.Fatalf("expected failed, got %s", final.State)
	}
	if final.LastError == nil || *final.LastError != "connection refused" {
		t.Fatalf("expected final error preserved, got %v", final.LastError)
	}
	if final.AttemptsMade > final.MaxAttempts {
		t.Fatalf("attempts_made %d exceeded ceiling %d", final.AttemptsMade, final.MaxAttempts)
	}
}

func TestClaimIsFIFO(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		job, err := s.Enqueue(ctx, ClassAnalytics, nil, Options{})
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		ids = append(ids, job.ID)
	}

	for i, want := range ids {
		claimed, err := s.Claim(ctx, ClassAnalytics, "w1", time.Minute)
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if claimed.ID != want {
			t.Fatalf("claim %d: expected %s, got %s", i, want, claimed.ID)
		}
		if err := s.Complete(ctx, claimed.ID, "w1", nil); err != nil {
			t.Fatalf("complete %d: %v", i, err)
		}
	}
}

func TestClaimRespectsDelay(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, ClassAnalytics, nil, Options{Delay: time.Hour}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if _, err := s.Claim(ctx, ClassAnalytics, "w1", time.Minute); !errors.Is(err, ErrNoJobs) {
		t.Fatalf("expected ErrNoJobs for a delayed job, got %v", err)
	}
}

func TestClaimMutualExclusion(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	job, err := s.Enqueue(ctx, ClassBulkQuery, nil, Options{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	const claimers = 10
	var wg sync.WaitGroup
	winners := make(chan string, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			claimed, err := s.Claim(ctx, ClassBulkQuery, "w1", time.Minute)
			if err == nil {
				winners <- claimed.ID
			}
		}(i)
	}
	wg.Wait()
	close(winners)

	var won []string
	for id := range winners {
		won = append(won, id)
	}
	if len(won) != 1 || won[0] != job.ID {
		t.Fatalf("expected exactly one claimer to win job %s, got %v", job.ID, won)
	}
}

func TestReclaimExpiredLease(t *testing.T) {
	s, pool := testStore(t)
	ctx := context.Background()

	job, err := s.Enqueue(ctx, ClassBulkQuery, nil, Options{Attempts: 3})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.Claim(ctx, ClassBulkQuery, "dead-worker", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Simulate a crashed worker by expiring the lease directly.
	if _, err := pool.Exec(ctx, `UPDATE query_jobs SET leased_until = NOW() - INTERVAL '1 minute' WHERE id = $1`, job.ID); err != nil {
		t.Fatalf("expire lease: %v", err)
	}

	n, err := s.Reclaim(ctx)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed job, got %d", n)
	}

	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateWaiting {
		t.Fatalf("expected reclaimed job back in waiting, got %s", got.State)
	}
	if got.LeasedBy != nil {
		t.Fatalf("expected lease cleared, got %v", got.LeasedBy)
	}
}

func TestReclaimFailsExhaustedJob(t *testing.T) {
	s, pool := testStore(t)
	ctx := context.Background()

	job, err := s.Enqueue(ctx, ClassInstantQuery, nil, Options{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.Claim(ctx, ClassInstantQuery, "dead-worker", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := pool.Exec(ctx, `UPDATE query_jobs SET leased_until = NOW() - INTERVAL '1 minute' WHERE id = $1`, job.ID); err != nil {
		t.Fatalf("expire lease: %v", err)
	}

	if _, err := s.Reclaim(ctx); err != nil {
		t.Fatalf("reclaim: %v", err)
	}

	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateFailed {
		t.Fatalf("expected exhausted job to fail terminally, got %s", got.State)
	}
}

func TestCounts(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := s.Enqueue(ctx, ClassAnalytics, nil, Options{}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	claimed, err := s.Claim(ctx, ClassAnalytics, "w1", time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.Complete(ctx, claimed.ID, "w1", nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	counts, err := s.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	got := counts[ClassAnalytics]
	if got.Waiting != 1 || got.Completed != 1 {
		t.Fatalf("expected waiting=1 completed=1, got %+v", got)
	}
}

func TestWaitForJob(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	job, err := s.Enqueue(ctx, ClassBulkQuery, nil, Options{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	go func() {
		time.Sleep(200 * time.Millisecond)
		claimed, err := s.Claim(ctx, ClassBulkQuery, "w1", time.Minute)
		if err != nil {
			return
		}
		s.Complete(ctx, claimed.ID, "w1", json.RawMessage(`{"done":true}`))
	}()

	got, err := s.WaitForJob(ctx, job.ID, 50*time.Millisecond, 5*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got.State != StateCompleted {
		t.Fatalf("expected completed, got %s", got.State)
	}
}

func TestWaitForJobTimeout(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	job, err := s.Enqueue(ctx, ClassBulkQuery, nil, Options{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got, err := s.WaitForJob(ctx, job.ID, 50*time.Millisecond, 300*time.Millisecond)
	if !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("expected ErrWaitTimeout, got %v", err)
	}
	if got == nil || got.State != StateWaiting {
		t.Fatalf("expected last-seen waiting job on timeout, got %+v", got)
	}
}

func TestCleanupRemovesOldTerminalJobs(t *testing.T) {
	s, pool := testStore(t)
	ctx := context.Background()

	job, err := s.Enqueue(ctx, ClassAnalytics, nil, Options{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := s.Claim(ctx, ClassAnalytics, "w1", time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.Complete(ctx, claimed.ID, "w1", nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := pool.Exec(ctx, `UPDATE query_jobs SET finished_at = NOW() - INTERVAL '48 hours' WHERE id = $1`, job.ID); err != nil {
		t.Fatalf("age job: %v", err)
	}

	removed, err := s.Cleanup(ctx, DefaultRemovalPolicy())
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, err := s.GetJob(ctx, job.ID); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected job gone after cleanup, got %v", err)
	}
}

func TestScheduledQueriesEnqueueWhenDue(t *testing.T) {
	s, pool := testStore(t)
	ctx := context.Background()

	if _, err := pool.Exec(ctx, "DELETE FROM scheduled_queries"); err != nil {
		t.Fatalf("cleanup schedules: %v", err)
	}

	sq := ScheduledQuery{
		Name:     "nightly-report",
		CronExpr: "0 3 * * *",
		Class:    ClassAnalytics,
		Payload:  json.RawMessage(`{"query":"SELECT COUNT(*) FROM orders"}`),
		Enabled:  true,
	}
	if err := s.UpsertScheduledQuery(ctx, sq); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Force the schedule due.
	if _, err := pool.Exec(ctx, `UPDATE scheduled_queries SET next_run_at = NOW() - INTERVAL '1 minute' WHERE name = $1`, sq.Name); err != nil {
		t.Fatalf("force due: %v", err)
	}

	n, err := s.EnqueueDueScheduledQueries(ctx)
	if err != nil {
		t.Fatalf("enqueue due: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 schedule fired, got %d", n)
	}

	counts, err := s.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[ClassAnalytics].Waiting != 1 {
		t.Fatalf("expected 1 waiting analytics job, got %+v", counts[ClassAnalytics])
	}

	// next_run_at advanced, so a second beat does nothing.
	n, err = s.EnqueueDueScheduledQueries(ctx)
	if err != nil {
		t.Fatalf("enqueue due again: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no schedules due on second beat, got %d", n)
	}
}

func TestTriageRetryResetsFailedJob(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	job, err := s.Enqueue(ctx, ClassInstantQuery, json.RawMessage(`{"query":"SELECT 1"}`), Options{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, err := s.Claim(ctx, ClassInstantQuery, "w1", 30*time.Second)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.Fail(ctx, claimed.ID, "w1", "syntax error", false, time.Time{}); err != nil {
		t.Fatalf("fail: %v", err)
	}

	items, err := s.ListFailedJobs(ctx, 10, "")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(items) != 1 || items[0].ID != job.ID {
		t.Fatalf("expected failed job %s listed, got %+v", job.ID, items)
	}
	if items[0].LastError == nil || *items[0].LastError != "syntax error" {
		t.Fatalf("expected last error preserved, got %+v", items[0].LastError)
	}

	filtered, err := s.ListFailedJobs(ctx, 10, ClassBulkQuery)
	if err != nil {
		t.Fatalf("list filtered: %v", err)
	}
	if len(filtered) != 0 {
		t.Fatalf("expected no failed bulk-query jobs, got %d", len(filtered))
	}

	updated, err := s.RetryFailedJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if updated != 1 {
		t.Fatalf("expected 1 job retried, got %d", updated)
	}

	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateWaiting || got.AttemptsMade != 0 {
		t.Fatalf("expected waiting job with fresh attempts, got state=%s attempts=%d", got.State, got.AttemptsMade)
	}
	if got.LastError != nil {
		t.Fatalf("expected last error cleared, got %v", *got.LastError)
	}

	// Retried job is claimable again.
	if _, err := s.Claim(ctx, ClassInstantQuery, "w2", 30*time.Second); err != nil {
		t.Fatalf("claim after retry: %v", err)
	}
}
