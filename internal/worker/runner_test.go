package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/byildiz78/webser/internal/config"
	"github.com/byildiz78/webser/internal/queue"
)

type fakeStore struct {
	mu          sync.Mutex
	jobs        map[string]*queue.Job
	order       []string
	transitions map[string][]queue.JobState
	failDelays  map[string][]time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:        map[string]*queue.Job{},
		transitions: map[string][]queue.JobState{},
		failDelays:  map[string][]time.Duration{},
	}
}

func (f *fakeStore) add(class string, payload json.RawMessage, maxAttempts int, backoff queue.Backoff) *queue.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := &queue.Job{
		ID:             uuid.NewString(),
		Class:          class,
		Payload:        payload,
		State:          queue.StateWaiting,
		MaxAttempts:    maxAttempts,
		BackoffType:    backoff.Type,
		BackoffDelayMs: backoff.BaseDelayMs,
		EnqueuedAt:     time.Now(),
	}
	f.jobs[job.ID] = job
	f.order = append(f.order, job.ID)
	f.transitions[job.ID] = []queue.JobState{queue.StateWaiting}
	return job
}

func (f *fakeStore) Claim(ctx context.Context, class, workerID string, lease time.Duration) (*queue.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	for _, id := range f.order {
		j := f.jobs[id]
		if j.Class != class {
			continue
		}
		if j.State != queue.StateWaiting && j.State != queue.StateDelayed {
			continue
		}
		if j.RunAfter != nil && j.RunAfter.After(now) {
			continue
		}
		j.State = queue.StateActive
		j.AttemptsMade++
		j.RunAfter = nil
		j.LeasedBy = &workerID
		f.transitions[id] = append(f.transitions[id], queue.StateActive)
		cp := *j
		return &cp, nil
	}
	return nil, queue.ErrNoJobs
}

func (f *fakeStore) Complete(ctx context.Context, id, workerID string, result json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.State != queue.StateActive || j.LeasedBy == nil || *j.LeasedBy != workerID {
		return queue.ErrLeaseLost
	}
	j.State = queue.StateCompleted
	j.Result = result
	j.LeasedBy = nil
	f.transitions[id] = append(f.transitions[id], queue.StateCompleted)
	return nil
}

func (f *fakeStore) Fail(ctx context.Context, id, workerID, message string, retry bool, nextRunAfter time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.State != queue.StateActive || j.LeasedBy == nil || *j.LeasedBy != workerID {
		return queue.ErrLeaseLost
	}
	f.failDelays[id] = append(f.failDelays[id], time.Until(nextRunAfter))
	j.LastError = &message
	j.LeasedBy = nil
	if retry {
		j.State = queue.StateDelayed
		j.RunAfter = &nextRunAfter
	} else {
		j.State = queue.StateFailed
	}
	f.transitions[id] = append(f.transitions[id], j.State)
	return nil
}

func (f *fakeStore) Heartbeat(ctx context.Context, id, workerID string, lease time.Duration) error {
	return nil
}

func (f *fakeStore) UpdateProgress(ctx context.Context, id, workerID string, progress json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[id]; ok {
		j.Progress = progress
	}
	return nil
}

func (f *fakeStore) Reclaim(ctx context.Context) (int64, error) { return 0, nil }

func (f *fakeStore) Cleanup(ctx context.Context, policy queue.RemovalPolicy) (int64, error) {
	return 0, nil
}

func (f *fakeStore) snapshot(id string) (queue.Job, []queue.JobState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.jobs[id], append([]queue.JobState(nil), f.transitions[id]...)
}

func intPtr(v int) *int { return &v }

func testConfig(class string, attempts, concurrency int) *config.Config {
	cfg := config.DefaultConfig()
	cfg.InstanceID = "test-worker"
	cfg.PollMinBackoff = 5 * time.Millisecond
	cfg.PollMaxBackoff = 20 * time.Millisecond
	cfg.ShutdownTimeout = 2 * time.Second
	cfg.ThroughputMax = 0
	cfg.Queues = map[string]config.QueueOverride{
		class: {
			Attempts:       intPtr(attempts),
			BackoffType:    queue.BackoffFixed,
			BackoffDelayMs: intPtr(1),
			Concurrency:    intPtr(concurrency),
		},
	}
	return cfg
}

func startRunner(t *testing.T, cfg *config.Config, store JobStore, procs map[string]Processor) context.CancelFunc {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewRunner(cfg, store, procs, nil, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("runner did not shut down")
		}
	})
	return cancel
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestRunnerCompletesJob(t *testing.T) {
	store := newFakeStore()
	job := store.add(queue.ClassBulkQuery, json.RawMessage(`{"query":"SELECT 1"}`), 3, queue.Backoff{Type: queue.BackoffFixed, BaseDelayMs: 1})

	procs := map[string]Processor{
		queue.ClassBulkQuery: func(ctx context.Context, j *queue.Job, report ProgressFunc) (json.RawMessage, error) {
			report(ctx, json.RawMessage(`{"pct":50}`))
			return json.RawMessage(`{"result":[{"a":1}]}`), nil
		},
	}
	startRunner(t, testConfig(queue.ClassBulkQuery, 3, 1), store, procs)

	waitFor(t, 2*time.Second, func() bool {
		got, _ := store.snapshot(job.ID)
		return got.State == queue.StateCompleted
	})

	got, transitions := store.snapshot(job.ID)
	if string(got.Result) != `{"result":[{"a":1}]}` {
		t.Fatalf("unexpected result %s", got.Result)
	}
	if string(got.Progress) == "" {
		t.Fatal("expected progress snapshot to be recorded")
	}
	want := []queue.JobState{queue.StateWaiting, queue.StateActive, queue.StateCompleted}
	if len(transitions) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transition %d: expected %s, got %s", i, want[i], transitions[i])
		}
	}
}

func TestRunnerRetriesUntilAttemptsExhausted(t *testing.T) {
	store := newFakeStore()
	job := store.add(queue.ClassBulkQuery, nil, 3, queue.Backoff{Type: queue.BackoffFixed, BaseDelayMs: 1})

	var executions int64
	var mu sync.Mutex
	procs := map[string]Processor{
		queue.ClassBulkQuery: func(ctx context.Context, j *queue.Job, report ProgressFunc) (json.RawMessage, error) {
			mu.Lock()
			executions++
			mu.Unlock()
			return nil, errors.New("dial tcp: connection refused")
		},
	}
	startRunner(t, testConfig(queue.ClassBulkQuery, 3, 1), store, procs)

	waitFor(t, 3*time.Second, func() bool {
		got, _ := store.snapshot(job.ID)
		return got.State == queue.StateFailed
	})

	mu.Lock()
	n := executions
	mu.Unlock()
	if n != 3 {
		t.Fatalf("expected exactly 3 execution attempts, got %d", n)
	}

	got, _ := store.snapshot(job.ID)
	if got.AttemptsMade != 3 || got.AttemptsMade > got.MaxAttempts {
		t.Fatalf("attempts_made=%d must equal ceiling %d", got.AttemptsMade, got.MaxAttempts)
	}
	if got.LastError == nil || *got.LastError != "dial tcp: connection refused" {
		t.Fatalf("expected last error preserved, got %v", got.LastError)
	}
}

func TestRunnerDoesNotRetryPermanentErrors(t *testing.T) {
	store := newFakeStore()
	job := store.add(queue.ClassBulkQuery, nil, 5, queue.Backoff{Type: queue.BackoffFixed, BaseDelayMs: 1})

	var executions int64
	var mu sync.Mutex
	procs := map[string]Processor{
		queue.ClassBulkQuery: func(ctx context.Context, j *queue.Job, report ProgressFunc) (json.RawMessage, error) {
			mu.Lock()
			executions++
			mu.Unlock()
			return nil, errors.New(`syntax error at or near "FORM"`)
		},
	}
	startRunner(t, testConfig(queue.ClassBulkQuery, 5, 1), store, procs)

	waitFor(t, 2*time.Second, func() bool {
		got, _ := store.snapshot(job.ID)
		return got.State == queue.StateFailed
	})

	mu.Lock()
	defer mu.Unlock()
	if executions != 1 {
		t.Fatalf("expected a single attempt for a non-retryable error, got %d", executions)
	}
}

func TestRunnerRespectsConcurrencyCeiling(t *testing.T) {
	store := newFakeStore()
	const jobs = 8
	const concurrency = 2
	for i := 0; i < jobs; i++ {
		store.add(queue.ClassAnalytics, nil, 1, queue.Backoff{Type: queue.BackoffFixed, BaseDelayMs: 1})
	}

	var mu sync.Mutex
	inFlight, maxInFlight, finished := 0, 0, 0
	procs := map[string]Processor{
		queue.ClassAnalytics: func(ctx context.Context, j *queue.Job, report ProgressFunc) (json.RawMessage, error) {
			mu.Lock()
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			mu.Unlock()

			time.Sleep(30 * time.Millisecond)

			mu.Lock()
			inFlight--
			finished++
			mu.Unlock()
			return nil, nil
		},
	}
	startRunner(t, testConfig(queue.ClassAnalytics, 1, concurrency), store, procs)

	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return finished == jobs
	})

	mu.Lock()
	defer mu.Unlock()
	if maxInFlight > concurrency {
		t.Fatalf("observed %d concurrent jobs, ceiling is %d", maxInFlight, concurrency)
	}
	if maxInFlight == 0 {
		t.Fatal("no jobs processed")
	}
}

func TestRunnerShutdownRequeuesInFlightJob(t *testing.T) {
	store := newFakeStore()
	job := store.add(queue.ClassBulkQuery, nil, 5, queue.Backoff{Type: queue.BackoffFixed, BaseDelayMs: 1})

	started := make(chan struct{})
	var once sync.Once
	procs := map[string]Processor{
		queue.ClassBulkQuery: func(ctx context.Context, j *queue.Job, report ProgressFunc) (json.RawMessage, error) {
			once.Do(func() { close(started) })
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	cancel := startRunner(t, testConfig(queue.ClassBulkQuery, 5, 1), store, procs)

	<-started
	cancel()

	waitFor(t, 2*time.Second, func() bool {
		got, _ := store.snapshot(job.ID)
		return got.State != queue.StateActive
	})

	got, _ := store.snapshot(job.ID)
	if got.State == queue.StateFailed {
		t.Fatalf("shutdown must not fail a job with retry budget left, got %s after %d/%d attempts", got.State, got.AttemptsMade, got.MaxAttempts)
	}
	if got.State != queue.StateDelayed {
		t.Fatalf("expected interrupted job back in the queue, got %s", got.State)
	}
	if got.AttemptsMade != 1 {
		t.Fatalf("expected one consumed attempt, got %d", got.AttemptsMade)
	}
}

func TestClassesFromConfigOverrides(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Queues = map[string]config.QueueOverride{
		queue.ClassBulkQuery: {Attempts: intPtr(7), Concurrency: intPtr(2)},
		"custom-class":       {BackoffType: queue.BackoffExponential, BackoffDelayMs: intPtr(500)},
	}

	classes := ClassesFromConfig(cfg)
	if got := classes[queue.ClassBulkQuery]; got.Attempts != 7 || got.Concurrency != 2 {
		t.Fatalf("override not applied: %+v", got)
	}
	// Untouched fields keep their defaults.
	if got := classes[queue.ClassBulkQuery]; got.Backoff.Type != queue.BackoffExponential || got.Backoff.BaseDelayMs != 5000 {
		t.Fatalf("defaults clobbered: %+v", got)
	}
	if got := classes["custom-class"]; got.Backoff.Type != queue.BackoffExponential || got.Backoff.BaseDelayMs != 500 {
		t.Fatalf("new class not built from overrides: %+v", got)
	}
	if _, ok := classes[queue.ClassAnalytics]; !ok {
		t.Fatal("built-in classes must survive overrides")
	}
}
