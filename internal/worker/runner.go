package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/byildiz78/webser/internal/config"
	"github.com/byildiz78/webser/internal/counter"
	"github.com/byildiz78/webser/internal/events"
	"github.com/byildiz78/webser/internal/queue"
)

// JobStore is the slice of the queue the runner drives. *queue.Store
// satisfies it; tests substitute an in-memory fake.
type JobStore interface {
	Claim(ctx context.Context, class, workerID string, lease time.Duration) (*queue.Job, error)
	Complete(ctx context.Context, id, workerID string, result json.RawMessage) error
	Fail(ctx context.Context, id, workerID, message string, retry bool, nextRunAfter time.Time) error
	Heartbeat(ctx context.Context, id, workerID string, lease time.Duration) error
	UpdateProgress(ctx context.Context, id, workerID string, progress json.RawMessage) error
	Reclaim(ctx context.Context) (int64, error)
	Cleanup(ctx context.Context, policy queue.RemovalPolicy) (int64, error)
}

// Runner drives the worker pool: per-class claim loops, heartbeats, lease
// reclamation, and terminal-state bookkeeping.
type Runner struct {
	cfg     *config.Config
	store   JobStore
	procs   map[string]Processor
	classes map[string]queue.ClassOptions
	counter counter.Counter
	broker  events.Publisher
	logger  *slog.Logger
	policy  queue.RemovalPolicy

	wg sync.WaitGroup
}

func NewRunner(cfg *config.Config, store JobStore, procs map[string]Processor, c counter.Counter, broker events.Publisher, logger *slog.Logger) *Runner {
	if broker == nil {
		broker = events.NoopPublisher{}
	}
	return &Runner{
		cfg:     cfg,
		store:   store,
		procs:   procs,
		classes: ClassesFromConfig(cfg),
		counter: c,
		broker:  broker,
		logger:  logger,
		policy:  queue.DefaultRemovalPolicy(),
	}
}

// ClassesFromConfig merges the configured per-class overrides onto the
// built-in defaults.
func ClassesFromConfig(cfg *config.Config) map[string]queue.ClassOptions {
	classes := queue.DefaultClassOptions()
	for class, override := range cfg.Queues {
		opts, ok := classes[class]
		if !ok {
			opts = queue.ClassOptions{Attempts: 1, Backoff: queue.Backoff{Type: queue.BackoffFixed, BaseDelayMs: 1000}, Concurrency: 1}
		}
		if override.Attempts != nil {
			opts.Attempts = *override.Attempts
		}
		if override.BackoffType != "" {
			opts.Backoff.Type = override.BackoffType
		}
		if override.BackoffDelayMs != nil {
			opts.Backoff.BaseDelayMs = *override.BackoffDelayMs
		}
		if override.Concurrency != nil {
			opts.Concurrency = *override.Concurrency
		}
		classes[class] = opts
	}
	return classes
}

// Start runs claim loops until ctx is cancelled, then drains in-flight jobs.
func (r *Runner) Start(ctx context.Context) error {
	slots := 0
	for class, opts := range r.classes {
		if _, ok := r.procs[class]; !ok {
			continue
		}
		for i := 0; i < opts.Concurrency; i++ {
			r.wg.Add(1)
			go r.runSlot(ctx, class)
		}
		slots += opts.Concurrency
	}
	r.logger.Info("Worker pool started", "slots", slots, "classes", len(r.procs))

	go r.runReclaimer(ctx)
	go r.runCleanup(ctx)

	<-ctx.Done()
	r.logger.Info("Worker received shutdown signal, draining in-flight jobs")

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Info("All jobs drained")
		return nil
	case <-time.After(r.cfg.ShutdownTimeout):
		return fmt.Errorf("shutdown timed out after %s with jobs still in flight", r.cfg.ShutdownTimeout)
	}
}

// runSlot is one concurrency slot: it claims and processes at most one job
// at a time, so a class with N slots has at most N active jobs.
func (r *Runner) runSlot(ctx context.Context, class string) {
	defer r.wg.Done()

	backoff := r.cfg.PollMinBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		if !r.throughputAllow(ctx, class) {
			r.sleep(ctx, backoff)
			continue
		}

		job, err := r.store.Claim(ctx, class, r.cfg.InstanceID, r.lease())
		if err != nil {
			if !errors.Is(err, queue.ErrNoJobs) && ctx.Err() == nil {
				r.logger.Error("Claim failed", "class", class, "error", err)
			}
			r.sleep(ctx, backoff)
			backoff *= 2
			if backoff > r.cfg.PollMaxBackoff {
				backoff = r.cfg.PollMaxBackoff
			}
			continue
		}
		backoff = r.cfg.PollMinBackoff

		jobsClaimed.WithLabelValues(class).Inc()
		r.process(ctx, job)
	}
}

// throughputAllow enforces the per-class rolling-window cap on job starts.
// The window is tracked in the shared counter so every worker instance sees
// the same budget. Counter trouble fails open.
func (r *Runner) throughputAllow(ctx context.Context, class string) bool {
	if r.counter == nil || r.cfg.ThroughputMax <= 0 {
		return true
	}
	window := time.Duration(r.cfg.ThroughputWindowSeconds) * time.Second
	key := "throughput:" + class
	now := time.Now()

	n, err := r.counter.CountRange(ctx, key, now.Add(-window), now)
	if err != nil {
		r.logger.Warn("Throughput counter unavailable, failing open", "class", class, "error", err)
		return true
	}
	if n >= int64(r.cfg.ThroughputMax) {
		throughputDeferred.WithLabelValues(class).Inc()
		return false
	}
	if err := r.counter.Record(ctx, key, now); err != nil {
		r.logger.Warn("Throughput record failed", "class", class, "error", err)
	}
	return true
}

func (r *Runner) process(ctx context.Context, job *queue.Job) {
	logger := r.logger.With("job_id", job.ID, "class", job.Class)
	logger.Info("Processing job", "attempt", job.AttemptsMade, "max_attempts", job.MaxAttempts)
	r.broker.Publish(events.Event{
		Level: "info", Type: events.TypeStarted, Message: "job started",
		Class: job.Class, JobID: job.ID, InstanceID: r.cfg.InstanceID,
	})

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go r.runHeartbeat(hbCtx, job.ID)

	proc := r.procs[job.Class]
	report := func(ctx context.Context, progress json.RawMessage) error {
		return r.store.UpdateProgress(ctx, job.ID, r.cfg.InstanceID, progress)
	}

	start := time.Now()
	result, procErr := proc(ctx, job, report)
	execDuration.WithLabelValues(job.Class).Observe(time.Since(start).Seconds())
	hbCancel()

	// Terminal bookkeeping runs on a fresh context so shutdown cannot strand
	// an already-finished job in active state.
	doneCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if procErr == nil {
		if err := r.store.Complete(doneCtx, job.ID, r.cfg.InstanceID, result); err != nil {
			logger.Error("Failed to mark job completed", "error", err)
			return
		}
		logger.Info("Job completed", "duration_ms", time.Since(start).Milliseconds())
		jobsFinished.WithLabelValues(job.Class, "completed").Inc()
		r.broker.Publish(events.Event{
			Level: "info", Type: events.TypeCompleted, Message: "job completed",
			Class: job.Class, JobID: job.ID, InstanceID: r.cfg.InstanceID,
		})
		return
	}

	retry := Retryable(procErr) && job.AttemptsMade < job.MaxAttempts
	delay := job.BackoffPolicy().NextDelay(job.AttemptsMade)
	if err := r.store.Fail(doneCtx, job.ID, r.cfg.InstanceID, procErr.Error(), retry, time.Now().Add(delay)); err != nil {
		logger.Error("Failed to record job failure", "error", err)
		return
	}

	if retry {
		logger.Warn("Job attempt failed, will retry", "error", procErr, "retry_in", delay)
		jobsFinished.WithLabelValues(job.Class, "retried").Inc()
		r.broker.Publish(events.Event{
			Level: "warn", Type: events.TypeRetried, Message: procErr.Error(),
			Class: job.Class, JobID: job.ID, InstanceID: r.cfg.InstanceID,
		})
	} else {
		logger.Error("Job failed terminally", "error", procErr, "attempts", job.AttemptsMade)
		jobsFinished.WithLabelValues(job.Class, "failed").Inc()
		r.broker.Publish(events.Event{
			Level: "error", Type: events.TypeFailed, Message: procErr.Error(),
			Class: job.Class, JobID: job.ID, InstanceID: r.cfg.InstanceID,
		})
	}
}

func (r *Runner) runHeartbeat(ctx context.Context, jobID string) {
	interval := time.Duration(r.cfg.HeartbeatSeconds) * time.Second
	if interval <= 0 {
		interval = r.lease() / 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Heartbeat(ctx, jobID, r.cfg.InstanceID, r.lease()); err != nil && ctx.Err() == nil {
				r.logger.Error("Heartbeat failed", "job_id", jobID, "error", err)
			}
		}
	}
}

func (r *Runner) runReclaimer(ctx context.Context) {
	interval := time.Duration(r.cfg.ReclaimIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.store.Reclaim(ctx)
			if err != nil {
				r.logger.Error("Lease reclaim failed", "error", err)
				continue
			}
			if n > 0 {
				r.logger.Info("Reclaimed expired leases", "count", n)
				jobsReclaimed.Add(float64(n))
				r.broker.Publish(events.Event{
					Level: "warn", Type: events.TypeReclaimed,
					Message:    fmt.Sprintf("reclaimed %d expired leases", n),
					InstanceID: r.cfg.InstanceID,
				})
			}
		}
	}
}

func (r *Runner) runCleanup(ctx context.Context) {
	interval := time.Duration(r.cfg.CleanupIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.store.Cleanup(ctx, r.policy)
			if err != nil {
				r.logger.Error("Cleanup sweep failed", "error", err)
				continue
			}
			if n > 0 {
				r.logger.Info("Removed terminal jobs past retention", "count", n)
			}
		}
	}
}

func (r *Runner) lease() time.Duration {
	return time.Duration(r.cfg.LeaseSeconds) * time.Second
}

// sleep waits for d plus a little jitter, returning early on cancellation.
func (r *Runner) sleep(ctx context.Context, d time.Duration) {
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	select {
	case <-ctx.Done():
	case <-time.After(d + jitter):
	}
}
