package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateDelayed   JobState = "delayed"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

// Terminal reports whether a job in this state will never run again.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

const (
	BackoffExponential = "exponential"
	BackoffFixed       = "fixed"
)

// Backoff describes how retry delays grow between attempts.
type Backoff struct {
	Type        string `json:"type"`
	BaseDelayMs int    `json:"base_delay_ms"`
}

// NextDelay returns the wait before the next attempt. attemptsMade is the
// number of attempts already executed, so the first retry after attempt 1
// waits the base delay.
func (b Backoff) NextDelay(attemptsMade int) time.Duration {
	base := time.Duration(b.BaseDelayMs) * time.Millisecond
	if b.Type != BackoffExponential || attemptsMade <= 1 {
		return base
	}
	return base << (attemptsMade - 1)
}

// RemovalPolicy bounds how long terminal jobs stay queryable.
type RemovalPolicy struct {
	CompletedMaxAge   time.Duration
	CompletedMaxCount int
	FailedMaxAge      time.Duration
}

func DefaultRemovalPolicy() RemovalPolicy {
	return RemovalPolicy{
		CompletedMaxAge:   24 * time.Hour,
		CompletedMaxCount: 1000,
		FailedMaxAge:      7 * 24 * time.Hour,
	}
}

// Options control a single enqueue. Zero-valued fields fall back to the
// class defaults.
type Options struct {
	Attempts int
	Backoff  Backoff
	Delay    time.Duration
}

// ClassOptions is the per-class policy table.
type ClassOptions struct {
	Attempts    int
	Backoff     Backoff
	Concurrency int
}

const (
	ClassBulkQuery    = "bulk-query"
	ClassAnalytics    = "analytics"
	ClassRateLimit    = "rate-limit"
	ClassInstantQuery = "instant-query"
)

// DefaultClassOptions returns the built-in policy per job class. Expensive
// bulk queries get the deepest retry budget; instant queries are tried once
// because the caller is still waiting on them.
func DefaultClassOptions() map[string]ClassOptions {
	return map[string]ClassOptions{
		ClassBulkQuery:    {Attempts: 5, Backoff: Backoff{Type: BackoffExponential, BaseDelayMs: 5000}, Concurrency: 5},
		ClassAnalytics:    {Attempts: 3, Backoff: Backoff{Type: BackoffExponential, BaseDelayMs: 1000}, Concurrency: 5},
		ClassRateLimit:    {Attempts: 2, Backoff: Backoff{Type: BackoffFixed, BaseDelayMs: 1000}, Concurrency: 5},
		ClassInstantQuery: {Attempts: 1, Backoff: Backoff{Type: BackoffFixed, BaseDelayMs: 1000}, Concurrency: 5},
	}
}

// Job is one unit of asynchronous work tracked through the state machine.
type Job struct {
	ID             string          `db:"id"`
	Class          string          `db:"class"`
	Payload        json.RawMessage `db:"payload"`
	State          JobState        `db:"state"`
	AttemptsMade   int             `db:"attempts_made"`
	MaxAttempts    int             `db:"max_attempts"`
	BackoffType    string          `db:"backoff_type"`
	BackoffDelayMs int             `db:"backoff_delay_ms"`
	RunAfter       *time.Time      `db:"run_after"`
	EnqueuedAt     time.Time       `db:"enqueued_at"`
	StartedAt      *time.Time      `db:"started_at"`
	FinishedAt     *time.Time      `db:"finished_at"`
	Result         json.RawMessage `db:"result"`
	Progress       json.RawMessage `db:"progress"`
	LastError      *string         `db:"last_error"`
	ErrorsJSON     json.RawMessage `db:"errors_json"`
	LeasedUntil    *time.Time      `db:"leased_until"`
	LeasedBy       *string         `db:"leased_by"`
	CreatedAt      time.Time       `db:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

// Backoff returns the job's retry policy.
func (j *Job) BackoffPolicy() Backoff {
	return Backoff{Type: j.BackoffType, BaseDelayMs: j.BackoffDelayMs}
}

func validateOptions(opts Options) error {
	if opts.Attempts < 0 {
		return fmt.Errorf("attempts must be >= 1, got %d", opts.Attempts)
	}
	if opts.Backoff.Type != "" && opts.Backoff.Type != BackoffExponential && opts.Backoff.Type != BackoffFixed {
		return fmt.Errorf("unknown backoff type %q", opts.Backoff.Type)
	}
	if opts.Delay < 0 {
		return fmt.Errorf("delay must be >= 0")
	}
	return nil
}
