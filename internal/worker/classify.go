package worker

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

// retryableFragments is the allow-list of error shapes worth retrying.
// Anything not matched is treated as a validation or programmer error and
// fails the attempt terminally.
var retryableFragments = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"i/o timeout",
	"timeout",
	"timed out",
	"rate limit",
	"too many connections",
	"redis:",
}

// retryableSQLStates: 08xxx connection exceptions, serialization failure,
// and lock-not-available.
func retryableSQLState(code string) bool {
	if strings.HasPrefix(code, "08") {
		return true
	}
	return code == "40001" || code == "55P03"
}

// Retryable reports whether err looks transient. Explicit wins first, then
// typed network and driver errors, then known message fragments.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var marker *RetryableError
	if errors.As(err, &marker) {
		return marker.Retry
	}

	// Canceled covers worker shutdown interrupting an in-flight execution;
	// the job must go back to the queue, not to terminal failed.
	if errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return retryableSQLState(pgErr.Code)
	}

	msg := strings.ToLower(err.Error())
	for _, frag := range retryableFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

// RetryableError lets a processor override classification explicitly.
type RetryableError struct {
	Err   error
	Retry bool
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// MarkRetryable wraps err so the runner always retries it.
func MarkRetryable(err error) error {
	return &RetryableError{Err: err, Retry: true}
}

// MarkPermanent wraps err so the runner never retries it.
func MarkPermanent(err error) error {
	return &RetryableError{Err: err, Retry: false}
}
