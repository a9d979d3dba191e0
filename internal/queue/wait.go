package queue

import (
	"context"
	"errors"
	"time"
)

var ErrWaitTimeout = errors.New("timed out waiting for job")

const defaultWaitPoll = 250 * time.Millisecond

// WaitForJob blocks until the job reaches a terminal state or the timeout
// elapses. Caller disconnect cancels the wait through ctx; nothing is
// registered server-side, so an abandoned wait leaks nothing.
func (s *Store) WaitForJob(ctx context.Context, id string, poll, timeout time.Duration) (*Job, error) {
	if poll <= 0 {
		poll = defaultWaitPoll
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.State.Terminal() {
			return job, nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return job, ErrWaitTimeout
			}
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}
