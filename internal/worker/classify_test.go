package worker

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestRetryableClassification(t *testing.T) {
	tests := map[string]struct {
		err  error
		want bool
	}{
		"nil":                    {err: nil, want: false},
		"connection refused":     {err: errors.New("dial tcp 10.0.0.1:5432: connect: connection refused"), want: true},
		"connection reset":       {err: errors.New("read tcp: connection reset by peer"), want: true},
		"io timeout":             {err: errors.New("read tcp: i/o timeout"), want: true},
		"deadline exceeded":      {err: context.DeadlineExceeded, want: true},
		"wrapped deadline":       {err: fmt.Errorf("execute query: %w", context.DeadlineExceeded), want: true},
		"canceled":               {err: context.Canceled, want: true},
		"wrapped canceled":       {err: fmt.Errorf("execute query: %w", context.Canceled), want: true},
		"econnrefused":           {err: syscall.ECONNREFUSED, want: true},
		"rate limit message":     {err: errors.New("tenant db rate limit exceeded"), want: true},
		"redis down":             {err: errors.New("redis: connection pool timeout"), want: true},
		"syntax error":           {err: errors.New(`syntax error at or near "FORM"`), want: false},
		"missing column":         {err: errors.New(`column "nme" does not exist`), want: false},
		"validation":             {err: errors.New("missing query"), want: false},
		"marked retryable":       {err: MarkRetryable(errors.New("weird but transient")), want: true},
		"marked permanent":       {err: MarkPermanent(errors.New("looks like a timeout but is not")), want: false},
		"pg connection exception": {err: &pgconn.PgError{Code: "08006"}, want: true},
		"pg serialization":        {err: &pgconn.PgError{Code: "40001"}, want: true},
		"pg lock not available":   {err: &pgconn.PgError{Code: "55P03"}, want: true},
		"pg undefined table":      {err: &pgconn.PgError{Code: "42P01"}, want: false},
	}

	for name, tt := range tests {
		if got := Retryable(tt.err); got != tt.want {
			t.Fatalf("%s: expected retryable=%v, got %v", name, tt.want, got)
		}
	}
}
