package sqlexec

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const defaultMaxRows = 100000

// Result is a materialized row set from one execution.
type Result struct {
	Rows     []map[string]any `json:"rows"`
	RowCount int              `json:"row_count"`
	Duration time.Duration    `json:"-"`
}

// Executor runs a query with named parameters against a tenant database.
// Processors treat it as a black box; any error it returns flows through
// retry classification.
type Executor interface {
	Execute(ctx context.Context, connStr, query string, params map[string]any) (*Result, error)
}

// PGExecutor opens a dedicated connection per execution and closes it when
// the query finishes. No connection is held across job boundaries.
type PGExecutor struct {
	MaxRows int
}

func NewPGExecutor() *PGExecutor {
	return &PGExecutor{MaxRows: defaultMaxRows}
}

func (e *PGExecutor) Execute(ctx context.Context, connStr, query string, params map[string]any) (*Result, error) {
	start := time.Now()

	conn, err := pgx.Connect(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("connect tenant db: %w", err)
	}
	defer conn.Close(ctx)

	var args []any
	if len(params) > 0 {
		args = append(args, pgx.NamedArgs(params))
	}

	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	out := &Result{}
	for rows.Next() {
		if e.MaxRows > 0 && out.RowCount >= e.MaxRows {
			return nil, fmt.Errorf("result exceeds %d rows", e.MaxRows)
		}
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		row := make(map[string]any, len(fields))
		for i, fd := range fields {
			row[fd.Name] = values[i]
		}
		out.Rows = append(out.Rows, row)
		out.RowCount++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}

	out.Duration = time.Since(start)
	return out, nil
}
