package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/byildiz78/webser/internal/cache"
	"github.com/byildiz78/webser/internal/counter"
	"github.com/byildiz78/webser/internal/queue"
	"github.com/byildiz78/webser/internal/sqlexec"
	"github.com/byildiz78/webser/internal/tenant"
)

// ProgressFunc lets a processor publish a progress snapshot mid-flight.
type ProgressFunc func(ctx context.Context, progress json.RawMessage) error

// Processor executes one job class. The returned payload is stored as the
// job result; a returned error flows through retry classification.
type Processor func(ctx context.Context, job *queue.Job, report ProgressFunc) (json.RawMessage, error)

// QueryPayload is the payload shape for the SQL-executing classes.
type QueryPayload struct {
	TenantID string         `json:"tenant_id"`
	APIKey   string         `json:"api_key"`
	Query    string         `json:"query"`
	Params   map[string]any `json:"params,omitempty"`
}

// MaintenancePayload drives the rate-limit housekeeping class.
type MaintenancePayload struct {
	Keys          []string `json:"keys"`
	RetainSeconds int      `json:"retain_seconds"`
}

// Processors builds the per-class processor set over the shared
// collaborators.
type Processors struct {
	Resolver *tenant.Resolver
	Executor sqlexec.Executor
	Cache    *cache.Cache
	Counter  counter.Counter
	Logger   *slog.Logger
}

// Registry returns the class → processor table.
func (p *Processors) Registry() map[string]Processor {
	return map[string]Processor{
		queue.ClassBulkQuery:    p.runQuery(true),
		queue.ClassAnalytics:    p.runQuery(false),
		queue.ClassInstantQuery: p.runQuery(true),
		queue.ClassRateLimit:    p.maintenance,
	}
}

// runQuery executes tenant SQL. Bulk and instant queries populate the result
// cache on success; analytics results are not cached because their payloads
// are typically unique per run.
func (p *Processors) runQuery(cacheResult bool) Processor {
	return func(ctx context.Context, job *queue.Job, report ProgressFunc) (json.RawMessage, error) {
		var payload QueryPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return nil, MarkPermanent(fmt.Errorf("invalid payload: %w", err))
		}
		if payload.Query == "" {
			return nil, MarkPermanent(errors.New("missing query"))
		}

		t, err := p.Resolver.Resolve(ctx, payload.TenantID, payload.APIKey)
		if err != nil {
			if errors.Is(err, tenant.ErrNotAuthorized) {
				return nil, MarkPermanent(err)
			}
			return nil, err
		}
		_ = report(ctx, json.RawMessage(`{"stage":"executing"}`))

		res, err := p.Executor.Execute(ctx, t.ConnStr, payload.Query, payload.Params)
		if err != nil {
			return nil, err
		}

		result, err := json.Marshal(res)
		if err != nil {
			return nil, MarkPermanent(fmt.Errorf("marshal result: %w", err))
		}

		if cacheResult && p.Cache != nil {
			fp := cache.Fingerprint(payload.TenantID, payload.Query, payload.Params)
			if err := p.Cache.Put(ctx, fp, result, 0); err != nil {
				// Cache trouble never fails the job.
				p.Logger.Warn("Result cache put failed", "job_id", job.ID, "error", err)
			}
		}
		_ = report(ctx, json.RawMessage(`{"stage":"done"}`))
		return result, nil
	}
}

// maintenance prunes stale usage-counter entries so rate-limit keys do not
// grow without bound between checks.
func (p *Processors) maintenance(ctx context.Context, job *queue.Job, report ProgressFunc) (json.RawMessage, error) {
	var payload MaintenancePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, MarkPermanent(fmt.Errorf("invalid payload: %w", err))
	}
	if payload.RetainSeconds <= 0 {
		payload.RetainSeconds = int((48 * time.Hour).Seconds())
	}

	cutoff := time.Now().Add(-time.Duration(payload.RetainSeconds) * time.Second)
	pruned := 0
	for _, key := range payload.Keys {
		if err := p.Counter.PruneOlderThan(ctx, key, cutoff); err != nil {
			return nil, err
		}
		pruned++
	}

	result, _ := json.Marshal(map[string]int{"pruned_keys": pruned})
	return result, nil
}
