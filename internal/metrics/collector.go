package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	defaultInterval = 2 * time.Second
	queryTimeout    = 2 * time.Second
)

var (
	jobsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "webser_jobs",
		Help: "Number of jobs per class and state.",
	}, []string{"class", "state"})
	queueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "webser_queue_depth",
		Help: "Number of jobs waiting or delayed across all classes.",
	})
	jobsActiveGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "webser_jobs_active",
		Help: "Number of active jobs across all classes.",
	})
	oldestWaitingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "webser_oldest_waiting_seconds",
		Help: "Age of the oldest waiting job in seconds.",
	})
)

// StartCollector samples queue aggregates from Postgres on an interval and
// exports them as gauges.
func StartCollector(ctx context.Context, pool *pgxpool.Pool, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = defaultInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := collectJobMetrics(ctx, pool); err != nil && logger != nil {
				logger.Warn("Queue metrics collection failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func collectJobMetrics(ctx context.Context, pool *pgxpool.Pool) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := pool.Query(queryCtx, `
		SELECT class, state, COUNT(*)
		FROM query_jobs
		GROUP BY class, state
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	jobsByState.Reset()
	var depth, active int64
	for rows.Next() {
		var class, state string
		var count int64
		if err := rows.Scan(&class, &state, &count); err != nil {
			return err
		}
		jobsByState.WithLabelValues(class, state).Set(float64(count))
		switch state {
		case "waiting", "delayed":
			depth += count
		case "active":
			active += count
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	queueDepthGauge.Set(float64(depth))
	jobsActiveGauge.Set(float64(active))

	var oldest *time.Time
	err = pool.QueryRow(queryCtx, `
		SELECT MIN(enqueued_at) FROM query_jobs WHERE state = 'waiting'
	`).Scan(&oldest)
	if err != nil {
		return err
	}
	if oldest != nil {
		oldestWaitingGauge.Set(time.Since(*oldest).Seconds())
	} else {
		oldestWaitingGauge.Set(0)
	}
	return nil
}
