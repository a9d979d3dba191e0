package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webser_jobs_claimed_total",
		Help: "Total number of jobs claimed by this worker",
	}, []string{"class"})

	jobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webser_jobs_finished_total",
		Help: "Total number of job attempts finished, by outcome",
	}, []string{"class", "outcome"})

	execDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "webser_job_exec_duration_seconds",
		Help:    "Time taken to execute a job's processor",
		Buckets: prometheus.DefBuckets,
	}, []string{"class"})

	jobsReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webser_jobs_reclaimed_total",
		Help: "Total number of jobs recovered from expired leases",
	})

	throughputDeferred = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webser_throughput_deferred_total",
		Help: "Claim attempts deferred by the per-class throughput window",
	}, []string{"class"})
)
