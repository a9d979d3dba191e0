package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/byildiz78/webser/internal/cache"
	"github.com/byildiz78/webser/internal/events"
	"github.com/byildiz78/webser/internal/export"
	"github.com/byildiz78/webser/internal/queue"
	"github.com/byildiz78/webser/internal/ratelimit"
	"github.com/byildiz78/webser/internal/tenant"
)

// queryRequest is the body shared by the query endpoints.
type queryRequest struct {
	TenantID string         `json:"tenant_id"`
	APIKey   string         `json:"api_key"`
	Query    string         `json:"query"`
	Params   map[string]any `json:"params,omitempty"`
}

type jobStatusResponse struct {
	ID           string          `json:"id"`
	Class        string          `json:"class"`
	State        queue.JobState  `json:"state"`
	AttemptsMade int             `json:"attempts_made"`
	MaxAttempts  int             `json:"max_attempts"`
	Progress     json.RawMessage `json:"progress,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        *string         `json:"error,omitempty"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

func statusResponse(job *queue.Job) jobStatusResponse {
	resp := jobStatusResponse{
		ID:           job.ID,
		Class:        job.Class,
		State:        job.State,
		AttemptsMade: job.AttemptsMade,
		MaxAttempts:  job.MaxAttempts,
		Progress:     job.Progress,
		EnqueuedAt:   job.EnqueuedAt,
		StartedAt:    job.StartedAt,
		FinishedAt:   job.FinishedAt,
	}
	if job.State == queue.StateCompleted {
		resp.Result = job.Result
	}
	if job.State == queue.StateFailed {
		resp.Error = job.LastError
	}
	return resp
}

// admitRequest runs the shared admission pipeline: body validation, tenant
// authorization, then rate limiting. Returns nils when a response has
// already been written. Admission errors never reach the queue.
func (s *Server) admitRequest(w http.ResponseWriter, r *http.Request, class ratelimit.Class) (*queryRequest, *tenant.Tenant) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return nil, nil
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "missing query")
		return nil, nil
	}

	t, err := s.resolver.Resolve(r.Context(), req.TenantID, req.APIKey)
	if err != nil {
		if errors.Is(err, tenant.ErrNotAuthorized) {
			writeError(w, http.StatusUnauthorized, "not authorized")
			return nil, nil
		}
		s.logger.Error("Tenant resolution failed", "tenant_id", req.TenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, nil
	}

	res := s.admit.Check(r.Context(), req.TenantID, class)
	setRateHeaders(w, res)
	if !res.Allowed {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":     "rate limit exceeded",
			"limit":     res.Limit,
			"remaining": res.Remaining,
			"reset_at":  res.ResetAt.UTC().Format(time.RFC3339),
		})
		return nil, nil
	}
	return &req, t
}

func setRateHeaders(w http.ResponseWriter, res ratelimit.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
}

func (s *Server) enqueueAndAccept(w http.ResponseWriter, r *http.Request, class string, req *queryRequest) {
	payload, err := json.Marshal(req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	job, err := s.queue.Enqueue(r.Context(), class, payload, queue.Options{})
	if err != nil {
		s.logger.Error("Enqueue failed", "class", class, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	s.broker.Publish(events.Event{
		Level: "info", Type: events.TypeEnqueued, Message: "job enqueued",
		Class: class, JobID: job.ID,
	})
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.ID,
		"state":  string(job.State),
	})
}

// handleBigQuery admits and enqueues a bulk query for asynchronous
// execution.
func (s *Server) handleBigQuery(w http.ResponseWriter, r *http.Request) {
	req, _ := s.admitRequest(w, r, ratelimit.ClassDefault)
	if req == nil {
		return
	}
	s.enqueueAndAccept(w, r, queue.ClassBulkQuery, req)
}

// handleAnalytics admits and enqueues an analytics read.
func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	req, _ := s.admitRequest(w, r, ratelimit.ClassAnalytics)
	if req == nil {
		return
	}
	s.enqueueAndAccept(w, r, queue.ClassAnalytics, req)
}

// handleInstantQuery serves a synchronous query, consulting the result cache
// first. Cache trouble degrades to a miss, never a failure.
func (s *Server) handleInstantQuery(w http.ResponseWriter, r *http.Request) {
	req, t := s.admitRequest(w, r, ratelimit.ClassQuery)
	if req == nil {
		return
	}

	fp := cache.Fingerprint(req.TenantID, req.Query, req.Params)
	if s.cache != nil {
		cached, _, hit, err := s.cache.Get(r.Context(), fp)
		if err != nil {
			s.logger.Warn("Result cache read failed", "error", err)
		} else if hit {
			w.Header().Set("X-Cache", "HIT")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(cached)
			return
		}
	}

	execCtx := r.Context()
	if s.waitTimeout > 0 {
		var cancel func()
		execCtx, cancel = context.WithTimeout(execCtx, s.waitTimeout)
		defer cancel()
	}
	res, err := s.exec.Execute(execCtx, t.ConnStr, req.Query, req.Params)
	if err != nil {
		s.logger.Error("Instant query failed", "tenant_id", req.TenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "query execution failed")
		return
	}

	body, err := json.Marshal(res)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if s.cache != nil {
		if err := s.cache.Put(r.Context(), fp, body, s.cacheTTL); err != nil {
			s.logger.Warn("Result cache write failed", "error", err)
		}
	}

	w.Header().Set("X-Cache", "MISS")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// handleJobStatus reports a job's state. With ?wait=<duration> it blocks
// until the job reaches a terminal state or the wait elapses, answering with
// the last observed state either way.
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var job *queue.Job
	var err error
	if raw := r.URL.Query().Get("wait"); raw != "" {
		wait, parseErr := time.ParseDuration(raw)
		if parseErr != nil || wait <= 0 {
			writeError(w, http.StatusBadRequest, "invalid wait duration")
			return
		}
		if s.waitTimeout > 0 && wait > s.waitTimeout {
			wait = s.waitTimeout
		}
		job, err = s.queue.WaitForJob(r.Context(), id, 0, wait)
		if errors.Is(err, queue.ErrWaitTimeout) && job != nil {
			err = nil
		}
	} else {
		job, err = s.queue.GetJob(r.Context(), id)
	}
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("Job lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse(job))
}

// handleJobResult streams a completed job's result as a zip artifact.
func (s *Server) handleJobResult(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("Job lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if job.State != queue.StateCompleted {
		writeError(w, http.StatusConflict, fmt.Sprintf("job is %s, result available only for completed jobs", job.State))
		return
	}

	archive, err := export.Archive(job.Result)
	if err != nil {
		s.logger.Error("Result export failed", "job_id", job.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to package result")
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "result-"+job.ID+".zip"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(archive)
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.queue.Counts(r.Context())
	if err != nil {
		s.logger.Error("Queue counts failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"classes": counts})
}

func (s *Server) handleRateLimits(w http.ResponseWriter, r *http.Request) {
	identifier := r.URL.Query().Get("tenant_id")

	type classUsage struct {
		Limit         int   `json:"limit"`
		WindowSeconds int   `json:"window_seconds"`
		Used          int64 `json:"used"`
	}
	out := map[string]classUsage{}
	for class, rule := range s.admit.Rules() {
		used, _, err := s.admit.Usage(r.Context(), identifier, class)
		if err != nil {
			s.logger.Warn("Usage lookup failed", "class", string(class), "error", err)
		}
		out[string(class)] = classUsage{
			Limit:         rule.Limit,
			WindowSeconds: int(rule.Window.Seconds()),
			Used:          used,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenant_id": identifier, "classes": out})
}
