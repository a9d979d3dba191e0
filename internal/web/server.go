package web

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/byildiz78/webser/internal/cache"
	"github.com/byildiz78/webser/internal/config"
	"github.com/byildiz78/webser/internal/events"
	"github.com/byildiz78/webser/internal/queue"
	"github.com/byildiz78/webser/internal/ratelimit"
	"github.com/byildiz78/webser/internal/sqlexec"
	"github.com/byildiz78/webser/internal/tenant"
)

// JobQueue is the slice of the queue the gateway drives.
type JobQueue interface {
	Enqueue(ctx context.Context, class string, payload json.RawMessage, opts queue.Options) (*queue.Job, error)
	GetJob(ctx context.Context, id string) (*queue.Job, error)
	Counts(ctx context.Context) (map[string]queue.ClassCounts, error)
	WaitForJob(ctx context.Context, id string, poll, timeout time.Duration) (*queue.Job, error)
}

// Admitter decides client admission per identifier and endpoint class.
type Admitter interface {
	Check(ctx context.Context, identifier string, class ratelimit.Class) ratelimit.Result
	Usage(ctx context.Context, identifier string, class ratelimit.Class) (int64, ratelimit.Rule, error)
	Rules() map[ratelimit.Class]ratelimit.Rule
}

// ResultCache is the fingerprint → result store for synchronous queries.
type ResultCache interface {
	Get(ctx context.Context, fp string) ([]byte, cache.Metadata, bool, error)
	Put(ctx context.Context, fp string, value []byte, ttl time.Duration) error
}

// TenantResolver authorizes tenant credentials.
type TenantResolver interface {
	Resolve(ctx context.Context, tenantID, apiKey string) (*tenant.Tenant, error)
}

// Deps are the collaborators the gateway wires together.
type Deps struct {
	Pool     *pgxpool.Pool
	Queue    JobQueue
	Admit    Admitter
	Cache    ResultCache
	Resolver TenantResolver
	Executor sqlexec.Executor
	Broker   *events.Broker
	Allow    *Allowlist
	TLS      *tls.Config
	Logger   *slog.Logger
}

type Server struct {
	addr        string
	opsToken    string
	waitTimeout time.Duration
	cacheTTL    time.Duration

	pool     *pgxpool.Pool
	queue    JobQueue
	admit    Admitter
	cache    ResultCache
	resolver TenantResolver
	exec     sqlexec.Executor
	broker   *events.Broker
	allow    *Allowlist
	limiter  *opsLimiter
	tls      *tls.Config
	logger   *slog.Logger
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:        cfg.ListenAddr,
		opsToken:    cfg.OpsToken,
		waitTimeout: cfg.WaitTimeout,
		cacheTTL:    time.Duration(cfg.CacheTTLSeconds) * time.Second,
		pool:        deps.Pool,
		queue:       deps.Queue,
		admit:       deps.Admit,
		cache:       deps.Cache,
		resolver:    deps.Resolver,
		exec:        deps.Executor,
		broker:      deps.Broker,
		allow:       deps.Allow,
		limiter:     newOpsLimiter(0, 0, 0),
		tls:         deps.TLS,
		logger:      logger,
	}
}

// Handler builds the gateway routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/bigquery", s.handleBigQuery)
	mux.HandleFunc("POST /api/instantquery", s.handleInstantQuery)
	mux.HandleFunc("POST /api/analytics", s.handleAnalytics)
	mux.HandleFunc("GET /api/job/status/{id}", s.handleJobStatus)
	mux.HandleFunc("GET /api/job/result/{id}", s.handleJobResult)

	mux.HandleFunc("GET /api/status", s.opsOnly(s.handleQueueStatus))
	mux.HandleFunc("GET /api/rate-limits", s.opsOnly(s.handleRateLimits))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.opsOnly(promhttp.Handler().ServeHTTP))
	mux.HandleFunc("GET /events", s.opsOnly(s.handleEvents))

	return mux
}

func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	if s.tls != nil {
		server.TLSConfig = s.tls
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("Gateway shutdown error", "error", err)
		}
	}()

	s.logger.Info("Gateway listening", "addr", s.addr, "tls", s.tls != nil)
	var err error
	if s.tls != nil {
		err = server.ListenAndServeTLS("", "")
	} else {
		err = server.ListenAndServe()
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) opsOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(w, r) {
			return
		}
		next(w, r)
	}
}

// authorize gates the ops surface on the source allowlist and the bearer
// token, throttling repeated rejections per host.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	host := remoteHost(r.RemoteAddr)
	if s.allow != nil && !s.allow.Allows(host) {
		limited := s.limiter != nil && !s.limiter.allow(host, time.Now())
		s.logger.Warn("Denied ops request",
			"path", r.URL.Path,
			"remote_host", host,
			"reason", "allowlist",
			"rate_limited", limited,
		)
		if limited {
			writeError(w, http.StatusTooManyRequests, "rate limited")
		} else {
			writeError(w, http.StatusForbidden, "forbidden")
		}
		return false
	}
	if s.opsToken == "" {
		return true
	}

	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		token := strings.TrimSpace(authHeader[len("bearer "):])
		if token == s.opsToken {
			return true
		}
	}

	limited := s.limiter != nil && !s.limiter.allow(host, time.Now())
	s.logger.Warn("Unauthorized ops request",
		"path", r.URL.Path,
		"remote_host", host,
		"rate_limited", limited,
	)
	if limited {
		writeError(w, http.StatusTooManyRequests, "rate limited")
	} else {
		writeError(w, http.StatusUnauthorized, "unauthorized")
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.pool != nil {
		if err := s.pool.Ping(r.Context()); err != nil {
			s.logger.Warn("Health check failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "unhealthy")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		writeError(w, http.StatusNotFound, "events not configured")
		return
	}
	filter := parseEventFilter(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch, cancel, snapshot := s.broker.Subscribe()
	defer cancel()
	for _, event := range snapshot {
		if !filter.Matches(event) {
			continue
		}
		if err := writeEvent(w, event); err != nil {
			return
		}
		flusher.Flush()
	}

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event := <-ch:
			if !filter.Matches(event) {
				continue
			}
			if err := writeEvent(w, event); err != nil {
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event events.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
