package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/byildiz78/webser/internal/counter"
)

// Class selects which admission rule applies to a request.
type Class string

const (
	ClassQuery     Class = "query"
	ClassAnalytics Class = "analytics"
	ClassDefault   Class = "api"
)

const anonymousBucket = "anonymous"

// Rule is a sliding-window admission limit.
type Rule struct {
	Limit  int
	Window time.Duration
}

// DefaultRules mirrors the gateway's published limits: expensive synchronous
// queries get a low hourly budget, analytics reads a generous daily one, and
// everything else falls into the general bucket.
func DefaultRules() map[Class]Rule {
	return map[Class]Rule{
		ClassQuery:     {Limit: 50, Window: time.Hour},
		ClassAnalytics: {Limit: 1000, Window: 24 * time.Hour},
		ClassDefault:   {Limit: 100, Window: time.Hour},
	}
}

// Result reports the admission decision plus the header fields the gateway
// returns on every response.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter struct {
	counter counter.Counter
	rules   map[Class]Rule
	logger  *slog.Logger
	now     func() time.Time
}

func New(c counter.Counter, rules map[Class]Rule, logger *slog.Logger) *Limiter {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Limiter{
		counter: c,
		rules:   rules,
		logger:  logger,
		now:     time.Now,
	}
}

// Check records a usage event for identifier under class and decides whether
// the request is admitted. Denied calls still count against the window so a
// retry storm cannot reset it. If the counter is unreachable the limiter
// fails open: availability is preferred over strict enforcement, and the
// fallback assumes low usage.
func (l *Limiter) Check(ctx context.Context, identifier string, class Class) Result {
	rule, ok := l.rules[class]
	if !ok {
		rule = l.rules[ClassDefault]
	}
	if identifier == "" {
		identifier = anonymousBucket
	}

	key := "ratelimit:" + string(class) + ":" + identifier
	now := l.now()

	if err := l.counter.Record(ctx, key, now); err != nil {
		l.logger.Warn("Rate limit record failed, failing open", "class", string(class), "error", err)
		return Result{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit - 1, ResetAt: now.Add(rule.Window)}
	}

	count, err := l.counter.CountRange(ctx, key, now.Add(-rule.Window), now)
	if err != nil {
		l.logger.Warn("Rate limit count failed, failing open", "class", string(class), "error", err)
		return Result{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit - 1, ResetAt: now.Add(rule.Window)}
	}

	// Best effort; a failed prune never blocks admission.
	_ = l.counter.PruneOlderThan(ctx, key, now.Add(-2*rule.Window))

	remaining := rule.Limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   int(count) <= rule.Limit,
		Limit:     rule.Limit,
		Remaining: remaining,
		ResetAt:   now.Add(rule.Window),
	}
}

// Usage returns the current event count in the trailing window without
// recording a new event. Used by the rate-limits inspection endpoint.
func (l *Limiter) Usage(ctx context.Context, identifier string, class Class) (int64, Rule, error) {
	rule, ok := l.rules[class]
	if !ok {
		rule = l.rules[ClassDefault]
	}
	if identifier == "" {
		identifier = anonymousBucket
	}
	now := l.now()
	count, err := l.counter.CountRange(ctx, "ratelimit:"+string(class)+":"+identifier, now.Add(-rule.Window), now)
	return count, rule, err
}

// Rules exposes the configured admission table.
func (l *Limiter) Rules() map[Class]Rule {
	return l.rules
}
