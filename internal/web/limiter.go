package web

import (
	"sync"
	"time"
)

const (
	defaultOpsLimit      = 30
	defaultOpsWindow     = time.Minute
	defaultOpsMaxEntries = 1000
)

// opsLimiter throttles repeated denied or unauthorized requests per source
// host. It protects the ops endpoints from credential guessing; tenant
// admission control lives in the ratelimit package.
type opsLimiter struct {
	mu          sync.Mutex
	limit       int
	window      time.Duration
	maxEntries  int
	entries     map[string]*opsEntry
	lastCleanup time.Time
}

type opsEntry struct {
	count       int
	windowStart time.Time
	lastSeen    time.Time
}

func newOpsLimiter(limit int, window time.Duration, maxEntries int) *opsLimiter {
	if limit <= 0 {
		limit = defaultOpsLimit
	}
	if window <= 0 {
		window = defaultOpsWindow
	}
	if maxEntries <= 0 {
		maxEntries = defaultOpsMaxEntries
	}
	return &opsLimiter{
		limit:      limit,
		window:     window,
		maxEntries: maxEntries,
		entries:    make(map[string]*opsEntry),
	}
}

func (l *opsLimiter) allow(key string, now time.Time) bool {
	if l == nil {
		return true
	}
	if key == "" {
		key = "unknown"
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.shouldCleanup(now) {
		l.cleanup(now)
	}

	entry := l.entries[key]
	if entry == nil {
		entry = &opsEntry{windowStart: now}
		l.entries[key] = entry
	}
	if now.Sub(entry.windowStart) >= l.window {
		entry.count = 0
		entry.windowStart = now
	}
	entry.lastSeen = now
	if entry.count >= l.limit {
		return false
	}
	entry.count++
	return true
}

func (l *opsLimiter) shouldCleanup(now time.Time) bool {
	if len(l.entries) > l.maxEntries {
		return true
	}
	if l.lastCleanup.IsZero() {
		return true
	}
	return now.Sub(l.lastCleanup) >= l.window
}

func (l *opsLimiter) cleanup(now time.Time) {
	staleCutoff := now.Add(-2 * l.window)
	for key, entry := range l.entries {
		if entry.lastSeen.Before(staleCutoff) {
			delete(l.entries, key)
		}
	}
	if len(l.entries) > l.maxEntries {
		excess := len(l.entries) - l.maxEntries
		for key := range l.entries {
			delete(l.entries, key)
			excess--
			if excess <= 0 {
				break
			}
		}
	}
	l.lastCleanup = now
}
