// Package ratelimit implements request admission control with a sliding
// window counter.
//
// The limiter runs in one of two modes, selected once at startup:
//
//   - Local: a per-process counter map. Suitable for single-instance
//     deployments; counters do not survive restarts.
//   - Shared: a Redis-backed sliding window (see redis.go) so that multiple
//     instances enforce one combined limit. On any backend error a check
//     fails open to the local counter for that single call, so admission
//     degrades gracefully instead of blocking all traffic while the local
//     counter still bounds the fallback.
//
// Check never returns an error: denial is a normal outcome, expressed in
// the Result.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// sweepInterval is how often expired local records are garbage-collected.
const sweepInterval = time.Minute

// Config defines one named rate-limit scope: at most Limit requests per
// identifier within a trailing Window.
type Config struct {
	Limit  int
	Window time.Duration
}

// Preset configurations, one per named operation. The limiter mechanism is
// scope-agnostic; these values are product decisions.
var (
	// ChatMessage limits chat message sending.
	ChatMessage = Config{Limit: 30, Window: time.Minute}

	// ConversationCreate limits new conversation creation.
	ConversationCreate = Config{Limit: 5, Window: time.Minute}

	// FileUpload limits document uploads.
	FileUpload = Config{Limit: 10, Window: 10 * time.Minute}

	// APIRequest is the generic catch-all scope.
	APIRequest = Config{Limit: 100, Window: time.Minute}
)

// Result is the outcome of a single admission check.
// Computed fresh per call, never stored.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RetryAfter returns the suggested wait before retrying, derived from
// ResetAt. Never less than one second so clients do not busy-loop.
func (r Result) RetryAfter() time.Duration {
	d := time.Until(r.ResetAt)
	if d < time.Second {
		return time.Second
	}
	return d
}

// record tracks one identifier's current window.
// A record is only valid while now < resetAt; an expired record is treated
// as absent.
type record struct {
	count   int
	resetAt time.Time
}

// SharedBackend is a distributed sliding-window primitive, typically Redis.
// Implementations must be safe for concurrent use.
type SharedBackend interface {
	// Allow records one request for identifier under cfg and reports the
	// admission decision. An error means the backend is unavailable; the
	// caller decides how to degrade.
	Allow(ctx context.Context, identifier string, cfg Config) (Result, error)
}

// Limiter decides whether a request may proceed under a rate limit.
//
// Limiter is safe for concurrent use by multiple goroutines.
type Limiter struct {
	mu      sync.Mutex
	records map[string]*record

	shared SharedBackend // nil = local only
	logger *slog.Logger

	done     chan struct{}
	stopOnce sync.Once
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithSharedBackend enables the distributed backend. Local counters remain
// as the fail-open fallback.
func WithSharedBackend(b SharedBackend) Option {
	return func(l *Limiter) { l.shared = b }
}

// New creates a Limiter and starts its background sweeper.
// Call Close to stop the sweeper.
func New(logger *slog.Logger, opts ...Option) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}

	l := &Limiter{
		records: make(map[string]*record),
		logger:  logger,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.shared != nil {
		logger.Info("rate limiter using shared backend with local fallback")
	} else {
		logger.Warn("rate limiter using in-process counters; limits are per-instance")
	}

	go l.sweep()
	return l
}

// Check performs a synchronous, local-only admission check.
// It always succeeds; a denied request is reported via Result.Allowed.
func (l *Limiter) Check(identifier string, cfg Config) Result {
	return l.checkLocal(identifier, cfg, time.Now())
}

// CheckContext performs an admission check, using the shared backend when
// configured. Any backend error falls back to the local counter for this
// single check.
func (l *Limiter) CheckContext(ctx context.Context, identifier string, cfg Config) Result {
	if l.shared == nil {
		return l.Check(identifier, cfg)
	}

	res, err := l.shared.Allow(ctx, identifier, cfg)
	if err != nil {
		l.logger.Error("shared rate limit backend unavailable, falling back to local",
			"identifier", identifier,
			"error", err,
		)
		return l.Check(identifier, cfg)
	}
	return res
}

// checkLocal applies the sliding-window counter for one identifier.
// Single critical section per call; counter updates never interleave.
func (l *Limiter) checkLocal(identifier string, cfg Config, now time.Time) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[identifier]
	if !ok || !now.Before(rec.resetAt) {
		// Fresh window.
		resetAt := now.Add(cfg.Window)
		l.records[identifier] = &record{count: 1, resetAt: resetAt}
		return Result{Allowed: true, Remaining: cfg.Limit - 1, ResetAt: resetAt}
	}

	rec.count++
	if rec.count > cfg.Limit {
		return Result{Allowed: false, Remaining: 0, ResetAt: rec.resetAt}
	}
	return Result{Allowed: true, Remaining: cfg.Limit - rec.count, ResetAt: rec.resetAt}
}

// sweep periodically removes expired records so memory stays bounded under
// many distinct identifiers.
func (l *Limiter) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case now := <-ticker.C:
			l.mu.Lock()
			for key, rec := range l.records {
				if !now.Before(rec.resetAt) {
					delete(l.records, key)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Close stops the background sweeper. Safe to call more than once.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.done) })
}

// size reports the number of live local records. Test hook.
func (l *Limiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}
