// Package ratelimit throttles credential-exchange attempts per identifier
// with progressive backoff and a temporary lockout.
package ratelimit

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jmcleod/authkeeper/internal/util"
)

// Config holds the limiter parameters.
type Config struct {
	// MaxAttempts is the number of counted attempts allowed per window
	// before the identifier is locked.
	MaxAttempts int
	// Window is measured from the first attempt; once it elapses the
	// record starts over.
	Window time.Duration
	// LockoutDuration is how long an identifier stays locked.
	LockoutDuration time.Duration
	// BaseBackoff is the wait required after the first counted attempt.
	// It doubles with every further attempt up to MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// RecordTTL is how long an idle, unlocked record is kept.
	RecordTTL time.Duration
}

// DefaultConfig returns the production parameters.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     5,
		Window:          15 * time.Minute,
		LockoutDuration: 15 * time.Minute,
		BaseBackoff:     time.Second,
		MaxBackoff:      30 * time.Second,
		RecordTTL:       time.Hour,
	}
}

// Result is the outcome of CheckAndRecordAttempt. A rejected attempt sets
// either WaitTime (backoff) or LockedUntil (lockout).
type Result struct {
	Allowed           bool
	RemainingAttempts int
	WaitTime          time.Duration
	LockedUntil       time.Time
}

// Locked reports whether the result is a lockout rejection.
func (r Result) Locked() bool { return !r.LockedUntil.IsZero() }

type attemptRecord struct {
	count        int
	firstAttempt time.Time
	lastAttempt  time.Time
	lockedUntil  time.Time
}

// Limiter tracks attempts per identifier. The zero value is not usable; use
// New.
type Limiter struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	attempts map[string]*attemptRecord
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithConfig replaces the default limits.
func WithConfig(cfg Config) Option {
	return func(l *Limiter) { l.cfg = cfg }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the logger. If not set, a default JSON logger writing to
// stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// New returns a Limiter with no recorded attempts.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		cfg:      DefaultConfig(),
		now:      time.Now,
		attempts: make(map[string]*attemptRecord),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	l.logger = l.logger.With("component", "ratelimit")
	return l
}

// NormalizeIdentifier folds an identifier so that visually equal emails
// share one record.
func NormalizeIdentifier(identifier string) string {
	return util.FoldIdentifier(identifier)
}

// CheckAndRecordAttempt decides whether an attempt for identifier may
// proceed and, if so, counts it. Rejected attempts are not counted.
func (l *Limiter) CheckAndRecordAttempt(identifier string) Result {
	key := NormalizeIdentifier(identifier)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.attempts[key]
	if ok {
		switch {
		case !rec.lockedUntil.IsZero():
			if now.Before(rec.lockedUntil) {
				return Result{LockedUntil: rec.lockedUntil}
			}
			ok = false
		case now.Sub(rec.firstAttempt) >= l.cfg.Window:
			ok = false
		}
	}
	if !ok {
		rec = &attemptRecord{firstAttempt: now}
		l.attempts[key] = rec
	}

	if rec.count > 0 {
		if wait := rec.lastAttempt.Add(l.backoff(rec.count)).Sub(now); wait > 0 {
			return Result{
				RemainingAttempts: l.cfg.MaxAttempts - rec.count,
				WaitTime:          wait,
			}
		}
	}

	rec.count++
	rec.lastAttempt = now
	if rec.count >= l.cfg.MaxAttempts {
		rec.lockedUntil = now.Add(l.cfg.LockoutDuration)
		l.logger.Warn("identifier locked", "locked_until", rec.lockedUntil)
	}
	return Result{
		Allowed:           true,
		RemainingAttempts: max(l.cfg.MaxAttempts-rec.count, 0),
	}
}

// backoff returns the wait required after n counted attempts.
func (l *Limiter) backoff(n int) time.Duration {
	d := l.cfg.BaseBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if d >= l.cfg.MaxBackoff {
			return l.cfg.MaxBackoff
		}
	}
	return min(d, l.cfg.MaxBackoff)
}

// ClearAttempts forgets identifier, typically after a successful attempt.
func (l *Limiter) ClearAttempts(identifier string) {
	key := NormalizeIdentifier(identifier)
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, key)
}

// Cleanup removes records that have been idle longer than RecordTTL and are
// not locked. It returns the number of records removed.
func (l *Limiter) Cleanup() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, rec := range l.attempts {
		if now.Before(rec.lockedUntil) {
			continue
		}
		if now.Sub(rec.lastAttempt) > l.cfg.RecordTTL {
			delete(l.attempts, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked identifiers.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.attempts)
}

// Run calls Cleanup every interval until ctx is done.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Cleanup(); n > 0 {
				l.logger.Debug("swept attempt records", "removed", n)
			}
		}
	}
}
