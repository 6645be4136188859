// Package refresh schedules token refreshes ahead of session expiry.
package refresh

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jmcleod/authkeeper/session"
)

// DefaultMargin is how long before expiry a refresh is attempted.
const DefaultMargin = 5 * time.Minute

// RefreshedFunc receives the session that replaced prev.
type RefreshedFunc func(ctx context.Context, prev, next *session.Session)

// FailedFunc receives the error from refreshing prev.
type FailedFunc func(ctx context.Context, prev *session.Session, err error)

type task struct {
	session *session.Session
	due     time.Time
	timer   *time.Timer
	cancel  context.CancelFunc
}

// Scheduler owns at most one pending refresh. Arming a new refresh cancels
// the previous one, including a refresh that is already in flight; the
// result of a cancelled refresh is discarded.
type Scheduler struct {
	refresher session.Refresher
	margin    time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu          sync.Mutex
	task        *task
	closed      bool
	onRefreshed RefreshedFunc
	onFailed    FailedFunc
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMargin sets how long before expiry the refresh fires.
func WithMargin(d time.Duration) Option {
	return func(s *Scheduler) { s.margin = d }
}

// WithClock overrides time.Now when computing refresh deadlines.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLogger sets the logger. If not set, a default JSON logger writing to
// stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// New returns a Scheduler that refreshes through refresher. Nothing is
// scheduled until ScheduleRefresh.
func New(refresher session.Refresher, opts ...Option) *Scheduler {
	s := &Scheduler{
		refresher: refresher,
		margin:    DefaultMargin,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	s.logger = s.logger.With("component", "refresh_scheduler")
	return s
}

// OnRefreshed registers the success callback.
func (s *Scheduler) OnRefreshed(fn RefreshedFunc) {
	s.mu.Lock()
	s.onRefreshed = fn
	s.mu.Unlock()
}

// OnFailed registers the failure callback.
func (s *Scheduler) OnFailed(fn FailedFunc) {
	s.mu.Lock()
	s.onFailed = fn
	s.mu.Unlock()
}

// ScheduleRefresh arms a refresh of sess Margin before it expires,
// replacing any pending one. If that moment has passed the refresh starts
// immediately. A nil session cancels.
func (s *Scheduler) ScheduleRefresh(sess *session.Session) {
	if sess == nil {
		s.Cancel()
		return
	}
	s.arm(sess, sess.ExpiresAt.Sub(s.now())-s.margin)
}

// ScheduleRetry arms a refresh of sess after the given delay, replacing any
// pending one.
func (s *Scheduler) ScheduleRetry(sess *session.Session, after time.Duration) {
	if sess == nil {
		s.Cancel()
		return
	}
	s.arm(sess, after)
}

func (s *Scheduler) arm(sess *session.Session, delay time.Duration) {
	delay = max(delay, 0)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{
		session: sess,
		due:     s.now().Add(delay),
		cancel:  cancel,
	}
	t.timer = time.AfterFunc(delay, func() { s.run(ctx, t) })
	s.task = t
	s.logger.Debug("refresh scheduled", "session", sess, "delay", delay)
}

func (s *Scheduler) run(ctx context.Context, t *task) {
	defer t.cancel()

	s.mu.Lock()
	current := s.task == t
	s.mu.Unlock()
	if !current {
		return
	}

	next, err := s.refresher.Refresh(ctx, t.session.RefreshToken)

	s.mu.Lock()
	current = s.task == t
	if current {
		s.task = nil
	}
	onRefreshed, onFailed := s.onRefreshed, s.onFailed
	s.mu.Unlock()

	if !current || ctx.Err() != nil {
		s.logger.Debug("discarding superseded refresh result")
		return
	}
	if err != nil {
		s.logger.Warn("token refresh failed", "session", t.session, "error", err)
		if onFailed != nil {
			onFailed(ctx, t.session, err)
		}
		return
	}
	if onRefreshed != nil {
		onRefreshed(ctx, t.session, next)
	}
}

// Cancel drops the pending refresh, if any. An in-flight refresh has its
// context cancelled and its result discarded.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	s.stopLocked()
	s.mu.Unlock()
}

func (s *Scheduler) stopLocked() {
	if s.task == nil {
		return
	}
	s.task.timer.Stop()
	s.task.cancel()
	s.task = nil
}

// Pending reports whether a refresh is armed or in flight.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.task != nil
}

// Due returns when the pending refresh fires.
func (s *Scheduler) Due() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.task == nil {
		return time.Time{}, false
	}
	return s.task.due, true
}

// Close cancels any pending refresh. Later scheduling calls are ignored.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.stopLocked()
	s.closed = true
	s.mu.Unlock()
}
