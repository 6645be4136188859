package authstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmcleod/authkeeper/autherr"
	"github.com/jmcleod/authkeeper/internal/audit"
	"github.com/jmcleod/authkeeper/provider"
	"github.com/jmcleod/authkeeper/session"
)

var (
	// ErrNotInitialized is returned by Dispatch before Initialize for every
	// event except SignedOut.
	ErrNotInitialized = errors.New("auth state not initialized")
	// ErrClosed is returned after Cleanup.
	ErrClosed = errors.New("auth state broadcaster closed")
	// ErrInvalidEvent is returned for unknown event types and for events
	// carrying a missing or expired session.
	ErrInvalidEvent = errors.New("invalid auth event")
)

// DefaultRetryInterval is the delay before retrying a refresh that failed
// for a reason other than rejected credentials.
const DefaultRetryInterval = time.Minute

// Broadcaster is the single source of truth for the authentication state.
// All mutations go through Initialize and Dispatch, which are serialized;
// State may be read concurrently at any time.
type Broadcaster struct {
	persister     Persister
	scheduler     Scheduler
	source        ChangeSource
	users         UserStore
	cache         Cache
	audit         *audit.Logger
	retryInterval time.Duration
	isFatal       func(error) bool
	now           func() time.Time
	logger        *slog.Logger

	// dispatchMu is held for a whole transition, I/O and notifications
	// included. Consumers must not call Dispatch from their callbacks.
	dispatchMu  sync.Mutex
	initialized bool

	// signedOutEarly records a SignedOut applied while Restoring; the
	// restoration outcome handed to Initialize is then discarded.
	signedOutEarly bool

	state  atomic.Pointer[State]
	closed atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc

	subMu       sync.Mutex
	unsubscribe func()
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithChangeSource subscribes to provider-originated changes on Initialize.
func WithChangeSource(src ChangeSource) Option {
	return func(b *Broadcaster) { b.source = src }
}

// WithUserStore publishes the signed-in user to u on every transition.
func WithUserStore(u UserStore) Option {
	return func(b *Broadcaster) { b.users = u }
}

// WithCache keeps c in step with the signed-in identity.
func WithCache(c Cache) Option {
	return func(b *Broadcaster) { b.cache = c }
}

// WithAuditLogger records refresh outcomes to a. If not set, nothing is audited.
func WithAuditLogger(a *audit.Logger) Option {
	return func(b *Broadcaster) { b.audit = a }
}

// WithRetryInterval sets the delay before a failed refresh is retried.
func WithRetryInterval(d time.Duration) Option {
	return func(b *Broadcaster) { b.retryInterval = d }
}

// WithFatalClassifier decides which refresh failures end the session. By
// default authentication and validation failures do.
func WithFatalClassifier(fn func(error) bool) Option {
	return func(b *Broadcaster) { b.isFatal = fn }
}

// WithClock overrides time.Now for session expiry checks.
func WithClock(now func() time.Time) Option {
	return func(b *Broadcaster) { b.now = now }
}

// WithLogger sets the logger for the broadcaster. If not set, a default JSON
// logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broadcaster) { b.logger = logger }
}

// New returns a Broadcaster in the Restoring state. It registers itself as
// the scheduler's refresh callback.
func New(persister Persister, scheduler Scheduler, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		persister:     persister,
		scheduler:     scheduler,
		retryInterval: DefaultRetryInterval,
		isFatal:       autherr.IsRejected,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	b.logger = b.logger.With("component", "authstate")
	b.ctx, b.cancel = context.WithCancel(context.Background())

	initial := Restoring()
	b.state.Store(&initial)

	scheduler.OnRefreshed(b.refreshed)
	scheduler.OnFailed(b.refreshFailed)
	return b
}

// State returns the current snapshot without blocking.
func (b *Broadcaster) State() State {
	return *b.state.Load()
}

// Done is closed by Cleanup.
func (b *Broadcaster) Done() <-chan struct{} {
	return b.ctx.Done()
}

// Initialize leaves the Restoring state, exactly once. A valid restored
// session makes the state Authenticated; anything else Unauthenticated, and
// the persisted session is cleared. If SignedOut was dispatched during
// restoration the restored session is discarded and storage cleared again.
// Later calls log a warning and do nothing.
func (b *Broadcaster) Initialize(ctx context.Context, restored *session.Session) error {
	return b.initialize(ctx, restored, false)
}

// InitializeRetained is Initialize for an unauthenticated start that keeps
// the persisted session, for when restoration could not reach a verdict.
func (b *Broadcaster) InitializeRetained(ctx context.Context) error {
	return b.initialize(ctx, nil, true)
}

func (b *Broadcaster) initialize(ctx context.Context, restored *session.Session, retain bool) error {
	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()

	if b.closed.Load() {
		return ErrClosed
	}
	if b.initialized {
		b.logger.WarnContext(ctx, "initialize called more than once")
		return nil
	}
	b.initialized = true

	if b.source != nil {
		unsub := b.source.OnAuthStateChange(b.handleChange)
		b.subMu.Lock()
		if b.closed.Load() {
			// Cleanup ran while we were subscribing.
			b.subMu.Unlock()
			unsub()
			return ErrClosed
		}
		b.unsubscribe = unsub
		b.subMu.Unlock()
	}

	if b.signedOutEarly {
		// Restoration may have saved a rotated token after the sign-out.
		if restored != nil || retain {
			b.logger.InfoContext(ctx, "discarding restored session after sign-out")
		}
		if err := b.persister.Clear(ctx); err != nil {
			b.logger.WarnContext(ctx, "clearing persisted session", "error", err)
		}
		return nil
	}

	cur := b.State()
	if restored.Valid(b.now()) {
		next := Authenticated(restored)
		if !b.commitLocked(cur, next) {
			return nil
		}
		if err := b.persister.Save(ctx, restored); err != nil {
			b.logger.WarnContext(ctx, "persisting restored session", "error", err)
		}
		b.scheduler.ScheduleRefresh(restored)
		b.notify(cur, next)
		return nil
	}

	if restored != nil {
		b.logger.InfoContext(ctx, "restored session already expired")
	}
	next := Unauthenticated()
	if !b.commitLocked(cur, next) {
		return nil
	}
	if !retain {
		if err := b.persister.Clear(ctx); err != nil {
			b.logger.WarnContext(ctx, "clearing persisted session", "error", err)
		}
	}
	b.notify(cur, next)
	return nil
}

// Dispatch applies ev. Persistence failures are logged and do not undo the
// transition. SignedOut is accepted while Restoring: it clears persistence
// and moves to Unauthenticated, and the later Initialize does not bring the
// restored session back.
func (b *Broadcaster) Dispatch(ctx context.Context, ev Event) error {
	if err := b.validate(ev); err != nil {
		return err
	}

	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()

	if b.closed.Load() {
		return ErrClosed
	}
	if !b.initialized {
		if ev.Type != SignedOut {
			return ErrNotInitialized
		}
		b.signedOutEarly = true
	}
	b.applyLocked(ctx, ev)
	return nil
}

func (b *Broadcaster) validate(ev Event) error {
	switch ev.Type {
	case SignedOut:
		return nil
	case SignedIn, TokenRefreshed, UserUpdated:
	default:
		return fmt.Errorf("%w: unknown type %v", ErrInvalidEvent, ev.Type)
	}
	if ev.Session == nil || ev.Session.RefreshToken == "" {
		return fmt.Errorf("%w: %v without a session", ErrInvalidEvent, ev.Type)
	}
	if !ev.Session.Valid(b.now()) {
		return fmt.Errorf("%w: %v with an expired session", ErrInvalidEvent, ev.Type)
	}
	return nil
}

// applyLocked performs ev and reports whether the state changed.
func (b *Broadcaster) applyLocked(ctx context.Context, ev Event) bool {
	cur := b.State()

	if ev.Type == SignedOut {
		return b.signOutLocked(ctx, cur, true)
	}
	if ev.Type != SignedIn && !cur.IsAuthenticated() {
		b.logger.DebugContext(ctx, "dropping event while signed out", "event", ev.Type)
		return false
	}
	if ev.predecessor != nil && !(cur.IsAuthenticated() && cur.Session.Same(ev.predecessor)) {
		b.logger.DebugContext(ctx, "dropping refresh of a superseded session")
		return false
	}
	if cur.IsAuthenticated() && cur.Session.Same(ev.Session) {
		return false
	}

	next := Authenticated(ev.Session)
	if !b.commitLocked(cur, next) {
		return false
	}
	if err := b.persister.Save(ctx, ev.Session); err != nil {
		b.logger.WarnContext(ctx, "persisting session", "event", ev.Type, "error", err)
	}
	b.scheduler.ScheduleRefresh(ev.Session)
	b.notify(cur, next)
	b.logger.DebugContext(ctx, "auth state changed", "event", ev.Type, "session", ev.Session)
	return true
}

// signOutLocked moves to Unauthenticated. With clear unset the persisted
// session survives so a later restore can pick it up.
func (b *Broadcaster) signOutLocked(ctx context.Context, cur State, clear bool) bool {
	b.scheduler.Cancel()
	if clear {
		if err := b.persister.Clear(ctx); err != nil {
			b.logger.WarnContext(ctx, "clearing persisted session", "error", err)
		}
	}
	if cur.Status == StatusUnauthenticated {
		return false
	}
	next := Unauthenticated()
	if !b.commitLocked(cur, next) {
		return false
	}
	b.notify(cur, next)
	return true
}

func (b *Broadcaster) commitLocked(cur, next State) bool {
	if !canTransition(cur.Status, next.Status) {
		b.logger.Error("illegal auth state transition", "from", cur.Status, "to", next.Status)
		return false
	}
	b.state.Store(&next)
	return true
}

func (b *Broadcaster) notify(prev, next State) {
	prevUser, nextUser := prev.User(), next.User()
	if b.users != nil {
		b.users.SetUser(nextUser)
	}
	if b.cache == nil {
		return
	}
	b.cache.SetCachedUser(nextUser)
	switch {
	case nextUser == nil:
		b.cache.InvalidateAllExcept("")
	case prevUser == nil || prevUser.ID != nextUser.ID:
		b.cache.InvalidateAllExcept(TagUser)
	}
}

func (b *Broadcaster) handleChange(pev provider.ChangeEvent) {
	ev, ok := fromChange(pev)
	if !ok {
		b.logger.Debug("ignoring provider change", "type", pev.Type)
		return
	}
	err := b.Dispatch(b.ctx, ev)
	if err != nil && !errors.Is(err, ErrClosed) && !errors.Is(err, ErrNotInitialized) {
		b.logger.Warn("applying provider change", "type", pev.Type, "error", err)
	}
}

func (b *Broadcaster) refreshed(_ context.Context, prev, next *session.Session) {
	ev := TokenRefreshedEvent(next)
	ev.predecessor = prev
	if err := b.validate(ev); err != nil {
		b.refreshFailed(b.ctx, prev, err)
		return
	}

	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()
	if b.closed.Load() || !b.initialized {
		return
	}
	if b.applyLocked(b.ctx, ev) {
		b.audit.Success(b.ctx, audit.TokenRefreshed, next.User.ID)
	}
}

func (b *Broadcaster) refreshFailed(_ context.Context, prev *session.Session, err error) {
	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()
	if b.closed.Load() || !b.initialized {
		return
	}
	cur := b.State()
	if !cur.IsAuthenticated() || !cur.Session.Same(prev) {
		return
	}
	reason := slog.String("category", autherr.Classify(err).String())

	if b.isFatal(err) {
		b.logger.Warn("refresh rejected, signing out", "error", err)
		b.audit.Success(b.ctx, audit.RefreshFailed, prev.User.ID, reason)
		b.signOutLocked(b.ctx, cur, true)
		return
	}
	if remaining := prev.ExpiresAt.Sub(b.now()); remaining > 0 {
		delay := min(b.retryInterval, remaining)
		b.logger.Info("refresh failed, retrying", "error", err, "retry_in", delay)
		b.audit.Success(b.ctx, audit.RefreshDeferred, prev.User.ID, reason)
		b.scheduler.ScheduleRetry(prev, delay)
		return
	}
	b.logger.Warn("session expired before it could be refreshed", "error", err)
	b.audit.Success(b.ctx, audit.RefreshFailed, prev.User.ID, reason, slog.Bool("retained", true))
	b.signOutLocked(b.ctx, cur, false)
}

// Cleanup stops the broadcaster: it unsubscribes from the provider, cancels
// any pending refresh and makes later calls return ErrClosed. It is
// idempotent and may run before Initialize has finished, in which case
// Initialize tears its subscription down itself.
func (b *Broadcaster) Cleanup() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.cancel()
	b.scheduler.Close()

	b.subMu.Lock()
	unsub := b.unsubscribe
	b.unsubscribe = nil
	b.subMu.Unlock()
	if unsub != nil {
		unsub()
	}
}
