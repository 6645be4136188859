package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"
)

// Refresher exchanges a refresh token for a new session.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*Session, error)
}

// Restorer turns a persisted session into a live one at startup.
type Restorer struct {
	persistence *Persistence
	refresher   Refresher
	isRejected  func(error) bool
	now         func() time.Time
	logger      *slog.Logger

	inProgress atomic.Bool
}

// RestorerOption configures a Restorer.
type RestorerOption func(*Restorer)

// WithRejectionClassifier sets the function deciding whether a refresh
// failure means the stored refresh token will never work again. Only such
// failures clear the persisted session; any other failure is indeterminate.
// By default every failure is a rejection.
func WithRejectionClassifier(fn func(error) bool) RestorerOption {
	return func(r *Restorer) { r.isRejected = fn }
}

// WithRestorerLogger sets the logger. If not set, a default JSON logger
// writing to stderr is used.
func WithRestorerLogger(logger *slog.Logger) RestorerOption {
	return func(r *Restorer) { r.logger = logger }
}

// WithRestorerClock overrides time.Now when checking the restored session.
func WithRestorerClock(now func() time.Time) RestorerOption {
	return func(r *Restorer) { r.now = now }
}

// NewRestorer returns a Restorer reading from p and refreshing through refresher.
func NewRestorer(p *Persistence, refresher Refresher, opts ...RestorerOption) *Restorer {
	r := &Restorer{
		persistence: p,
		refresher:   refresher,
		isRejected:  func(error) bool { return true },
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	r.logger = r.logger.With("component", "session_restorer")
	return r
}

// Restore refreshes the persisted session, if any, and persists the result.
//
// It returns (nil, nil) when there is nothing to restore, when the provider
// rejected the stored refresh token, or when another Restore is already
// running. Any other refresh failure returns ErrRestoreIndeterminate and
// leaves the persisted session in place; unreadable storage returns
// ErrRestoreFailed after clearing it.
func (r *Restorer) Restore(ctx context.Context) (*Session, error) {
	if !r.inProgress.CompareAndSwap(false, true) {
		r.logger.DebugContext(ctx, "restore already in progress")
		return nil, nil
	}
	defer r.inProgress.Store(false)

	stored, err := r.persistence.Stored(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		r.clear(ctx)
		return nil, fmt.Errorf("%w: %w", ErrRestoreFailed, err)
	}
	if stored == nil {
		return nil, nil
	}

	fresh, err := r.refresher.Refresh(ctx, stored.RefreshToken)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if !r.isRejected(err) {
			r.logger.WarnContext(ctx, "restore deferred", "error", err)
			return nil, fmt.Errorf("%w: %w", ErrRestoreIndeterminate, err)
		}
		r.logger.InfoContext(ctx, "persisted session rejected", "error", err)
		r.clear(ctx)
		return nil, nil
	}
	if !fresh.Valid(r.now()) {
		r.clear(ctx)
		return nil, fmt.Errorf("%w: provider returned an expired session", ErrRestoreFailed)
	}

	if err := r.persistence.Save(ctx, fresh); err != nil {
		// The session is live in memory; the next transition persists again.
		r.logger.WarnContext(ctx, "saving restored session", "error", err)
	}
	return fresh, nil
}

func (r *Restorer) clear(ctx context.Context) {
	if err := r.persistence.Clear(ctx); err != nil {
		r.logger.WarnContext(ctx, "clearing persisted session", "error", err)
	}
}
