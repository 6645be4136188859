// Package audit records security-relevant authentication events.
package audit

import (
	"context"
	"log/slog"
	"time"
)

// Event identifies the kind of action being recorded.
type Event string

const (
	SignInSuccess     Event = "sign_in_success"
	SignInFailure     Event = "sign_in_failure"
	SignInRateLimited Event = "sign_in_rate_limited"
	SignUp            Event = "sign_up"
	SignUpFailure     Event = "sign_up_failure"
	OTPVerified       Event = "otp_verified"
	OTPFailure        Event = "otp_failure"
	SignOut           Event = "sign_out"
	TokenRefreshed    Event = "token_refreshed"
	RefreshFailed     Event = "refresh_failed"
	RefreshDeferred   Event = "refresh_deferred"
	SessionRestored   Event = "session_restored"
	RestoreFailed     Event = "restore_failed"
)

// Logger writes audit entries. A nil *Logger discards everything.
type Logger struct {
	logger *slog.Logger
	alerts *alertCollector
}

// Option configures a Logger.
type Option func(*Logger)

// WithAlertFunc enables failure-spike detection; fn is called when the
// number of sign-in failures within a minute reaches the threshold.
func WithAlertFunc(fn AlertFunc) Option {
	return func(l *Logger) { l.alerts = newAlertCollector(fn) }
}

// New returns an audit Logger writing through logger.
func New(logger *slog.Logger, opts ...Option) *Logger {
	l := &Logger{logger: logger.With("component", "audit")}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Log writes one entry. Failures are logged at warn level.
func (l *Logger) Log(ctx context.Context, event Event, attrs ...slog.Attr) {
	if l == nil {
		return
	}
	base := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	base = append(base, attrs...)
	l.logger.LogAttrs(ctx, levelFor(event), "audit", base...)
	l.alerts.recordEvent(event)
}

// Success is a convenience for events about a known user.
func (l *Logger) Success(ctx context.Context, event Event, userID string, extra ...slog.Attr) {
	attrs := append([]slog.Attr{slog.String("user_id", userID)}, extra...)
	l.Log(ctx, event, attrs...)
}

// Failure records a failed action with its reason.
func (l *Logger) Failure(ctx context.Context, event Event, reason string, extra ...slog.Attr) {
	attrs := append([]slog.Attr{slog.String("reason", reason)}, extra...)
	l.Log(ctx, event, attrs...)
}

func levelFor(event Event) slog.Level {
	switch event {
	case SignInFailure, SignInRateLimited, SignUpFailure, OTPFailure, RefreshFailed, RestoreFailed:
		return slog.LevelWarn
	}
	return slog.LevelInfo
}
