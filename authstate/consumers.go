package authstate

import (
	"context"
	"time"

	"github.com/jmcleod/authkeeper/provider"
	"github.com/jmcleod/authkeeper/refresh"
	"github.com/jmcleod/authkeeper/session"
)

// TagUser tags cache entries that describe the signed-in user. They survive
// an identity change; everything else is dropped.
const TagUser = "user"

// UserStore receives the current user; nil means signed out.
type UserStore interface {
	SetUser(u *session.User)
}

// Cache receives the current user and invalidation requests.
type Cache interface {
	SetCachedUser(u *session.User)
	// InvalidateAllExcept drops every entry not tagged keep. An empty keep
	// drops everything.
	InvalidateAllExcept(keep string) int
}

// Persister stores the canonical session.
type Persister interface {
	Save(ctx context.Context, s *session.Session) error
	Clear(ctx context.Context) error
}

// Scheduler keeps the canonical session fresh. It is implemented by
// *refresh.Scheduler.
type Scheduler interface {
	ScheduleRefresh(s *session.Session)
	ScheduleRetry(s *session.Session, after time.Duration)
	Cancel()
	Close()
	OnRefreshed(fn refresh.RefreshedFunc)
	OnFailed(fn refresh.FailedFunc)
}

var _ Scheduler = (*refresh.Scheduler)(nil)

// ChangeSource delivers provider-originated changes.
type ChangeSource interface {
	OnAuthStateChange(fn func(provider.ChangeEvent)) (unsubscribe func())
}
