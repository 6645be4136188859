package session_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/authkeeper/autherr"
	"github.com/jmcleod/authkeeper/internal/testutil"
	"github.com/jmcleod/authkeeper/provider"
	"github.com/jmcleod/authkeeper/session"
)

var quietLogger = slog.New(slog.DiscardHandler)

type brokenSecrets struct{ err error }

func (b brokenSecrets) GetSecret(context.Context, string) (string, bool, error) {
	return "", false, b.err
}
func (b brokenSecrets) SetSecret(context.Context, string, string) error { return b.err }
func (b brokenSecrets) DeleteSecret(context.Context, string) error     { return nil }

type fakeRefresher struct {
	mu      sync.Mutex
	calls   []string
	result  *session.Session
	err     error
	started chan struct{}
	release chan struct{}
}

func (f *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (*session.Session, error) {
	f.mu.Lock()
	f.calls = append(f.calls, refreshToken)
	f.mu.Unlock()
	if f.started != nil {
		close(f.started)
		<-f.release
	}
	return f.result, f.err
}

func (f *fakeRefresher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newPersistence(t *testing.T, opts ...session.PersistenceOption) *session.Persistence {
	t.Helper()
	secrets, meta := testutil.Stores(t)
	opts = append([]session.PersistenceOption{session.WithPersistenceLogger(quietLogger)}, opts...)
	return session.NewPersistence(secrets, meta, opts...)
}

func TestSession_Valid(t *testing.T) {
	now := time.Now()
	var nilSession *session.Session
	assert.False(t, nilSession.Valid(now))
	assert.False(t, (&session.Session{ExpiresAt: now}).Valid(now), "expiry equal to now is invalid")
	assert.True(t, (&session.Session{ExpiresAt: now.Add(time.Second)}).Valid(now))
}

func TestSession_LogValueOmitsTokens(t *testing.T) {
	s := testutil.Session(t, testutil.User("a@example.com"), time.Hour)
	v := s.LogValue().String()
	assert.NotContains(t, v, s.AccessToken)
	assert.NotContains(t, v, s.RefreshToken)
	assert.Contains(t, v, s.User.ID)
}

func TestJWTDecoder(t *testing.T) {
	u := testutil.User("jane@example.com")
	u.DisplayName = "Jane"
	u.AvatarURL = "https://example.com/a.png"
	exp := time.Now().Add(time.Hour).Truncate(time.Second)

	claims, err := session.JWTDecoder{}.Decode(testutil.AccessToken(t, u, exp))
	require.NoError(t, err)
	assert.Equal(t, u, claims.User)
	assert.True(t, exp.Equal(claims.ExpiresAt))

	_, err = session.JWTDecoder{}.Decode("not-a-jwt")
	assert.Error(t, err)
}

func TestPersistence_SaveLoadRoundTrip(t *testing.T) {
	ctx := t.Context()
	p := newPersistence(t)
	s := testutil.Session(t, testutil.User("a@example.com"), time.Hour)

	require.NoError(t, p.Save(ctx, s))
	loaded, err := p.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.True(t, s.Same(loaded))

	stored, err := p.Stored(ctx)
	require.NoError(t, err)
	assert.Equal(t, s.User.ID, stored.Metadata.UserID)
	assert.Equal(t, session.ShortSessionID(s.RefreshToken), stored.Metadata.ShortSessionID)
	assert.Len(t, stored.Metadata.ShortSessionID, 16)
	assert.NotContains(t, s.RefreshToken, stored.Metadata.ShortSessionID)
}

func TestPersistence_LoadEmpty(t *testing.T) {
	p := newPersistence(t)
	loaded, err := p.Load(t.Context())
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestPersistence_LoadExpiredClears(t *testing.T) {
	ctx := t.Context()
	now := time.Now()
	clock := now
	p := newPersistence(t, session.WithClock(func() time.Time { return clock }))
	s := testutil.Session(t, testutil.User("a@example.com"), time.Minute)
	require.NoError(t, p.Save(ctx, s))

	clock = now.Add(2 * time.Minute)
	loaded, err := p.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded)

	stored, err := p.Stored(ctx)
	require.NoError(t, err)
	assert.Nil(t, stored, "expired session should be cleared")
}

func TestPersistence_LoadUndecodableClears(t *testing.T) {
	ctx := t.Context()
	p := newPersistence(t)
	s := testutil.Session(t, testutil.User("a@example.com"), time.Hour)
	s.AccessToken = "garbage"
	require.NoError(t, p.Save(ctx, s))

	loaded, err := p.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded)
	stored, err := p.Stored(ctx)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestPersistence_LoadUserMismatchClears(t *testing.T) {
	ctx := t.Context()
	p := newPersistence(t)
	s := testutil.Session(t, testutil.User("a@example.com"), time.Hour)
	s.User.ID = "someone-else"
	require.NoError(t, p.Save(ctx, s))

	loaded, err := p.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestPersistence_SecretStoreFailureIsFailClosed(t *testing.T) {
	ctx := t.Context()
	_, meta := testutil.Stores(t)
	p := session.NewPersistence(brokenSecrets{err: errors.New("keychain locked")}, meta,
		session.WithPersistenceLogger(quietLogger))
	require.NoError(t, meta.SetJSON(ctx, session.MetadataKey, session.Metadata{UserID: "u1"}))

	loaded, err := p.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded)

	_, err = p.Stored(ctx)
	assert.ErrorIs(t, err, session.ErrStorageUnavailable)

	err = p.Save(ctx, testutil.Session(t, testutil.User("a@example.com"), time.Hour))
	assert.ErrorIs(t, err, session.ErrStorageUnavailable)
}

func TestPersistence_SaveRejectsInvalid(t *testing.T) {
	p := newPersistence(t)
	assert.ErrorIs(t, p.Save(t.Context(), nil), session.ErrInvalidSession)
	assert.ErrorIs(t, p.Save(t.Context(), &session.Session{AccessToken: "a"}), session.ErrInvalidSession)
}

func TestPersistence_ClearIdempotent(t *testing.T) {
	ctx := t.Context()
	p := newPersistence(t)
	require.NoError(t, p.Clear(ctx))
	require.NoError(t, p.Save(ctx, testutil.Session(t, testutil.User("a@example.com"), time.Hour)))
	require.NoError(t, p.Clear(ctx))
	require.NoError(t, p.Clear(ctx))

	loaded, err := p.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestPersistence_Touch(t *testing.T) {
	ctx := t.Context()
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p := newPersistence(t, session.WithClock(func() time.Time { return clock }))
	require.NoError(t, p.Touch(ctx), "touch without a session is a no-op")

	require.NoError(t, p.Save(ctx, testutil.Session(t, testutil.User("a@example.com"), 24*365*time.Hour)))
	clock = clock.Add(time.Hour)
	require.NoError(t, p.Touch(ctx))

	stored, err := p.Stored(ctx)
	require.NoError(t, err)
	assert.True(t, clock.Equal(stored.Metadata.LastActiveTime))
}

func TestRestorer_NothingPersisted(t *testing.T) {
	ref := &fakeRefresher{}
	r := session.NewRestorer(newPersistence(t), ref, session.WithRestorerLogger(quietLogger))

	s, err := r.Restore(t.Context())
	require.NoError(t, err)
	assert.Nil(t, s)
	assert.Zero(t, ref.callCount(), "no network call without a persisted session")
}

func TestRestorer_Success(t *testing.T) {
	ctx := t.Context()
	p := newPersistence(t)
	u := testutil.User("a@example.com")
	old := testutil.Session(t, u, -time.Minute)
	require.NoError(t, p.Save(ctx, old))

	fresh := testutil.Session(t, u, time.Hour)
	ref := &fakeRefresher{result: fresh}
	r := session.NewRestorer(p, ref, session.WithRestorerLogger(quietLogger))

	s, err := r.Restore(ctx)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.True(t, fresh.Same(s))
	assert.Equal(t, []string{old.RefreshToken}, ref.calls)

	loaded, err := p.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, fresh.RefreshToken, loaded.RefreshToken)
}

func TestRestorer_RejectedClears(t *testing.T) {
	ctx := t.Context()
	p := newPersistence(t)
	require.NoError(t, p.Save(ctx, testutil.Session(t, testutil.User("a@example.com"), time.Hour)))

	r := session.NewRestorer(p, &fakeRefresher{err: errors.New("invalid refresh token")},
		session.WithRestorerLogger(quietLogger))
	s, err := r.Restore(ctx)
	require.NoError(t, err)
	assert.Nil(t, s)

	stored, err := p.Stored(ctx)
	require.NoError(t, err)
	assert.Nil(t, stored, "both stores should be empty")
}

func TestRestorer_TransientKeepsState(t *testing.T) {
	ctx := t.Context()
	p := newPersistence(t)
	require.NoError(t, p.Save(ctx, testutil.Session(t, testutil.User("a@example.com"), time.Hour)))

	offline := errors.New("dial tcp: connection refused")
	r := session.NewRestorer(p, &fakeRefresher{err: offline},
		session.WithRestorerLogger(quietLogger),
		session.WithRejectionClassifier(func(err error) bool { return !errors.Is(err, offline) }))
	s, err := r.Restore(ctx)
	assert.Nil(t, s)
	assert.ErrorIs(t, err, session.ErrRestoreIndeterminate)
	assert.ErrorIs(t, err, offline)

	stored, err := p.Stored(ctx)
	require.NoError(t, err)
	assert.NotNil(t, stored, "transient failure keeps the persisted session")
}

func TestRestorer_ProviderClassification(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		keeps bool
	}{
		{"rate limited", &provider.Error{Status: 429, Code: "over_request_rate_limit", Message: "Request rate limit reached"}, true},
		{"server error", &provider.Error{Status: 503, Message: "unavailable"}, true},
		{"unknown failure", errors.New("something odd happened"), true},
		{"token revoked", &provider.Error{Status: 400, Code: "refresh_token_not_found", Message: "Invalid Refresh Token"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := t.Context()
			p := newPersistence(t)
			require.NoError(t, p.Save(ctx, testutil.Session(t, testutil.User("a@example.com"), time.Hour)))

			r := session.NewRestorer(p, &fakeRefresher{err: tt.err},
				session.WithRestorerLogger(quietLogger),
				session.WithRejectionClassifier(autherr.IsRejected))
			s, err := r.Restore(ctx)
			assert.Nil(t, s)

			stored, serr := p.Stored(ctx)
			require.NoError(t, serr)
			if tt.keeps {
				assert.ErrorIs(t, err, session.ErrRestoreIndeterminate)
				assert.NotNil(t, stored)
			} else {
				assert.NoError(t, err)
				assert.Nil(t, stored)
			}
		})
	}
}

func TestRestorer_ExpiredResultFails(t *testing.T) {
	ctx := t.Context()
	p := newPersistence(t)
	u := testutil.User("a@example.com")
	require.NoError(t, p.Save(ctx, testutil.Session(t, u, time.Hour)))

	r := session.NewRestorer(p, &fakeRefresher{result: testutil.Session(t, u, -time.Second)},
		session.WithRestorerLogger(quietLogger))
	s, err := r.Restore(ctx)
	assert.Nil(t, s)
	assert.ErrorIs(t, err, session.ErrRestoreFailed)
}

func TestRestorer_ConcurrentCallReturnsImmediately(t *testing.T) {
	ctx := t.Context()
	p := newPersistence(t)
	u := testutil.User("a@example.com")
	require.NoError(t, p.Save(ctx, testutil.Session(t, u, time.Hour)))

	ref := &fakeRefresher{
		result:  testutil.Session(t, u, time.Hour),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	r := session.NewRestorer(p, ref, session.WithRestorerLogger(quietLogger))

	done := make(chan *session.Session)
	go func() {
		s, _ := r.Restore(ctx)
		done <- s
	}()
	<-ref.started

	s, err := r.Restore(ctx)
	require.NoError(t, err)
	assert.Nil(t, s, "second restore while one is running is a no-op")

	close(ref.release)
	assert.NotNil(t, <-done)
	assert.Equal(t, 1, ref.callCount())
}
