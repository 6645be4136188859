package httpprovider_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/authkeeper/autherr"
	"github.com/jmcleod/authkeeper/internal/util"
	"github.com/jmcleod/authkeeper/provider"
	"github.com/jmcleod/authkeeper/provider/devserver"
	"github.com/jmcleod/authkeeper/provider/httpprovider"
	"github.com/jmcleod/authkeeper/session"
)

var quiet = slog.New(slog.DiscardHandler)

type codes struct {
	mu   sync.Mutex
	last map[string]string
}

func (c *codes) hook(email string, purpose provider.OTPPurpose, code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		c.last = map[string]string{}
	}
	c.last[email+"/"+string(purpose)] = code
}

func (c *codes) get(email string, purpose provider.OTPPurpose) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last[email+"/"+string(purpose)]
}

func setup(t *testing.T, autoConfirm bool) (*httpprovider.Client, *codes) {
	t.Helper()
	cfg := devserver.DefaultConfig()
	cfg.AutoConfirm = autoConfirm
	cfg.PasswordParams = util.Argon2idParams{Time: 1, MemoryKiB: 1024, Parallelism: 1}
	box := &codes{}
	srv, err := devserver.New(
		devserver.WithConfig(cfg),
		devserver.WithLogger(quiet),
		devserver.WithOTPHook(box.hook),
	)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	c, err := httpprovider.New(ts.URL, httpprovider.WithLogger(quiet), httpprovider.WithAPIKey("anon"))
	require.NoError(t, err)
	return c, box
}

func TestClient_SignUpAutoConfirm(t *testing.T) {
	c, _ := setup(t, true)
	res, err := c.SignUp(t.Context(), "a@example.com", "password123")
	require.NoError(t, err)
	require.False(t, res.VerificationRequired())
	assert.Equal(t, "a@example.com", res.User.Email)
	assert.True(t, res.User.EmailVerified)
	assert.True(t, res.Session.Valid(time.Now()))
	assert.WithinDuration(t, time.Now().Add(time.Hour), res.Session.ExpiresAt, 5*time.Second)

	claims, err := session.JWTDecoder{}.Decode(res.Session.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, res.User.ID, claims.User.ID)
	assert.True(t, claims.User.EmailVerified)
}

func TestClient_SignUpVerify(t *testing.T) {
	c, box := setup(t, false)
	ctx := t.Context()

	res, err := c.SignUp(ctx, "b@example.com", "password123")
	require.NoError(t, err)
	require.True(t, res.VerificationRequired())
	assert.NotEmpty(t, res.User.ID)
	assert.False(t, res.User.EmailVerified)

	_, err = c.SignIn(ctx, "b@example.com", "password123")
	require.Error(t, err)
	assert.Equal(t, autherr.Authentication, autherr.Classify(err))

	s, err := c.VerifyOTP(ctx, "b@example.com", box.get("b@example.com", provider.OTPSignUp), provider.OTPSignUp)
	require.NoError(t, err)
	assert.Equal(t, res.User.ID, s.User.ID)

	_, err = c.VerifyOTP(ctx, "b@example.com", "000000", provider.OTPPurpose("bogus"))
	assert.Error(t, err)
}

func TestClient_SignInRefreshSignOut(t *testing.T) {
	c, _ := setup(t, true)
	ctx := t.Context()
	_, err := c.SignUp(ctx, "a@example.com", "password123")
	require.NoError(t, err)

	s, err := c.SignIn(ctx, "A@example.com", "password123")
	require.NoError(t, err)

	next, err := c.Refresh(ctx, s.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, s.RefreshToken, next.RefreshToken)
	assert.Equal(t, s.User.ID, next.User.ID)

	_, err = c.Refresh(ctx, s.RefreshToken)
	require.Error(t, err)
	var pe *provider.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "refresh_token_already_used", pe.Code)
	assert.True(t, autherr.IsCredentialInvalid(err))

	s, err = c.SignIn(ctx, "a@example.com", "password123")
	require.NoError(t, err)
	require.NoError(t, c.SignOut(ctx, s.AccessToken))
	_, err = c.Refresh(ctx, s.RefreshToken)
	assert.Error(t, err)
}

func TestClient_InvalidCredentials(t *testing.T) {
	c, _ := setup(t, true)
	_, err := c.SignIn(t.Context(), "nobody@example.com", "password123")
	require.Error(t, err)

	out := autherr.New().Sanitize(err)
	assert.Equal(t, autherr.Authentication, out.Category)
	assert.NotContains(t, out.Message, "nobody")
}

func TestClient_NotifiesListeners(t *testing.T) {
	c, _ := setup(t, true)
	ctx := t.Context()

	var mu sync.Mutex
	var got []provider.ChangeType
	unsub := c.OnAuthStateChange(func(ev provider.ChangeEvent) {
		mu.Lock()
		got = append(got, ev.Type)
		mu.Unlock()
	})

	res, err := c.SignUp(ctx, "a@example.com", "password123")
	require.NoError(t, err)
	_, err = c.Refresh(ctx, res.Session.RefreshToken)
	require.NoError(t, err)
	require.NoError(t, c.SignOut(ctx, res.Session.AccessToken))
	unsub()
	_, err = c.SignIn(ctx, "a@example.com", "password123")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []provider.ChangeType{provider.SignedIn, provider.SignedOut}, got)
}

func TestClient_ServerErrorIsTransient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "anon", r.Header.Get("apikey"))
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(ts.Close)
	c, err := httpprovider.New(ts.URL, httpprovider.WithLogger(quiet), httpprovider.WithAPIKey("anon"))
	require.NoError(t, err)

	_, err = c.Refresh(t.Context(), "r")
	require.Error(t, err)
	var pe *provider.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusBadGateway, pe.Status)
	assert.Equal(t, "Bad Gateway", pe.Message)
	assert.True(t, autherr.IsTransient(err))
}

func TestClient_OAuthStyleError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"Invalid Refresh Token"}`))
	}))
	t.Cleanup(ts.Close)
	c, err := httpprovider.New(ts.URL+"/auth/v1/", httpprovider.WithLogger(quiet))
	require.NoError(t, err)

	_, err = c.Refresh(t.Context(), "r")
	var pe *provider.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "invalid_grant", pe.Code)
	assert.Equal(t, "Invalid Refresh Token", pe.Message)
}

func TestClient_UnreachableIsTransient(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c, err := httpprovider.New(url, httpprovider.WithLogger(quiet))
	require.NoError(t, err)
	_, err = c.SignIn(t.Context(), "a@example.com", "pw")
	require.Error(t, err)
	assert.True(t, autherr.IsTransient(err))
}

func TestClient_ContextCancelled(t *testing.T) {
	c, _ := setup(t, true)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := c.Refresh(ctx, "r")
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestNew_RejectsBadURL(t *testing.T) {
	_, err := httpprovider.New("ftp://example.com")
	assert.Error(t, err)
	_, err = httpprovider.New("://nope")
	assert.Error(t, err)
}
