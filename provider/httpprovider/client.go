// Package httpprovider is a provider.Provider backed by a GoTrue-compatible
// REST API.
package httpprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jmcleod/authkeeper/provider"
	"github.com/jmcleod/authkeeper/session"
)

const maxResponseBytes = 1 << 20

// Client talks to the provider's /token, /signup, /verify and /logout
// endpoints.
type Client struct {
	baseURL    *url.URL
	apiKey     string
	httpClient *http.Client
	now        func() time.Time
	logger     *slog.Logger
	notifier   provider.Notifier
}

var _ provider.Provider = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sets the key sent in the apikey header.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger. If not set, a default JSON logger writing to
// stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithClock overrides time.Now when computing session expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New returns a client for the provider rooted at baseURL, e.g.
// "https://project.example.com/auth/v1".
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing provider url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("provider url must be http or https, got %q", baseURL)
	}
	c := &Client{
		baseURL:    u,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	c.logger = c.logger.With("component", "httpprovider")
	return c, nil
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type verifyRequest struct {
	Type  string `json:"type"`
	Email string `json:"email"`
	Token string `json:"token"`
}

func (c *Client) SignIn(ctx context.Context, email, password string) (*session.Session, error) {
	var resp sessionResponse
	err := c.do(ctx, http.MethodPost, "/token?grant_type=password", "",
		credentialsRequest{Email: email, Password: password}, &resp)
	if err != nil {
		return nil, fmt.Errorf("signing in: %w", err)
	}
	s, err := resp.session(c.now())
	if err != nil {
		return nil, err
	}
	c.notifier.Emit(provider.ChangeEvent{Type: provider.SignedIn, Session: s})
	return s, nil
}

func (c *Client) SignUp(ctx context.Context, email, password string) (*provider.SignUpResult, error) {
	var raw json.RawMessage
	err := c.do(ctx, http.MethodPost, "/signup", "",
		credentialsRequest{Email: email, Password: password}, &raw)
	if err != nil {
		return nil, fmt.Errorf("signing up: %w", err)
	}

	// With autoconfirm the provider answers with a session, otherwise with
	// the bare user awaiting verification.
	var resp sessionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decoding sign-up response: %w", err)
	}
	if resp.AccessToken != "" {
		s, err := resp.session(c.now())
		if err != nil {
			return nil, err
		}
		c.notifier.Emit(provider.ChangeEvent{Type: provider.SignedIn, Session: s})
		return &provider.SignUpResult{User: s.User, Session: s}, nil
	}
	var u userResponse
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, fmt.Errorf("decoding sign-up response: %w", err)
	}
	if u.ID == "" {
		return nil, fmt.Errorf("decoding sign-up response: missing user id")
	}
	return &provider.SignUpResult{User: u.user()}, nil
}

func (c *Client) VerifyOTP(ctx context.Context, email, code string, purpose provider.OTPPurpose) (*session.Session, error) {
	if !purpose.Valid() {
		return nil, fmt.Errorf("unknown otp purpose %q", purpose)
	}
	var resp sessionResponse
	err := c.do(ctx, http.MethodPost, "/verify", "",
		verifyRequest{Type: string(purpose), Email: email, Token: code}, &resp)
	if err != nil {
		return nil, fmt.Errorf("verifying code: %w", err)
	}
	s, err := resp.session(c.now())
	if err != nil {
		return nil, err
	}
	c.notifier.Emit(provider.ChangeEvent{Type: provider.SignedIn, Session: s})
	return s, nil
}

// Refresh exchanges refreshToken for a new session. It does not notify
// listeners; the caller owns the resulting transition.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*session.Session, error) {
	var resp sessionResponse
	err := c.do(ctx, http.MethodPost, "/token?grant_type=refresh_token", "",
		refreshRequest{RefreshToken: refreshToken}, &resp)
	if err != nil {
		return nil, fmt.Errorf("refreshing session: %w", err)
	}
	return resp.session(c.now())
}

func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	if err := c.do(ctx, http.MethodPost, "/logout", accessToken, nil, nil); err != nil {
		return fmt.Errorf("signing out: %w", err)
	}
	c.notifier.Emit(provider.ChangeEvent{Type: provider.SignedOut})
	return nil
}

func (c *Client) OnAuthStateChange(fn func(provider.ChangeEvent)) func() {
	return c.notifier.Subscribe(fn)
}

func (c *Client) endpoint(path string) string {
	ref, err := url.Parse(path)
	if err != nil {
		return c.baseURL.String() + path
	}
	u := *c.baseURL
	u.Path = c.baseURL.Path + ref.Path
	u.RawQuery = ref.RawQuery
	return u.String()
}

func (c *Client) do(ctx context.Context, method, path, bearer string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	c.logger.DebugContext(ctx, "provider call", "method", method, "path", req.URL.Path, "status", resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
