// Package devserver is an in-memory identity provider speaking the same REST
// dialect as httpprovider. It is meant for local development and tests: all
// state is lost on exit and verification codes are delivered through a hook
// instead of email.
package devserver

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/jmcleod/authkeeper/internal/util"
	"github.com/jmcleod/authkeeper/provider"
)

// Config holds the server parameters.
type Config struct {
	// AccessTokenTTL is the lifetime of issued access tokens.
	AccessTokenTTL time.Duration
	// AutoConfirm skips email verification on sign-up.
	AutoConfirm bool
	// OTPValidity is the time step of verification codes. A code stays
	// valid for up to two steps.
	OTPValidity time.Duration
	// TokenRequestsPerMinute throttles /token per client IP. Zero disables.
	TokenRequestsPerMinute int
	// PasswordParams tunes password hashing.
	PasswordParams util.Argon2idParams
}

// DefaultConfig returns the settings used by the devserver command.
func DefaultConfig() Config {
	return Config{
		AccessTokenTTL:         time.Hour,
		OTPValidity:            10 * time.Minute,
		TokenRequestsPerMinute: 60,
		PasswordParams:         util.Argon2idParams{Time: 1, MemoryKiB: 19 * 1024, Parallelism: 1},
	}
}

// OTPHook receives every verification code the server issues.
type OTPHook func(email string, purpose provider.OTPPurpose, code string)

// Server is the development identity provider.
type Server struct {
	cfg        Config
	signingKey []byte
	now        func() time.Time
	logger     *slog.Logger
	otpHook    OTPHook

	mu            sync.Mutex
	users         map[string]*userRecord // keyed by folded email
	refreshTokens map[string]*refreshRecord
	otps          map[otpKey]string
}

// Option configures a Server.
type Option func(*Server)

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(s *Server) { s.cfg = cfg }
}

// WithSigningKey sets the HS256 key for access tokens. By default a random
// key is generated.
func WithSigningKey(key []byte) Option {
	return func(s *Server) { s.signingKey = util.CopyBytes(key) }
}

// WithLogger sets the logger. If not set, a default JSON logger writing to
// stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithClock overrides time.Now for token issuance and expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithOTPHook replaces the default hook, which logs codes.
func WithOTPHook(hook OTPHook) Option {
	return func(s *Server) { s.otpHook = hook }
}

// New returns a Server with an empty user table.
func New(opts ...Option) (*Server, error) {
	s := &Server{
		cfg:           DefaultConfig(),
		now:           time.Now,
		users:         make(map[string]*userRecord),
		refreshTokens: make(map[string]*refreshRecord),
		otps:          make(map[otpKey]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	s.logger = s.logger.With("component", "devserver")
	if s.cfg.AccessTokenTTL <= 0 {
		return nil, fmt.Errorf("access token ttl must be positive")
	}
	if s.cfg.OTPValidity < time.Second {
		return nil, fmt.Errorf("otp validity must be at least one second")
	}
	if len(s.signingKey) == 0 {
		key, err := util.NewKey()
		if err != nil {
			return nil, fmt.Errorf("generating signing key: %w", err)
		}
		s.signingKey = key
	}
	if s.otpHook == nil {
		s.otpHook = func(email string, purpose provider.OTPPurpose, code string) {
			s.logger.Info("verification code issued", "email", email, "purpose", purpose, "code", code)
		}
	}
	return s, nil
}

// Router returns a chi.Router with all provider routes mounted.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	token := r.With()
	if s.cfg.TokenRequestsPerMinute > 0 {
		token = r.With(httprate.Limit(
			s.cfg.TokenRequestsPerMinute,
			time.Minute,
			httprate.WithKeyByRealIP(),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				writeError(w, http.StatusTooManyRequests, "over_request_rate_limit", "Request rate limit reached")
			}),
		))
	}
	token.Post("/token", s.handleToken)

	r.Post("/signup", s.handleSignUp)
	r.Post("/verify", s.handleVerify)
	r.Post("/otp", s.handleSendOTP)
	r.Post("/logout", s.handleLogout)
	return r
}
