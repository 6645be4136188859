// Package client wires the session lifecycle together: restoration at
// startup, the state broadcaster, background refresh, and a rate-limited
// sign-in path whose failures are sanitized before they reach the user.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmcleod/authkeeper/autherr"
	"github.com/jmcleod/authkeeper/authstate"
	"github.com/jmcleod/authkeeper/cache"
	"github.com/jmcleod/authkeeper/internal/audit"
	"github.com/jmcleod/authkeeper/internal/config"
	"github.com/jmcleod/authkeeper/internal/logging"
	"github.com/jmcleod/authkeeper/internal/util"
	"github.com/jmcleod/authkeeper/provider"
	"github.com/jmcleod/authkeeper/provider/httpprovider"
	"github.com/jmcleod/authkeeper/ratelimit"
	"github.com/jmcleod/authkeeper/refresh"
	"github.com/jmcleod/authkeeper/securestore"
	"github.com/jmcleod/authkeeper/session"
	"github.com/jmcleod/authkeeper/storage/bbolt"
	"github.com/jmcleod/authkeeper/userstore"
)

const (
	dbFileName        = "authkeeper.db"
	deviceKeyFileName = "device.key"

	signUpKeyPrefix = "signup:"
	otpKeyPrefix    = "otp:"
)

var (
	// ErrMissingCredentials is returned, sanitized, when an email or secret
	// is empty.
	ErrMissingCredentials error = &inputError{"email and credential are required"}
	ErrInvalidPurpose     error = &inputError{"unknown one-time code purpose"}
)

// inputError is rejected locally, before any provider call.
type inputError struct{ msg string }

func (e *inputError) Error() string     { return e.msg }
func (e *inputError) ErrorCode() string { return "validation_failed" }

// Result describes a credential exchange that the rate limiter let through
// or turned away. A rejected attempt is not an error: RateLimit says when to
// try again.
type Result struct {
	RateLimit ratelimit.Result
	// User is set when the exchange produced a session.
	User *session.User
	// VerificationRequired is set by SignUp when the email address must be
	// confirmed with VerifyOTP before a session is issued.
	VerificationRequired bool
}

// Limited reports whether the attempt was refused by the rate limiter.
func (r Result) Limited() bool { return !r.RateLimit.Allowed }

// Client is safe for concurrent use. Start must be called once before the
// credential methods.
type Client struct {
	provider    provider.Provider
	persistence *session.Persistence
	restorer    *session.Restorer
	scheduler   *refresh.Scheduler
	broadcaster *authstate.Broadcaster
	limiter     *ratelimit.Limiter
	sanitizer   *autherr.Sanitizer
	audit       *audit.Logger
	users       *userstore.Store
	cache       *cache.Cache
	logger      *slog.Logger

	env           string
	refreshMargin time.Duration
	retryInterval time.Duration
	limiterConfig ratelimit.Config
	sweepInterval time.Duration
	alerts        audit.AlertFunc

	startOnce sync.Once
	startErr  error

	mu          sync.Mutex
	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
	closers     []func() error
	closeOnce   sync.Once
	closeErr    error
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger shared by the client's components. If not set,
// a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithEnvironment controls error detail; "production" hides raw provider
// messages.
func WithEnvironment(env string) Option {
	return func(c *Client) { c.env = env }
}

// WithRefreshMargin sets how long before expiry a session is refreshed.
func WithRefreshMargin(d time.Duration) Option {
	return func(c *Client) { c.refreshMargin = d }
}

// WithRetryInterval sets the delay before a failed refresh is retried.
func WithRetryInterval(d time.Duration) Option {
	return func(c *Client) { c.retryInterval = d }
}

// WithRateLimit configures sign-in throttling. A non-positive sweepInterval
// disables the background sweep of stale entries.
func WithRateLimit(cfg ratelimit.Config, sweepInterval time.Duration) Option {
	return func(c *Client) {
		c.limiterConfig = cfg
		c.sweepInterval = sweepInterval
	}
}

// WithAlertFunc is called when sign-in failures spike.
func WithAlertFunc(fn audit.AlertFunc) Option {
	return func(c *Client) { c.alerts = fn }
}

// New assembles a Client around p and the given stores.
func New(p provider.Provider, secrets securestore.SecretStore, meta securestore.MetadataStore, opts ...Option) *Client {
	c := &Client{
		provider:      p,
		refreshMargin: refresh.DefaultMargin,
		retryInterval: authstate.DefaultRetryInterval,
		limiterConfig: ratelimit.DefaultConfig(),
		sweepInterval: 10 * time.Minute,
		users:         &userstore.Store{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}

	var auditOpts []audit.Option
	if c.alerts != nil {
		auditOpts = append(auditOpts, audit.WithAlertFunc(c.alerts))
	}
	c.audit = audit.New(c.logger, auditOpts...)
	c.sanitizer = autherr.New(autherr.WithEnvironment(c.env))
	c.limiter = ratelimit.New(ratelimit.WithConfig(c.limiterConfig), ratelimit.WithLogger(c.logger))

	// A bounded LRU with the default size cannot fail to build.
	c.cache, _ = cache.New()

	c.persistence = session.NewPersistence(secrets, meta, session.WithPersistenceLogger(c.logger))
	c.restorer = session.NewRestorer(c.persistence, p,
		session.WithRejectionClassifier(autherr.IsRejected),
		session.WithRestorerLogger(c.logger),
	)
	c.scheduler = refresh.New(p, refresh.WithMargin(c.refreshMargin), refresh.WithLogger(c.logger))
	c.broadcaster = authstate.New(c.persistence, c.scheduler,
		authstate.WithChangeSource(p),
		authstate.WithUserStore(c.users),
		authstate.WithCache(c.cache),
		authstate.WithAuditLogger(c.audit),
		authstate.WithRetryInterval(c.retryInterval),
		authstate.WithLogger(c.logger),
	)
	c.logger = c.logger.With("component", "client")
	return c
}

// Open builds a Client from cfg: a BBolt database and device key under
// cfg.DataDir back the stores, and cfg.Provider names the remote provider.
// A nil logger writes JSON to stderr.
func Open(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Client, error) {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	deviceKey, err := securestore.LoadOrCreateDeviceKey(filepath.Join(cfg.DataDir, deviceKeyFileName))
	if err != nil {
		return nil, err
	}
	wrappingKey, err := securestore.WrappingKey(deviceKey, cfg.Session.Passphrase)
	util.WipeBytes(deviceKey)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(wrappingKey)

	p, err := httpprovider.New(cfg.Provider.URL,
		httpprovider.WithAPIKey(cfg.Provider.APIKey),
		httpprovider.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	repo, err := bbolt.NewRepositoryFromFile(filepath.Join(cfg.DataDir, dbFileName), nil)
	if err != nil {
		return nil, err
	}
	secrets, err := securestore.NewSealedStore(repo, wrappingKey)
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("opening secret store: %w", err)
	}

	base := []Option{
		WithLogger(logger),
		WithEnvironment(cfg.Env),
		WithRefreshMargin(cfg.Session.RefreshMargin),
		WithRetryInterval(cfg.Session.RetryInterval),
		WithRateLimit(cfg.RateLimit.Limiter(), cfg.RateLimit.SweepInterval),
	}
	c := New(p, secrets, securestore.NewJSONStore(repo), append(base, opts...)...)
	c.closers = append(c.closers, func() error { secrets.Close(); return nil }, repo.Close)
	return c, nil
}

// Start restores the persisted session, initializes the auth state and
// starts the limiter sweeper. It returns only errors that prevent the
// client from running; a session that could not be restored leaves the
// client signed out. Only the first call does any work; later calls return
// its result.
func (c *Client) Start(ctx context.Context) error {
	select {
	case <-c.broadcaster.Done():
		return authstate.ErrClosed
	default:
	}
	c.startOnce.Do(func() { c.startErr = c.start(ctx) })
	return c.startErr
}

func (c *Client) start(ctx context.Context) error {
	if err := c.startSweeper(); err != nil {
		return err
	}

	restored, err := c.restorer.Restore(ctx)
	switch {
	case errors.Is(err, session.ErrRestoreIndeterminate):
		c.logger.WarnContext(ctx, "could not reach the provider, starting signed out", "error", err)
		c.audit.Failure(ctx, audit.RestoreFailed, autherr.Classify(err).String(), slog.Bool("retained", true))
		return c.broadcaster.InitializeRetained(ctx)
	case err != nil:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		c.logger.WarnContext(ctx, "discarding unreadable session", "error", err)
		c.audit.Failure(ctx, audit.RestoreFailed, "storage")
	case restored != nil:
		c.audit.Success(ctx, audit.SessionRestored, restored.User.ID)
	}
	return c.broadcaster.Initialize(ctx, restored)
}

func (c *Client) startSweeper() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.broadcaster.Done():
		return authstate.ErrClosed
	default:
	}
	if c.sweepCancel != nil || c.sweepInterval <= 0 {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.sweepCancel, c.sweepDone = cancel, done
	go func() {
		defer close(done)
		c.limiter.Run(ctx, c.sweepInterval)
	}()
	return nil
}

// SignIn exchanges email and password for a session.
func (c *Client) SignIn(ctx context.Context, email, password string) (Result, error) {
	if email == "" || password == "" {
		return Result{}, c.sanitizer.Wrap(ErrMissingCredentials)
	}
	id := ratelimit.NormalizeIdentifier(email)
	res := Result{RateLimit: c.limiter.CheckAndRecordAttempt(id)}
	if res.Limited() {
		c.audit.Failure(ctx, audit.SignInRateLimited, "rate_limited", logging.Email(email))
		return res, nil
	}

	s, err := c.provider.SignIn(ctx, email, password)
	if err != nil {
		c.audit.Failure(ctx, audit.SignInFailure, autherr.Classify(err).String(), logging.Email(email))
		return res, c.sanitizer.Wrap(err)
	}
	c.limiter.ClearAttempts(id)
	if err := c.signedIn(ctx, s); err != nil {
		return res, err
	}
	c.audit.Success(ctx, audit.SignInSuccess, s.User.ID)
	res.User = s.UserSnapshot()
	return res, nil
}

// SignUp registers a new account. When the provider issues a session right
// away the client is signed in; otherwise Result.VerificationRequired is set.
func (c *Client) SignUp(ctx context.Context, email, password string) (Result, error) {
	if email == "" || password == "" {
		return Result{}, c.sanitizer.Wrap(ErrMissingCredentials)
	}
	id := signUpKeyPrefix + ratelimit.NormalizeIdentifier(email)
	res := Result{RateLimit: c.limiter.CheckAndRecordAttempt(id)}
	if res.Limited() {
		c.audit.Failure(ctx, audit.SignUpFailure, "rate_limited", logging.Email(email))
		return res, nil
	}

	out, err := c.provider.SignUp(ctx, email, password)
	if err != nil {
		c.audit.Failure(ctx, audit.SignUpFailure, autherr.Classify(err).String(), logging.Email(email))
		return res, c.sanitizer.Wrap(err)
	}
	c.limiter.ClearAttempts(id)
	c.audit.Success(ctx, audit.SignUp, out.User.ID, slog.Bool("verification_required", out.VerificationRequired()))
	if out.VerificationRequired() {
		res.VerificationRequired = true
		u := out.User
		res.User = &u
		return res, nil
	}
	if err := c.signedIn(ctx, out.Session); err != nil {
		return res, err
	}
	res.User = out.Session.UserSnapshot()
	return res, nil
}

// VerifyOTP completes an email verification or passwordless sign-in.
func (c *Client) VerifyOTP(ctx context.Context, email, code string, purpose provider.OTPPurpose) (Result, error) {
	if email == "" || code == "" {
		return Result{}, c.sanitizer.Wrap(ErrMissingCredentials)
	}
	if !purpose.Valid() {
		return Result{}, c.sanitizer.Wrap(fmt.Errorf("%w: %q", ErrInvalidPurpose, purpose))
	}
	id := otpKeyPrefix + ratelimit.NormalizeIdentifier(email)
	res := Result{RateLimit: c.limiter.CheckAndRecordAttempt(id)}
	if res.Limited() {
		c.audit.Failure(ctx, audit.OTPFailure, "rate_limited", logging.Email(email))
		return res, nil
	}

	s, err := c.provider.VerifyOTP(ctx, email, code, purpose)
	if err != nil {
		c.audit.Failure(ctx, audit.OTPFailure, autherr.Classify(err).String(), logging.Email(email))
		return res, c.sanitizer.Wrap(err)
	}
	c.limiter.ClearAttempts(id)
	if err := c.signedIn(ctx, s); err != nil {
		return res, err
	}
	c.audit.Success(ctx, audit.OTPVerified, s.User.ID, slog.String("purpose", string(purpose)))
	res.User = s.UserSnapshot()
	return res, nil
}

func (c *Client) signedIn(ctx context.Context, s *session.Session) error {
	if err := c.broadcaster.Dispatch(ctx, authstate.SignedInEvent(s)); err != nil {
		return c.sanitizer.Wrap(err)
	}
	return nil
}

// SignOut ends the session. Revocation at the provider is best effort; the
// local session is always discarded.
func (c *Client) SignOut(ctx context.Context) error {
	st := c.broadcaster.State()
	if st.IsAuthenticated() {
		if err := c.provider.SignOut(ctx, st.Session.AccessToken); err != nil {
			c.logger.WarnContext(ctx, "provider sign-out failed", "error", err)
		}
		c.audit.Success(ctx, audit.SignOut, st.Session.User.ID)
	}
	if err := c.broadcaster.Dispatch(ctx, authstate.SignedOutEvent()); err != nil {
		return c.sanitizer.Wrap(err)
	}
	return nil
}

// Touch records activity on the persisted session.
func (c *Client) Touch(ctx context.Context) error {
	return c.persistence.Touch(ctx)
}

// State returns the current auth state.
func (c *Client) State() authstate.State { return c.broadcaster.State() }

// User returns the signed-in user, or nil.
func (c *Client) User() *session.User { return c.users.User() }

// Users is the reactive user store; subscribe to it to follow sign-ins and
// sign-outs.
func (c *Client) Users() *userstore.Store { return c.users }

// Cache is dropped whenever the signed-in identity changes.
func (c *Client) Cache() *cache.Cache { return c.cache }

// Sanitize converts err into user-facing form.
func (c *Client) Sanitize(err error) autherr.Sanitized { return c.sanitizer.Sanitize(err) }

// NextRefresh reports when the pending refresh is due.
func (c *Client) NextRefresh() (time.Time, bool) { return c.scheduler.Due() }

// Done is closed by Close.
func (c *Client) Done() <-chan struct{} { return c.broadcaster.Done() }

// Close stops background work and releases the stores. The persisted
// session is kept.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.broadcaster.Cleanup()
		cancel, done := c.sweepCancel, c.sweepDone
		c.mu.Unlock()
		if cancel != nil {
			cancel()
			<-done
		}
		var errs []error
		for _, fn := range c.closers {
			errs = append(errs, fn())
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}
