package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jmcleod/authkeeper/securestore"
)

const (
	// TokensKey is the secret-store key holding the token pair.
	TokensKey = "auth.session.tokens"
	// MetadataKey is the metadata-store key holding non-secret session data.
	MetadataKey = "auth.session.meta"
)

// Metadata is the non-secret part of a persisted session.
type Metadata struct {
	UserID         string    `json:"user_id"`
	ShortSessionID string    `json:"short_session_id"`
	LastActiveTime time.Time `json:"last_active_time"`
}

type storedTokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// StoredSession is a persisted session as read back from storage, before any
// validity check.
type StoredSession struct {
	Metadata     Metadata
	AccessToken  string
	RefreshToken string
}

// ShortSessionID returns a stable, non-reversible identifier for the session
// that owns refreshToken.
func ShortSessionID(refreshToken string) string {
	sum := sha256.Sum256([]byte(refreshToken))
	return hex.EncodeToString(sum[:])[:16]
}

// Persistence saves sessions to durable storage. Tokens go to the secret
// store, everything else to the metadata store.
type Persistence struct {
	secrets securestore.SecretStore
	meta    securestore.MetadataStore
	decoder ClaimsDecoder
	now     func() time.Time
	logger  *slog.Logger
}

// PersistenceOption configures a Persistence.
type PersistenceOption func(*Persistence)

// WithClaimsDecoder replaces the default JWT claims decoder.
func WithClaimsDecoder(d ClaimsDecoder) PersistenceOption {
	return func(p *Persistence) { p.decoder = d }
}

// WithPersistenceLogger sets the logger used for fail-closed diagnostics.
func WithPersistenceLogger(logger *slog.Logger) PersistenceOption {
	return func(p *Persistence) { p.logger = logger }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) PersistenceOption {
	return func(p *Persistence) { p.now = now }
}

// NewPersistence stores tokens in secrets and metadata in meta.
func NewPersistence(secrets securestore.SecretStore, meta securestore.MetadataStore, opts ...PersistenceOption) *Persistence {
	p := &Persistence{
		secrets: secrets,
		meta:    meta,
		decoder: JWTDecoder{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	p.logger = p.logger.With("component", "session_persistence")
	return p
}

// Save writes s to both stores, replacing any previously saved session.
func (p *Persistence) Save(ctx context.Context, s *Session) error {
	if s == nil || s.RefreshToken == "" || s.AccessToken == "" {
		return ErrInvalidSession
	}
	tokens, err := json.Marshal(storedTokens{AccessToken: s.AccessToken, RefreshToken: s.RefreshToken})
	if err != nil {
		return fmt.Errorf("encoding session tokens: %w", err)
	}
	if err := p.secrets.SetSecret(ctx, TokensKey, string(tokens)); err != nil {
		return fmt.Errorf("%w: saving tokens: %w", ErrStorageUnavailable, err)
	}
	md := Metadata{
		UserID:         s.User.ID,
		ShortSessionID: ShortSessionID(s.RefreshToken),
		LastActiveTime: p.now().UTC(),
	}
	if err := p.meta.SetJSON(ctx, MetadataKey, md); err != nil {
		return fmt.Errorf("%w: saving metadata: %w", ErrStorageUnavailable, err)
	}
	return nil
}

// Stored returns the persisted session without checking whether its access
// token is still valid. It returns nil when nothing usable is persisted.
func (p *Persistence) Stored(ctx context.Context) (*StoredSession, error) {
	var md Metadata
	ok, err := p.meta.GetJSON(ctx, MetadataKey, &md)
	if err != nil {
		return nil, fmt.Errorf("%w: reading metadata: %w", ErrStorageUnavailable, err)
	}
	if !ok {
		return nil, nil
	}
	raw, ok, err := p.secrets.GetSecret(ctx, TokensKey)
	if err != nil {
		return nil, fmt.Errorf("%w: reading tokens: %w", ErrStorageUnavailable, err)
	}
	if !ok {
		return nil, nil
	}
	var tokens storedTokens
	if err := json.Unmarshal([]byte(raw), &tokens); err != nil {
		return nil, fmt.Errorf("%w: decoding tokens: %w", ErrStorageUnavailable, err)
	}
	if tokens.RefreshToken == "" {
		return nil, nil
	}
	return &StoredSession{
		Metadata:     md,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
	}, nil
}

// Load returns the persisted session if it is still valid. Anything that
// cannot be read or is no longer valid yields nil; invalid state is cleared.
// The only error returned is the context's.
func (p *Persistence) Load(ctx context.Context) (*Session, error) {
	stored, err := p.Stored(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		p.logger.WarnContext(ctx, "persisted session unreadable", "error", err)
		return nil, nil
	}
	if stored == nil {
		return nil, nil
	}

	claims, err := p.decoder.Decode(stored.AccessToken)
	switch {
	case err != nil:
		p.logger.WarnContext(ctx, "persisted access token undecodable", "error", err)
	case !claims.ExpiresAt.After(p.now()):
		p.logger.DebugContext(ctx, "persisted session expired", "expires_at", claims.ExpiresAt)
	case stored.Metadata.UserID != claims.User.ID:
		p.logger.WarnContext(ctx, "persisted session user mismatch")
	default:
		return &Session{
			AccessToken:  stored.AccessToken,
			RefreshToken: stored.RefreshToken,
			ExpiresAt:    claims.ExpiresAt,
			User:         claims.User,
		}, nil
	}

	if err := p.Clear(ctx); err != nil {
		p.logger.WarnContext(ctx, "clearing invalid session", "error", err)
	}
	return nil, nil
}

// Touch records activity on the persisted session. It is a no-op when no
// session is persisted.
func (p *Persistence) Touch(ctx context.Context) error {
	var md Metadata
	ok, err := p.meta.GetJSON(ctx, MetadataKey, &md)
	if err != nil {
		return fmt.Errorf("%w: reading metadata: %w", ErrStorageUnavailable, err)
	}
	if !ok {
		return nil
	}
	md.LastActiveTime = p.now().UTC()
	if err := p.meta.SetJSON(ctx, MetadataKey, md); err != nil {
		return fmt.Errorf("%w: saving metadata: %w", ErrStorageUnavailable, err)
	}
	return nil
}

// Clear removes the persisted session from both stores. Clearing when
// nothing is persisted is not an error.
func (p *Persistence) Clear(ctx context.Context) error {
	err := errors.Join(
		p.secrets.DeleteSecret(ctx, TokensKey),
		p.meta.DeleteJSON(ctx, MetadataKey),
	)
	if err != nil {
		return fmt.Errorf("%w: clearing session: %w", ErrStorageUnavailable, err)
	}
	return nil
}
