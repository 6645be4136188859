// Package session defines the credential session model and the components
// that keep it durable across process restarts: Persistence, which writes a
// session to the secret and metadata stores, and Restorer, which turns a
// persisted refresh token back into a live session at startup.
package session

import (
	"log/slog"
	"time"
)

// User is an immutable snapshot of the identity a session was issued to.
type User struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	DisplayName   string `json:"display_name,omitempty"`
	AvatarURL     string `json:"avatar_url,omitempty"`
}

// Session is an access/refresh token pair plus the user it belongs to,
// valid until ExpiresAt. Sessions are never mutated after issuance; a
// refresh produces a new Session.
type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	User         User
}

// Valid reports whether s is non-nil and expires strictly after now.
func (s *Session) Valid(now time.Time) bool {
	return s != nil && s.ExpiresAt.After(now)
}

// Same reports whether s and other carry the same credentials.
func (s *Session) Same(other *Session) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.AccessToken == other.AccessToken &&
		s.RefreshToken == other.RefreshToken &&
		s.ExpiresAt.Equal(other.ExpiresAt) &&
		s.User == other.User
}

// UserSnapshot returns a copy of the session's user, or nil for a nil session.
func (s *Session) UserSnapshot() *User {
	if s == nil {
		return nil
	}
	u := s.User
	return &u
}

// LogValue keeps tokens out of structured logs.
func (s *Session) LogValue() slog.Value {
	if s == nil {
		return slog.StringValue("<nil>")
	}
	return slog.GroupValue(
		slog.String("user_id", s.User.ID),
		slog.Time("expires_at", s.ExpiresAt),
	)
}
