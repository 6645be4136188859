package session

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is what a persisted access token reveals about its session.
type Claims struct {
	ExpiresAt time.Time
	User      User
}

// ClaimsDecoder extracts expiry and user identity from an access token.
type ClaimsDecoder interface {
	Decode(accessToken string) (*Claims, error)
}

// JWTDecoder reads the claims of a JWT access token without verifying its
// signature. The result is only used to decide whether a locally stored
// session is worth keeping; the provider remains the authority on validity.
type JWTDecoder struct{}

var _ ClaimsDecoder = JWTDecoder{}

type accessTokenClaims struct {
	Email            string         `json:"email"`
	EmailVerified    *bool          `json:"email_verified,omitempty"`
	EmailConfirmedAt string         `json:"email_confirmed_at,omitempty"`
	UserMetadata     map[string]any `json:"user_metadata,omitempty"`
	jwt.RegisteredClaims
}

func (JWTDecoder) Decode(accessToken string) (*Claims, error) {
	var tc accessTokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, &tc); err != nil {
		return nil, fmt.Errorf("parsing access token: %w", err)
	}
	if tc.ExpiresAt == nil {
		return nil, fmt.Errorf("access token has no exp claim")
	}
	if tc.Subject == "" {
		return nil, fmt.Errorf("access token has no sub claim")
	}

	verified := tc.EmailConfirmedAt != ""
	if tc.EmailVerified != nil {
		verified = *tc.EmailVerified
	}
	return &Claims{
		ExpiresAt: tc.ExpiresAt.Time,
		User: User{
			ID:            tc.Subject,
			Email:         tc.Email,
			EmailVerified: verified,
			DisplayName:   metadataString(tc.UserMetadata, "display_name", "full_name", "name"),
			AvatarURL:     metadataString(tc.UserMetadata, "avatar_url", "picture"),
		},
	}, nil
}

func metadataString(md map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := md[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
