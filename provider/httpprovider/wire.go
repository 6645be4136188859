package httpprovider

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jmcleod/authkeeper/provider"
	"github.com/jmcleod/authkeeper/session"
)

type userResponse struct {
	ID               string         `json:"id"`
	Email            string         `json:"email"`
	EmailConfirmedAt *time.Time     `json:"email_confirmed_at,omitempty"`
	UserMetadata     map[string]any `json:"user_metadata,omitempty"`
}

func (u userResponse) user() session.User {
	return session.User{
		ID:            u.ID,
		Email:         u.Email,
		EmailVerified: u.EmailConfirmedAt != nil,
		DisplayName:   metadataString(u.UserMetadata, "display_name", "full_name", "name"),
		AvatarURL:     metadataString(u.UserMetadata, "avatar_url", "picture"),
	}
}

type sessionResponse struct {
	AccessToken  string       `json:"access_token"`
	TokenType    string       `json:"token_type"`
	ExpiresIn    int64        `json:"expires_in"`
	ExpiresAt    int64        `json:"expires_at,omitempty"`
	RefreshToken string       `json:"refresh_token"`
	User         userResponse `json:"user"`
}

func (r sessionResponse) session(now time.Time) (*session.Session, error) {
	if r.AccessToken == "" || r.RefreshToken == "" {
		return nil, fmt.Errorf("provider response is missing tokens")
	}
	if r.User.ID == "" {
		return nil, fmt.Errorf("provider response is missing the user")
	}
	var exp time.Time
	switch {
	case r.ExpiresAt > 0:
		exp = time.Unix(r.ExpiresAt, 0)
	case r.ExpiresIn > 0:
		exp = now.Add(time.Duration(r.ExpiresIn) * time.Second)
	default:
		return nil, fmt.Errorf("provider response has no expiry")
	}
	return &session.Session{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		ExpiresAt:    exp,
		User:         r.User.user(),
	}, nil
}

// errorResponse covers both the current and the OAuth-style error bodies.
type errorResponse struct {
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func decodeError(status int, body []byte) error {
	var er errorResponse
	_ = json.Unmarshal(body, &er)

	code := er.ErrorCode
	if code == "" {
		code = er.Error
	}
	msg := firstNonEmpty(er.Msg, er.Message, er.ErrorDescription)
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &provider.Error{Status: status, Code: code, Message: msg}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func metadataString(md map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := md[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
