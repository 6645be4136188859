// Package testutil builds sessions and stores for tests.
package testutil

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/jmcleod/authkeeper/internal/util"
	"github.com/jmcleod/authkeeper/securestore"
	"github.com/jmcleod/authkeeper/session"
	"github.com/jmcleod/authkeeper/storage/memory"
)

var signingKey = []byte("authkeeper-test-signing-key")

// AccessToken mints an HS256 access token for u that expires at exp.
func AccessToken(t testing.TB, u session.User, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":            u.ID,
		"email":          u.Email,
		"email_verified": u.EmailVerified,
		"exp":            exp.Unix(),
		"iat":            time.Now().Unix(),
	}
	if u.DisplayName != "" || u.AvatarURL != "" {
		claims["user_metadata"] = map[string]any{
			"display_name": u.DisplayName,
			"avatar_url":   u.AvatarURL,
		}
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
	if err != nil {
		t.Fatalf("signing access token: %v", err)
	}
	return tok
}

// User returns a verified user with a random id.
func User(email string) session.User {
	return session.User{ID: uuid.NewString(), Email: email, EmailVerified: true}
}

// Session returns a session for u whose access token expires after ttl.
// Expiry is truncated to whole seconds so it survives a JWT round trip.
func Session(t testing.TB, u session.User, ttl time.Duration) *session.Session {
	t.Helper()
	exp := time.Now().Add(ttl).Truncate(time.Second)
	return &session.Session{
		AccessToken:  AccessToken(t, u, exp),
		RefreshToken: uuid.NewString(),
		ExpiresAt:    exp,
		User:         u,
	}
}

// Stores returns an in-memory sealed secret store and JSON metadata store.
func Stores(t testing.TB) (*securestore.SealedStore, *securestore.JSONStore) {
	t.Helper()
	key, err := util.NewKey()
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	secrets, err := securestore.NewSealedStore(memory.NewRepository(), key)
	if err != nil {
		t.Fatalf("opening sealed store: %v", err)
	}
	t.Cleanup(secrets.Close)
	return secrets, securestore.NewJSONStore(memory.NewRepository())
}
