package devserver

import (
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/jmcleod/authkeeper/internal/util"
)

const passwordSaltSize = 16

type userRecord struct {
	id          string
	email       string
	salt        []byte
	hash        []byte
	confirmedAt *time.Time
	metadata    map[string]any
	createdAt   time.Time
}

type refreshRecord struct {
	userID  string
	revoked bool
}

type accessClaims struct {
	Email         string         `json:"email"`
	EmailVerified bool           `json:"email_verified"`
	UserMetadata  map[string]any `json:"user_metadata,omitempty"`
	SessionID     string         `json:"session_id"`
	jwt.RegisteredClaims
}

func (s *Server) newUser(email, password string) (*userRecord, error) {
	salt, err := util.RandomBytes(passwordSaltSize)
	if err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return &userRecord{
		id:        uuid.NewString(),
		email:     email,
		salt:      salt,
		hash:      util.DeriveArgon2idKey(password, salt, s.cfg.PasswordParams),
		metadata:  map[string]any{},
		createdAt: s.now().UTC(),
	}, nil
}

func (s *Server) checkPassword(u *userRecord, password string) bool {
	return util.VerifyArgon2idKey(password, u.salt, s.cfg.PasswordParams, u.hash)
}

// dummyCheck spends the same work as checkPassword for unknown users.
func (s *Server) dummyCheck(password string) {
	salt := make([]byte, passwordSaltSize)
	key := util.DeriveArgon2idKey(password, salt, s.cfg.PasswordParams)
	subtle.ConstantTimeCompare(key, key)
	util.WipeBytes(key)
}

// issueSessionLocked mints an access token and a fresh refresh token for u. The
// caller holds s.mu.
func (s *Server) issueSessionLocked(u *userRecord) (sessionResponse, error) {
	now := s.now()
	exp := now.Add(s.cfg.AccessTokenTTL)
	refresh := uuid.NewString()

	claims := accessClaims{
		Email:         u.email,
		EmailVerified: u.confirmedAt != nil,
		UserMetadata:  u.metadata,
		SessionID:     uuid.NewString(),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   u.id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		return sessionResponse{}, fmt.Errorf("signing access token: %w", err)
	}
	s.refreshTokens[refresh] = &refreshRecord{userID: u.id}

	return sessionResponse{
		AccessToken:  access,
		TokenType:    "bearer",
		ExpiresIn:    int64(s.cfg.AccessTokenTTL / time.Second),
		ExpiresAt:    exp.Unix(),
		RefreshToken: refresh,
		User:         u.response(),
	}, nil
}

// parseAccessToken verifies token and returns its subject.
func (s *Server) parseAccessToken(token string) (string, error) {
	var claims accessClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return s.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

func (s *Server) userByIDLocked(id string) *userRecord {
	for _, u := range s.users {
		if u.id == id {
			return u
		}
	}
	return nil
}

func (s *Server) revokeAllLocked(userID string) int {
	n := 0
	for _, rec := range s.refreshTokens {
		if rec.userID == userID && !rec.revoked {
			rec.revoked = true
			n++
		}
	}
	return n
}

func (u *userRecord) response() userResponse {
	return userResponse{
		ID:               u.id,
		Aud:              "authenticated",
		Email:            u.email,
		EmailConfirmedAt: u.confirmedAt,
		UserMetadata:     u.metadata,
		CreatedAt:        u.createdAt,
	}
}
