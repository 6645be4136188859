package devserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/jmcleod/authkeeper/internal/util"
	"github.com/jmcleod/authkeeper/provider"
)

const maxRequestBytes = 1 << 16

var validate = validator.New()

type userResponse struct {
	ID               string         `json:"id"`
	Aud              string         `json:"aud"`
	Email            string         `json:"email"`
	EmailConfirmedAt *time.Time     `json:"email_confirmed_at,omitempty"`
	UserMetadata     map[string]any `json:"user_metadata"`
	CreatedAt        time.Time      `json:"created_at"`
}

type sessionResponse struct {
	AccessToken  string       `json:"access_token"`
	TokenType    string       `json:"token_type"`
	ExpiresIn    int64        `json:"expires_in"`
	ExpiresAt    int64        `json:"expires_at"`
	RefreshToken string       `json:"refresh_token"`
	User         userResponse `json:"user"`
}

type errorResponse struct {
	Code      int    `json:"code"`
	ErrorCode string `json:"error_code,omitempty"`
	Msg       string `json:"msg"`
}

type passwordGrantRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type refreshGrantRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type signUpRequest struct {
	Email    string         `json:"email" validate:"required,email,max=254"`
	Password string         `json:"password" validate:"required,min=8,max=256"`
	Data     map[string]any `json:"data,omitempty"`
}

type verifyRequest struct {
	Type  string `json:"type" validate:"required,oneof=signup email recovery email_change"`
	Email string `json:"email" validate:"required,email"`
	Token string `json:"token" validate:"required,len=6,numeric"`
}

type sendOTPRequest struct {
	Email string `json:"email" validate:"required,email"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Code: status, ErrorCode: code, Msg: msg})
}

// decodeRequest reads and validates a JSON body. On failure it writes the
// response and returns false.
func decodeRequest(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "Could not parse request body as JSON")
		return false
	}
	if err := validate.Struct(v); err != nil {
		code, msg := "validation_failed", "Invalid request"
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			code, msg = validationFailure(ve[0])
		}
		writeError(w, http.StatusUnprocessableEntity, code, msg)
		return false
	}
	return true
}

func validationFailure(fe validator.FieldError) (code, msg string) {
	switch {
	case fe.Field() == "Email" && fe.Tag() == "email":
		return "email_address_invalid", "Unable to validate email address: invalid format"
	case fe.Field() == "Password" && fe.Tag() == "min":
		return "weak_password", "Password should be at least " + fe.Param() + " characters"
	case fe.Tag() == "required":
		return "validation_failed", strings.ToLower(fe.Field()) + " is required"
	}
	return "validation_failed", "Invalid " + strings.ToLower(fe.Field())
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	switch grant := r.URL.Query().Get("grant_type"); grant {
	case "password":
		s.passwordGrant(w, r)
	case "refresh_token":
		s.refreshGrant(w, r)
	default:
		writeError(w, http.StatusBadRequest, "unsupported_grant_type", "Unsupported grant type "+grant)
	}
}

func (s *Server) passwordGrant(w http.ResponseWriter, r *http.Request) {
	var req passwordGrantRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	key := util.FoldIdentifier(req.Email)

	s.mu.Lock()
	u := s.users[key]
	s.mu.Unlock()

	if u == nil {
		s.dummyCheck(req.Password)
		writeError(w, http.StatusBadRequest, "invalid_credentials", "Invalid login credentials")
		return
	}
	if !s.checkPassword(u, req.Password) {
		writeError(w, http.StatusBadRequest, "invalid_credentials", "Invalid login credentials")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if u.confirmedAt == nil {
		writeError(w, http.StatusBadRequest, "email_not_confirmed", "Email not confirmed")
		return
	}
	resp, err := s.issueSessionLocked(u)
	if err != nil {
		s.logger.Error("issuing session", "error", err)
		writeError(w, http.StatusInternalServerError, "unexpected_failure", "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) refreshGrant(w http.ResponseWriter, r *http.Request) {
	var req refreshGrantRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.refreshTokens[req.RefreshToken]
	if !ok {
		writeError(w, http.StatusBadRequest, "refresh_token_not_found", "Invalid Refresh Token: Refresh Token Not Found")
		return
	}
	if rec.revoked {
		// Reuse of a rotated token revokes the whole family.
		s.revokeAllLocked(rec.userID)
		writeError(w, http.StatusBadRequest, "refresh_token_already_used", "Invalid Refresh Token: Already Used")
		return
	}
	u := s.userByIDLocked(rec.userID)
	if u == nil {
		writeError(w, http.StatusBadRequest, "user_not_found", "User not found")
		return
	}
	rec.revoked = true
	resp, err := s.issueSessionLocked(u)
	if err != nil {
		s.logger.Error("issuing session", "error", err)
		writeError(w, http.StatusInternalServerError, "unexpected_failure", "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	key := util.FoldIdentifier(req.Email)
	u, err := s.newUser(strings.TrimSpace(req.Email), req.Password)
	if err != nil {
		s.logger.Error("creating user", "error", err)
		writeError(w, http.StatusInternalServerError, "unexpected_failure", "Internal server error")
		return
	}
	for k, v := range req.Data {
		u.metadata[k] = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[key]; exists {
		writeError(w, http.StatusUnprocessableEntity, "user_already_exists", "User already registered")
		return
	}
	s.users[key] = u

	if s.cfg.AutoConfirm {
		now := s.now().UTC()
		u.confirmedAt = &now
		resp, err := s.issueSessionLocked(u)
		if err != nil {
			s.logger.Error("issuing session", "error", err)
			writeError(w, http.StatusInternalServerError, "unexpected_failure", "Internal server error")
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	code, err := s.issueOTPLocked(key, provider.OTPSignUp)
	if err != nil {
		s.logger.Error("issuing code", "error", err)
		writeError(w, http.StatusInternalServerError, "unexpected_failure", "Internal server error")
		return
	}
	s.otpHook(u.email, provider.OTPSignUp, code)
	writeJSON(w, http.StatusOK, u.response())
}

func (s *Server) handleSendOTP(w http.ResponseWriter, r *http.Request) {
	var req sendOTPRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	key := util.FoldIdentifier(req.Email)

	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[key]
	if u == nil {
		// Same answer as for known users.
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}
	code, err := s.issueOTPLocked(key, provider.OTPEmail)
	if err != nil {
		s.logger.Error("issuing code", "error", err)
		writeError(w, http.StatusInternalServerError, "unexpected_failure", "Internal server error")
		return
	}
	s.otpHook(u.email, provider.OTPEmail, code)
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	key := util.FoldIdentifier(req.Email)
	purpose := provider.OTPPurpose(req.Type)

	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[key]
	if u == nil || !s.consumeOTPLocked(key, purpose, req.Token) {
		writeError(w, http.StatusForbidden, "otp_expired", "Token has expired or is invalid")
		return
	}
	if u.confirmedAt == nil {
		now := s.now().UTC()
		u.confirmedAt = &now
	}
	resp, err := s.issueSessionLocked(u)
	if err != nil {
		s.logger.Error("issuing session", "error", err)
		writeError(w, http.StatusInternalServerError, "unexpected_failure", "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		writeError(w, http.StatusUnauthorized, "no_authorization", "This endpoint requires a Bearer token")
		return
	}
	userID, err := s.parseAccessToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "bad_jwt", "invalid JWT: "+err.Error())
		return
	}

	s.mu.Lock()
	n := s.revokeAllLocked(userID)
	s.mu.Unlock()
	s.logger.Debug("sessions revoked", "user_id", userID, "count", n)
	w.WriteHeader(http.StatusNoContent)
}
