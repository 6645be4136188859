// Package provider defines the contract of the remote identity provider that
// issues and refreshes sessions.
package provider

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jmcleod/authkeeper/session"
)

// OTPPurpose names what a one-time code verifies.
type OTPPurpose string

const (
	OTPSignUp      OTPPurpose = "signup"
	OTPEmail       OTPPurpose = "email"
	OTPRecovery    OTPPurpose = "recovery"
	OTPEmailChange OTPPurpose = "email_change"
)

// Valid reports whether p is a known purpose.
func (p OTPPurpose) Valid() bool {
	switch p {
	case OTPSignUp, OTPEmail, OTPRecovery, OTPEmailChange:
		return true
	}
	return false
}

// SignUpResult is the outcome of SignUp. Session is nil when the provider
// requires the email address to be verified first.
type SignUpResult struct {
	User    session.User
	Session *session.Session
}

// VerificationRequired reports whether the caller must complete VerifyOTP.
func (r *SignUpResult) VerificationRequired() bool {
	return r.Session == nil
}

// Provider is a remote identity provider.
type Provider interface {
	SignIn(ctx context.Context, email, password string) (*session.Session, error)
	SignUp(ctx context.Context, email, password string) (*SignUpResult, error)
	VerifyOTP(ctx context.Context, email, code string, purpose OTPPurpose) (*session.Session, error)
	Refresh(ctx context.Context, refreshToken string) (*session.Session, error)
	// SignOut revokes the session server-side.
	SignOut(ctx context.Context, accessToken string) error
	// OnAuthStateChange registers fn for provider-originated changes and
	// returns a function that removes it.
	OnAuthStateChange(fn func(ChangeEvent)) (unsubscribe func())
}

// Error is a failure reported by the provider.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("provider error %d: %s", e.Status, e.Message)
}

// ErrorCode returns the machine-readable error code.
func (e *Error) ErrorCode() string { return e.Code }

// StatusCode returns the HTTP status of the failed call.
func (e *Error) StatusCode() int { return e.Status }

// Temporary reports whether the failure is on the provider side.
func (e *Error) Temporary() bool {
	return e.Status >= http.StatusInternalServerError || e.Status == http.StatusTooManyRequests
}
