// Package autherr classifies authentication failures into a fixed taxonomy
// and turns them into messages that are safe to show to end users.
package autherr

// Category is the coarse class of an authentication failure.
type Category string

const (
	Authentication Category = "authentication"
	Network        Category = "network"
	Validation     Category = "validation"
	Server         Category = "server"
	RateLimit      Category = "rate_limit"
	Unknown        Category = "unknown"
)

// Transient reports whether failures in c are worth retrying later.
func (c Category) Transient() bool {
	return c == Network || c == Server
}

func (c Category) String() string { return string(c) }

// Default user-facing messages per category.
const (
	msgInvalidCredentials = "Invalid email or password."
	msgEmailNotConfirmed  = "Please confirm your email address before signing in."
	msgUserExists         = "An account with this email already exists."
	msgWeakPassword       = "Password is too weak. Use at least 8 characters."
	msgInvalidEmail       = "Please enter a valid email address."
	msgOTPExpired         = "This code is invalid or has expired. Request a new one."
	msgSessionExpired     = "Your session has expired. Please sign in again."
	msgRateLimited        = "Too many attempts. Please wait a moment and try again."
	msgNetwork            = "Unable to reach the server. Check your connection and try again."
	msgServer             = "The service is temporarily unavailable. Please try again later."
	msgSignupDisabled     = "New sign-ups are currently disabled."
	msgUnknown            = "Something went wrong. Please try again."
)

var defaultMessages = map[Category]string{
	Authentication: msgInvalidCredentials,
	Network:        msgNetwork,
	Validation:     "Please check the information you entered.",
	Server:         msgServer,
	RateLimit:      msgRateLimited,
	Unknown:        msgUnknown,
}
