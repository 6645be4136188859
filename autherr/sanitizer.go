package autherr

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strconv"
)

// Sanitized is the user-safe rendition of a failure. DebugDetail carries the
// raw message and is empty in production.
type Sanitized struct {
	Message     string
	Category    Category
	DebugDetail string
}

// Error is a sanitized failure that still unwraps to its cause.
type Error struct {
	Sanitized
	cause error
}

func (e *Error) Error() string { return e.Message }
func (e *Error) Unwrap() error { return e.cause }

// coded is implemented by provider errors that carry a machine-readable code.
type coded interface {
	ErrorCode() string
}

// statused is implemented by errors that carry an HTTP status.
type statused interface {
	StatusCode() int
}

type rule struct {
	category Category
	message  string
}

type patternRule struct {
	re *regexp.Regexp
	rule
}

var codeRules = map[string]rule{
	"invalid_credentials":        {Authentication, msgInvalidCredentials},
	"invalid_grant":              {Authentication, msgInvalidCredentials},
	"email_not_confirmed":        {Authentication, msgEmailNotConfirmed},
	"user_not_found":             {Authentication, msgInvalidCredentials},
	"session_not_found":          {Authentication, msgSessionExpired},
	"session_expired":            {Authentication, msgSessionExpired},
	"refresh_token_not_found":    {Authentication, msgSessionExpired},
	"refresh_token_already_used": {Authentication, msgSessionExpired},
	"bad_jwt":                    {Authentication, msgSessionExpired},
	"otp_expired":                {Authentication, msgOTPExpired},
	"otp_invalid":                {Authentication, msgOTPExpired},
	"user_already_exists":        {Validation, msgUserExists},
	"email_exists":               {Validation, msgUserExists},
	"weak_password":              {Validation, msgWeakPassword},
	"email_address_invalid":      {Validation, msgInvalidEmail},
	"validation_failed":          {Validation, defaultMessages[Validation]},
	"signup_disabled":            {Validation, msgSignupDisabled},
	"over_request_rate_limit":    {RateLimit, msgRateLimited},
	"over_email_send_rate_limit": {RateLimit, msgRateLimited},
	"too_many_requests":          {RateLimit, msgRateLimited},
	"unexpected_failure":         {Server, msgServer},
	"request_timeout":            {Network, msgNetwork},
}

var patternRules = []patternRule{
	{regexp.MustCompile(`(?i)invalid login credentials|invalid (email|password)`), rule{Authentication, msgInvalidCredentials}},
	{regexp.MustCompile(`(?i)email not confirmed`), rule{Authentication, msgEmailNotConfirmed}},
	{regexp.MustCompile(`(?i)(refresh token|session).*(not found|expired|revoked|already used)|jwt expired`), rule{Authentication, msgSessionExpired}},
	{regexp.MustCompile(`(?i)(token|otp|code).*(expired|invalid)`), rule{Authentication, msgOTPExpired}},
	{regexp.MustCompile(`(?i)already (registered|exists)`), rule{Validation, msgUserExists}},
	{regexp.MustCompile(`(?i)password.*(at least|too short|weak)`), rule{Validation, msgWeakPassword}},
	{regexp.MustCompile(`(?i)(invalid|unable to validate) email`), rule{Validation, msgInvalidEmail}},
	{regexp.MustCompile(`(?i)rate limit|too many requests`), rule{RateLimit, msgRateLimited}},
	{regexp.MustCompile(`(?i)network|connection (refused|reset)|no such host|timed? ?out|i/o timeout|failed to fetch`), rule{Network, msgNetwork}},
	{regexp.MustCompile(`(?i)internal server error|service unavailable|bad gateway`), rule{Server, msgServer}},
}

var statusPattern = regexp.MustCompile(`\b([45]\d\d)\b`)

// Sanitizer maps raw errors to Sanitized values.
type Sanitizer struct {
	production bool
}

// Option configures a Sanitizer.
type Option func(*Sanitizer)

// WithEnvironment omits DebugDetail when env is "production".
func WithEnvironment(env string) Option {
	return func(s *Sanitizer) { s.production = env == "production" }
}

// New returns a Sanitizer. By default DebugDetail is kept.
func New(opts ...Option) *Sanitizer {
	s := &Sanitizer{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sanitize classifies err. A nil error yields the zero value.
func (s *Sanitizer) Sanitize(err error) Sanitized {
	if err == nil {
		return Sanitized{}
	}
	var already *Error
	if errors.As(err, &already) {
		out := already.Sanitized
		if s.production {
			out.DebugDetail = ""
		}
		return out
	}
	r := classify(err)
	out := Sanitized{Message: r.message, Category: r.category}
	if !s.production {
		out.DebugDetail = err.Error()
	}
	return out
}

// SanitizeMessage classifies a raw provider message.
func (s *Sanitizer) SanitizeMessage(msg string) Sanitized {
	return s.Sanitize(errors.New(msg))
}

// Wrap returns err as an *Error, or nil for a nil err.
func (s *Sanitizer) Wrap(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Sanitized: s.Sanitize(err), cause: err}
}

// Classify returns the category of err without building a message.
func Classify(err error) Category {
	if err == nil {
		return Unknown
	}
	var sanitized *Error
	if errors.As(err, &sanitized) {
		return sanitized.Category
	}
	return classify(err).category
}

// IsTransient reports whether err is a network or server failure.
func IsTransient(err error) bool {
	return err != nil && Classify(err).Transient()
}

// IsCredentialInvalid reports whether err means the credentials themselves
// were rejected, as opposed to the attempt failing.
func IsCredentialInvalid(err error) bool {
	return err != nil && Classify(err) == Authentication
}

// IsRejected reports whether err means a stored session can never succeed
// again: the provider refused the credentials or the request itself.
// Rate limiting and unknown failures are not rejections.
func IsRejected(err error) bool {
	if err == nil {
		return false
	}
	switch Classify(err) {
	case Authentication, Validation:
		return true
	}
	return false
}

func classify(err error) rule {
	var c coded
	if errors.As(err, &c) {
		if r, ok := codeRules[c.ErrorCode()]; ok {
			return r
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return rule{Network, msgNetwork}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return rule{Network, msgNetwork}
	}

	msg := err.Error()
	for _, p := range patternRules {
		if p.re.MatchString(msg) {
			return p.rule
		}
	}

	status := 0
	var st statused
	if errors.As(err, &st) {
		status = st.StatusCode()
	} else if m := statusPattern.FindStringSubmatch(msg); m != nil {
		status, _ = strconv.Atoi(m[1])
	}
	if cat, ok := statusCategory(status); ok {
		return rule{cat, defaultMessages[cat]}
	}
	return rule{Unknown, msgUnknown}
}

func statusCategory(status int) (Category, bool) {
	switch {
	case status == 401 || status == 403:
		return Authentication, true
	case status == 404:
		return Server, true
	case status == 429:
		return RateLimit, true
	case status >= 500 && status <= 599:
		return Server, true
	}
	return "", false
}
