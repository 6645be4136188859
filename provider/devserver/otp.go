package devserver

import (
	"fmt"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/jmcleod/authkeeper/provider"
)

type otpKey struct {
	email   string
	purpose provider.OTPPurpose
}

func (s *Server) otpOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    uint(s.cfg.OTPValidity.Seconds()),
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}

// issueOTPLocked creates a fresh code for (email, purpose), replacing any
// outstanding one. The caller holds s.mu.
func (s *Server) issueOTPLocked(email string, purpose provider.OTPPurpose) (string, error) {
	opts := s.otpOpts()
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      "authkeeper-dev",
		AccountName: email,
		Period:      opts.Period,
		SecretSize:  20,
		Digits:      opts.Digits,
		Algorithm:   opts.Algorithm,
	})
	if err != nil {
		return "", fmt.Errorf("generating otp secret: %w", err)
	}
	code, err := totp.GenerateCodeCustom(key.Secret(), s.now(), opts)
	if err != nil {
		return "", fmt.Errorf("generating otp code: %w", err)
	}
	s.otps[otpKey{email: email, purpose: purpose}] = key.Secret()
	return code, nil
}

// consumeOTPLocked checks code and, when valid, invalidates it. The caller
// holds s.mu.
func (s *Server) consumeOTPLocked(email string, purpose provider.OTPPurpose, code string) bool {
	k := otpKey{email: email, purpose: purpose}
	secret, ok := s.otps[k]
	if !ok {
		return false
	}
	valid, err := totp.ValidateCustom(code, secret, s.now(), s.otpOpts())
	if err != nil || !valid {
		return false
	}
	delete(s.otps, k)
	return true
}
