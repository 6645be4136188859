package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jmcleod/authkeeper/client"
)

// readSecret reads a password without echo from a terminal, or one line from
// any other input.
func readSecret(cmd *cobra.Command, prompt string) (string, error) {
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), prompt)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(b), nil
	}
	// Unbuffered so consecutive prompts each get their own line.
	var line strings.Builder
	b := make([]byte, 1)
	for {
		n, err := in.Read(b)
		if n == 1 {
			if b[0] == '\n' {
				break
			}
			line.WriteByte(b[0])
		}
		if err != nil {
			if errors.Is(err, io.EOF) && line.Len() > 0 {
				break
			}
			return "", fmt.Errorf("reading password: %w", err)
		}
	}
	return strings.TrimRight(line.String(), "\r"), nil
}

// report prints the outcome of a credential exchange. Errors are already
// user-safe.
func report(cmd *cobra.Command, res client.Result, err error) error {
	out := cmd.OutOrStdout()
	switch {
	case err != nil:
		if res.RateLimit.Allowed && res.RateLimit.RemainingAttempts > 0 {
			fmt.Fprintf(out, "%d attempt(s) left before a temporary lockout.\n", res.RateLimit.RemainingAttempts)
		}
		return err
	case res.RateLimit.Locked():
		return fmt.Errorf("too many attempts, locked until %s", res.RateLimit.LockedUntil.Local().Format(time.Kitchen))
	case res.Limited():
		return fmt.Errorf("too many attempts, try again in %s", res.RateLimit.WaitTime.Round(time.Second))
	case res.VerificationRequired:
		fmt.Fprintln(out, "Check your email for a verification code, then run: authkeeper verify")
	case res.User != nil:
		fmt.Fprintf(out, "Signed in as %s\n", res.User.Email)
	}
	return nil
}
