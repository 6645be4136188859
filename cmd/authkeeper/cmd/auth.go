package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/authkeeper/provider"
)

var (
	email   string
	code    string
	purpose string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in with email and password",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := startClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		password, err := readSecret(cmd, "Password: ")
		if err != nil {
			return err
		}
		res, err := c.SignIn(cmd.Context(), email, password)
		return report(cmd, res, err)
	},
}

var signupCmd = &cobra.Command{
	Use:   "signup",
	Short: "Create an account",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := startClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		password, err := readSecret(cmd, "Password: ")
		if err != nil {
			return err
		}
		confirm, err := readSecret(cmd, "Confirm password: ")
		if err != nil {
			return err
		}
		if password != confirm {
			return errors.New("passwords do not match")
		}
		res, err := c.SignUp(cmd.Context(), email, password)
		return report(cmd, res, err)
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify a one-time code sent by email",
	RunE: func(cmd *cobra.Command, args []string) error {
		p := provider.OTPPurpose(purpose)
		if !p.Valid() {
			return fmt.Errorf("unknown purpose %q", purpose)
		}
		c, _, err := startClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		res, err := c.VerifyOTP(cmd.Context(), email, code, p)
		return report(cmd, res, err)
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and forget the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := startClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		wasSignedIn := c.State().IsAuthenticated()
		if err := c.SignOut(cmd.Context()); err != nil {
			return err
		}
		if wasSignedIn {
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "Not signed in")
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{loginCmd, signupCmd, verifyCmd} {
		c.Flags().StringVar(&email, "email", "", "Account email address")
		_ = c.MarkFlagRequired("email")
		rootCmd.AddCommand(c)
	}
	verifyCmd.Flags().StringVar(&code, "code", "", "One-time code")
	verifyCmd.Flags().StringVar(&purpose, "purpose", string(provider.OTPSignUp), "What the code verifies (signup, email, recovery, email_change)")
	_ = verifyCmd.MarkFlagRequired("code")
	rootCmd.AddCommand(logoutCmd)
}
