package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/authkeeper/session"
)

const touchInterval = time.Minute

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Keep the session refreshed until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		c, _, err := startClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		out := cmd.OutOrStdout()
		unsub := c.Users().Subscribe(func(u *session.User) {
			if u == nil {
				fmt.Fprintln(out, "Signed out")
				return
			}
			fmt.Fprintf(out, "Signed in as %s\n", u.Email)
		})
		defer unsub()
		printStatus(out, c)

		ticker := time.NewTicker(touchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				fmt.Fprintln(out, "Shutting down")
				return nil
			case <-ticker.C:
				if c.State().IsAuthenticated() {
					if err := c.Touch(ctx); err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "recording activity: %v\n", err)
					}
				}
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
