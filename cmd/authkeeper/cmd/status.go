package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/authkeeper/client"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the restored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := startClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		printStatus(cmd.OutOrStdout(), c)
		return nil
	},
}

func printStatus(w io.Writer, c *client.Client) {
	st := c.State()
	fmt.Fprintf(w, "Status:     %s\n", st.Status)
	if !st.IsAuthenticated() {
		return
	}
	u := st.Session.User
	fmt.Fprintf(w, "User:       %s (%s)\n", u.Email, u.ID)
	if u.DisplayName != "" {
		fmt.Fprintf(w, "Name:       %s\n", u.DisplayName)
	}
	fmt.Fprintf(w, "Verified:   %t\n", u.EmailVerified)
	fmt.Fprintf(w, "Expires:    %s\n", st.Session.ExpiresAt.Local().Format(time.RFC3339))
	if due, ok := c.NextRefresh(); ok {
		fmt.Fprintf(w, "Refresh at: %s\n", due.Local().Format(time.RFC3339))
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
