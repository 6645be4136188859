package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/authkeeper/provider"
	"github.com/jmcleod/authkeeper/provider/devserver"
)

var (
	port        int
	autoConfirm bool
	tokenTTL    time.Duration
)

// devMountPath matches the default provider URL.
const devMountPath = "/auth/v1"

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run an in-memory identity provider for development",
	Long: `Start a throwaway identity provider. Accounts live in memory and
one-time codes are printed to stdout instead of being emailed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		cfg := devserver.DefaultConfig()
		cfg.AutoConfirm = autoConfirm
		cfg.AccessTokenTTL = tokenTTL

		srv, err := devserver.New(
			devserver.WithConfig(cfg),
			devserver.WithLogger(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))),
			devserver.WithOTPHook(func(email string, purpose provider.OTPPurpose, code string) {
				fmt.Fprintf(out, "OTP for %s (%s): %s\n", email, purpose, code)
			}),
		)
		if err != nil {
			return err
		}

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})
		r.Mount(devMountPath, srv.Router())

		server := &http.Server{
			Addr:              fmt.Sprintf("127.0.0.1:%d", port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner(out)
		fmt.Fprintf(out, "Listening on http://%s%s\n", server.Addr, devMountPath)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(devserverCmd)
	devserverCmd.Flags().IntVarP(&port, "port", "p", 9999, "Port to listen on")
	devserverCmd.Flags().BoolVar(&autoConfirm, "auto-confirm", false, "Issue sessions at sign-up without email verification")
	devserverCmd.Flags().DurationVar(&tokenTTL, "token-ttl", time.Hour, "Access token lifetime")
}
