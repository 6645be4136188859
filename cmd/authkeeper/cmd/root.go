package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/authkeeper/client"
	"github.com/jmcleod/authkeeper/internal/config"
	"github.com/jmcleod/authkeeper/internal/logging"
)

var (
	cfgFile     string
	dataDir     string
	providerURL string
)

var rootCmd = &cobra.Command{
	Use:   "authkeeper",
	Short: "authkeeper signs in to an identity provider and keeps the session alive",
	Long: `Sign in, sign up and verify against a GoTrue-style identity provider.
The session is sealed on disk, restored on the next start and refreshed
before it expires.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to a TOML config file")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Directory for the session database and device key")
	rootCmd.PersistentFlags().StringVar(&providerURL, "provider-url", "", "Base URL of the identity provider")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if providerURL != "" {
		cfg.Provider.URL = providerURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// startClient opens the client and restores any persisted session. The
// caller must Close it.
func startClient(cmd *cobra.Command) (*client.Client, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, err
	}
	c, err := client.Open(cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open session store: %w", err)
	}
	if err := c.Start(cmd.Context()); err != nil {
		c.Close()
		return nil, nil, err
	}
	return c, cfg, nil
}
