package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate keeps a developer's .env and environment out of the test.
func isolate(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
	for _, kv := range os.Environ() {
		if k, _, _ := strings.Cut(kv, "="); strings.HasPrefix(k, envPrefix) {
			t.Setenv(k, "")
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, 5*time.Minute, cfg.Session.RefreshMargin)
	assert.Equal(t, time.Minute, cfg.Session.RetryInterval)
	assert.Equal(t, 5, cfg.RateLimit.MaxAttempts)
	assert.Equal(t, 15*time.Minute, cfg.RateLimit.LockoutDuration)
	assert.NotEmpty(t, cfg.DataDir)
}

func TestLoadTOML(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "authkeeper.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
env = "staging"
log_format = "json"

[provider]
url = "https://auth.example.com/auth/v1"
api_key = "anon"

[session]
refresh_margin = "2m"

[rate_limit]
max_attempts = 3
window = "10m"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "staging", cfg.Env)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "https://auth.example.com/auth/v1", cfg.Provider.URL)
	assert.Equal(t, "anon", cfg.Provider.APIKey)
	assert.Equal(t, 2*time.Minute, cfg.Session.RefreshMargin)
	assert.Equal(t, time.Minute, cfg.Session.RetryInterval, "unset keys keep defaults")
	assert.Equal(t, 3, cfg.RateLimit.MaxAttempts)

	lim := cfg.RateLimit.Limiter()
	assert.Equal(t, 3, lim.MaxAttempts)
	assert.Equal(t, 10*time.Minute, lim.Window)
	assert.Equal(t, time.Second, lim.BaseBackoff)
}

func TestLoadMissingFile(t *testing.T) {
	isolate(t)
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "authkeeper.toml")
	require.NoError(t, os.WriteFile(path, []byte("log_level = \"warn\"\n"), 0o600))
	t.Setenv("AUTHKEEPER_LOG_LEVEL", "debug")
	t.Setenv("AUTHKEEPER_RETRY_INTERVAL", "30s")
	t.Setenv("AUTHKEEPER_RATE_LIMIT_MAX_ATTEMPTS", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.Session.RetryInterval)
	assert.Equal(t, 7, cfg.RateLimit.MaxAttempts)
}

func TestDotEnv(t *testing.T) {
	isolate(t)
	require.NoError(t, os.WriteFile(".env", []byte("AUTHKEEPER_API_KEY=from-dotenv\n"), 0o600))
	// godotenv never overrides a variable that is already set.
	t.Setenv("AUTHKEEPER_API_KEY", "")
	require.NoError(t, os.Unsetenv("AUTHKEEPER_API_KEY"))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Provider.APIKey)
}

func TestBadEnvValues(t *testing.T) {
	isolate(t)
	t.Setenv("AUTHKEEPER_REFRESH_MARGIN", "soon")
	t.Setenv("AUTHKEEPER_RATE_LIMIT_MAX_ATTEMPTS", "many")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AUTHKEEPER_REFRESH_MARGIN")
	assert.Contains(t, err.Error(), "AUTHKEEPER_RATE_LIMIT_MAX_ATTEMPTS")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "log level"},
		{"log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"data dir", func(c *Config) { c.DataDir = "" }, "data_dir"},
		{"provider url", func(c *Config) { c.Provider.URL = "ftp://x" }, "provider.url"},
		{"https in production", func(c *Config) { c.Env = "production" }, "https"},
		{"retry interval", func(c *Config) { c.Session.RetryInterval = 0 }, "retry_interval"},
		{"max attempts", func(c *Config) { c.RateLimit.MaxAttempts = 0 }, "max_attempts"},
		{"window", func(c *Config) { c.RateLimit.Window = -time.Second }, "rate_limit.window"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
	assert.NoError(t, Default().Validate())
}
