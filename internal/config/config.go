// Package config loads authkeeper settings from built-in defaults, an
// optional TOML file, a .env file and AUTHKEEPER_* environment variables, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/jmcleod/authkeeper/internal/logging"
	"github.com/jmcleod/authkeeper/ratelimit"
)

const envPrefix = "AUTHKEEPER_"

type Config struct {
	Env       string `toml:"env"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	DataDir   string `toml:"data_dir"`

	Provider  ProviderConfig  `toml:"provider"`
	Session   SessionConfig   `toml:"session"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
}

type ProviderConfig struct {
	URL    string `toml:"url"`
	APIKey string `toml:"api_key"`
}

type SessionConfig struct {
	RefreshMargin time.Duration `toml:"refresh_margin"`
	RetryInterval time.Duration `toml:"retry_interval"`
	// Passphrase is mixed into the key that wraps stored tokens. Changing it
	// makes previously stored sessions unreadable.
	Passphrase string `toml:"passphrase"`
}

type RateLimitConfig struct {
	MaxAttempts     int           `toml:"max_attempts"`
	Window          time.Duration `toml:"window"`
	LockoutDuration time.Duration `toml:"lockout_duration"`
	MaxBackoff      time.Duration `toml:"max_backoff"`
	SweepInterval   time.Duration `toml:"sweep_interval"`
}

// Limiter returns the limiter configuration.
func (c RateLimitConfig) Limiter() ratelimit.Config {
	cfg := ratelimit.DefaultConfig()
	cfg.MaxAttempts = c.MaxAttempts
	cfg.Window = c.Window
	cfg.LockoutDuration = c.LockoutDuration
	cfg.MaxBackoff = c.MaxBackoff
	return cfg
}

// Default returns the built-in configuration.
func Default() *Config {
	rl := ratelimit.DefaultConfig()
	return &Config{
		Env:       "development",
		LogLevel:  "info",
		LogFormat: "text",
		DataDir:   defaultDataDir(),
		Provider: ProviderConfig{
			URL: "http://127.0.0.1:9999/auth/v1",
		},
		Session: SessionConfig{
			RefreshMargin: 5 * time.Minute,
			RetryInterval: time.Minute,
		},
		RateLimit: RateLimitConfig{
			MaxAttempts:     rl.MaxAttempts,
			Window:          rl.Window,
			LockoutDuration: rl.LockoutDuration,
			MaxBackoff:      rl.MaxBackoff,
			SweepInterval:   10 * time.Minute,
		},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "authkeeper")
	}
	return ".authkeeper"
}

// Load builds the configuration. path names an optional TOML file; an empty
// path skips it, a missing named file is an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error
	setString(&c.Env, "ENV")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.LogFormat, "LOG_FORMAT")
	setString(&c.DataDir, "DATA_DIR")
	setString(&c.Provider.URL, "PROVIDER_URL")
	setString(&c.Provider.APIKey, "API_KEY")
	setString(&c.Session.Passphrase, "STORE_PASSPHRASE")
	errs = append(errs,
		setDuration(&c.Session.RefreshMargin, "REFRESH_MARGIN"),
		setDuration(&c.Session.RetryInterval, "RETRY_INTERVAL"),
		setInt(&c.RateLimit.MaxAttempts, "RATE_LIMIT_MAX_ATTEMPTS"),
		setDuration(&c.RateLimit.Window, "RATE_LIMIT_WINDOW"),
		setDuration(&c.RateLimit.LockoutDuration, "RATE_LIMIT_LOCKOUT"),
		setDuration(&c.RateLimit.MaxBackoff, "RATE_LIMIT_MAX_BACKOFF"),
		setDuration(&c.RateLimit.SweepInterval, "RATE_LIMIT_SWEEP_INTERVAL"),
	)
	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if v := os.Getenv(envPrefix + key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	*dst = d
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log_format must be json or text, got %q", c.LogFormat))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if u, err := url.Parse(c.Provider.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("provider.url must be an http(s) URL, got %q", c.Provider.URL))
	}
	if c.IsProduction() && strings.HasPrefix(c.Provider.URL, "http://") {
		errs = append(errs, errors.New("provider.url must use https in production"))
	}
	if c.Session.RefreshMargin < 0 {
		errs = append(errs, errors.New("session.refresh_margin must not be negative"))
	}
	if c.Session.RetryInterval <= 0 {
		errs = append(errs, errors.New("session.retry_interval must be positive"))
	}
	if c.RateLimit.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("rate_limit.max_attempts must be at least 1, got %d", c.RateLimit.MaxAttempts))
	}
	for name, d := range map[string]time.Duration{
		"rate_limit.window":           c.RateLimit.Window,
		"rate_limit.lockout_duration": c.RateLimit.LockoutDuration,
		"rate_limit.max_backoff":      c.RateLimit.MaxBackoff,
		"rate_limit.sweep_interval":   c.RateLimit.SweepInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	return errors.Join(errs...)
}

// IsProduction reports whether Env is "production".
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
