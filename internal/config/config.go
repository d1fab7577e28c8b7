// Package config loads sitesync settings from defaults, an optional YAML
// file, an optional .env file and SITESYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	apperrors "github.com/kimhsiao/sitesync/internal/errors"
	"github.com/kimhsiao/sitesync/internal/logging"
	syncpkg "github.com/kimhsiao/sitesync/internal/sync"
	"github.com/kimhsiao/sitesync/internal/sync/remote"
	"github.com/kimhsiao/sitesync/internal/sync/scheduler"
)

const (
	envPrefix = "SITESYNC"

	defaultEnv        = "local"
	defaultDataDir    = ".sitesync"
	defaultListenAddr = "127.0.0.1:8787"
	defaultLogLevel   = "info"
	defaultEnvFile    = ".env"
)

type Config struct {
	Env        string `mapstructure:"app_env"`
	DataDir    string `mapstructure:"data_dir"`
	ListenAddr string `mapstructure:"listen_addr"`
	LogLevel   string `mapstructure:"log_level"`

	RemoteBaseURL string        `mapstructure:"remote_base_url"`
	RemoteToken   string        `mapstructure:"remote_token"`
	RemoteTimeout time.Duration `mapstructure:"remote_timeout"`

	MaxAttempts  int           `mapstructure:"max_attempts"`
	BaseDelay    time.Duration `mapstructure:"base_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	JitterFactor float64       `mapstructure:"jitter_factor"`
	ApplyTimeout time.Duration `mapstructure:"apply_timeout"`
	StaleAfter   time.Duration `mapstructure:"stale_after"`
	Concurrency  int           `mapstructure:"concurrency"`
	RetainSynced time.Duration `mapstructure:"retain_synced"`

	SyncInterval         time.Duration `mapstructure:"sync_interval"`
	PruneInterval        time.Duration `mapstructure:"prune_interval"`
	InvocationMaxElapsed time.Duration `mapstructure:"invocation_max_elapsed"`
}

// LoadOptions selects the optional files Load reads.
type LoadOptions struct {
	// ConfigFile is a YAML file; empty skips it.
	ConfigFile string
	// EnvFile is a dotenv file; empty means ".env". A missing file is ignored.
	EnvFile string
}

// Load resolves the configuration. Precedence, highest first: environment,
// .env file, config file, defaults.
func Load(opts LoadOptions) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = defaultEnvFile
	}
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, "load env file", err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, "read config file", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "decode config", err)
	}
	if cfg.DataDir == defaultDataDir {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.DataDir = filepath.Join(home, defaultDataDir)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	engine := syncpkg.DefaultConfig()
	sched := scheduler.DefaultSchedulerConfig()

	v.SetDefault("app_env", defaultEnv)
	v.SetDefault("data_dir", defaultDataDir)
	v.SetDefault("listen_addr", defaultListenAddr)
	v.SetDefault("log_level", defaultLogLevel)

	v.SetDefault("remote_base_url", "")
	v.SetDefault("remote_token", "")
	v.SetDefault("remote_timeout", 30*time.Second)

	v.SetDefault("max_attempts", engine.MaxAttempts)
	v.SetDefault("base_delay", engine.BaseDelay)
	v.SetDefault("max_delay", engine.MaxDelay)
	v.SetDefault("jitter_factor", engine.JitterFactor)
	v.SetDefault("apply_timeout", engine.ApplyTimeout)
	v.SetDefault("stale_after", engine.StaleAfter)
	v.SetDefault("concurrency", engine.Concurrency)
	v.SetDefault("retain_synced", engine.RetainSynced)

	v.SetDefault("sync_interval", sched.SyncInterval)
	v.SetDefault("prune_interval", sched.PruneInterval)
	v.SetDefault("invocation_max_elapsed", sched.RetryMaxElapsed)
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir must not be empty"))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts))
	}
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency))
	}
	if c.JitterFactor < 0 || c.JitterFactor > 1 {
		errs = append(errs, fmt.Errorf("jitter_factor must be within [0, 1], got %v", c.JitterFactor))
	}
	if c.BaseDelay <= 0 || c.MaxDelay < c.BaseDelay {
		errs = append(errs, fmt.Errorf("need 0 < base_delay <= max_delay, got %s and %s", c.BaseDelay, c.MaxDelay))
	}
	for name, d := range map[string]time.Duration{
		"apply_timeout":          c.ApplyTimeout,
		"stale_after":            c.StaleAfter,
		"sync_interval":          c.SyncInterval,
		"prune_interval":         c.PruneInterval,
		"invocation_max_elapsed": c.InvocationMaxElapsed,
		"remote_timeout":         c.RemoteTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.StaleAfter > 0 && c.StaleAfter <= c.ApplyTimeout {
		errs = append(errs, fmt.Errorf("stale_after (%s) must exceed apply_timeout (%s)", c.StaleAfter, c.ApplyTimeout))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log_level %q", c.LogLevel))
	}

	if err := errors.Join(errs...); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "invalid configuration", err)
	}
	return nil
}

// RequireRemote reports an error when no remote API is configured.
func (c *Config) RequireRemote() error {
	if c.RemoteBaseURL == "" {
		return apperrors.New(apperrors.ErrValidation, "remote_base_url is required (SITESYNC_REMOTE_BASE_URL)")
	}
	return nil
}

// Engine returns the drain settings.
func (c *Config) Engine() syncpkg.Config {
	return syncpkg.Config{
		MaxAttempts:  c.MaxAttempts,
		BaseDelay:    c.BaseDelay,
		MaxDelay:     c.MaxDelay,
		JitterFactor: c.JitterFactor,
		ApplyTimeout: c.ApplyTimeout,
		StaleAfter:   c.StaleAfter,
		Concurrency:  c.Concurrency,
		RetainSynced: c.RetainSynced,
	}
}

// Scheduler returns the trigger settings.
func (c *Config) Scheduler() *scheduler.SchedulerConfig {
	sched := scheduler.DefaultSchedulerConfig()
	sched.SyncInterval = c.SyncInterval
	sched.PruneInterval = c.PruneInterval
	sched.RetryMaxElapsed = c.InvocationMaxElapsed
	return sched
}

// Remote returns the REST client settings.
func (c *Config) Remote() remote.Config {
	return remote.Config{
		BaseURL: c.RemoteBaseURL,
		Token:   c.RemoteToken,
		Timeout: c.RemoteTimeout,
	}
}

// Level returns the parsed log level.
func (c *Config) Level() logging.LogLevel {
	return logging.ParseLevel(c.LogLevel)
}

// IsProd reports whether the process runs in production.
func (c *Config) IsProd() bool {
	return c.Env == "prod"
}
