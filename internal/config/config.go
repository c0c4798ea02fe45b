// Package config loads the tvsync client configuration. Values come from, in
// order of precedence: bound command-line flags, TVSYNC_* environment
// variables (a .env file may supply them), an optional config file, and the
// defaults below.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/agentworkforce/tvsync/internal/logging"
)

const EnvPrefix = "TVSYNC"

const (
	KeyBaseURL        = "base_url"
	KeyToken          = "token"
	KeyStoreDSN       = "store_dsn"
	KeyPageSize       = "page_size"
	KeyProbeInterval  = "probe_interval"
	KeyProbeJitter    = "probe_jitter"
	KeyRequestTimeout = "request_timeout"
	KeyStatusFile     = "status_file"
	KeyLogLevel       = "log_level"
	KeyLogFormat      = "log_format"
)

const (
	defaultBaseURL        = "http://127.0.0.1:8000"
	defaultStoreDSN       = "file://~/.tvsync/queue.json"
	defaultPageSize       = 25
	defaultProbeInterval  = 5 * time.Second
	defaultProbeJitter    = 0.2
	defaultRequestTimeout = 15 * time.Second
	defaultLogLevel       = "info"
	defaultLogFormat      = "text"

	maxPageSize = 500
)

var ErrMissingToken = errors.New("token is required (--token or TVSYNC_TOKEN)")

type Config struct {
	BaseURL        string        `mapstructure:"base_url"`
	Token          string        `mapstructure:"token"`
	StoreDSN       string        `mapstructure:"store_dsn"`
	PageSize       int           `mapstructure:"page_size"`
	ProbeInterval  time.Duration `mapstructure:"probe_interval"`
	ProbeJitter    float64       `mapstructure:"probe_jitter"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// StatusFile, when set, drives connectivity from a file instead of
	// health probes.
	StatusFile string `mapstructure:"status_file"`
	LogLevel   string `mapstructure:"log_level"`
	LogFormat  string `mapstructure:"log_format"`
}

// NewViper returns a viper instance with the defaults and environment
// binding in place. Callers bind their flags to it before Load.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyBaseURL, defaultBaseURL)
	v.SetDefault(KeyToken, "")
	v.SetDefault(KeyStoreDSN, defaultStoreDSN)
	v.SetDefault(KeyPageSize, defaultPageSize)
	v.SetDefault(KeyProbeInterval, defaultProbeInterval)
	v.SetDefault(KeyProbeJitter, defaultProbeJitter)
	v.SetDefault(KeyRequestTimeout, defaultRequestTimeout)
	v.SetDefault(KeyStatusFile, "")
	v.SetDefault(KeyLogLevel, defaultLogLevel)
	v.SetDefault(KeyLogFormat, defaultLogFormat)
	return v
}

type LoadOptions struct {
	// ConfigFile is read when set; a missing file is an error.
	ConfigFile string
	// EnvFile is loaded into the environment when it exists. Variables
	// already set are not overridden.
	EnvFile string
}

// Load reads the configuration from v and validates it.
func Load(v *viper.Viper, opts LoadOptions) (*Config, error) {
	if v == nil {
		v = NewViper()
	}
	if opts.EnvFile != "" {
		if _, err := os.Stat(opts.EnvFile); err == nil {
			if err := godotenv.Load(opts.EnvFile); err != nil {
				return nil, fmt.Errorf("load env file %s: %w", opts.EnvFile, err)
			}
		}
	}
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", opts.ConfigFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	cfg.Token = strings.TrimSpace(cfg.Token)
	cfg.StoreDSN = strings.TrimSpace(cfg.StoreDSN)
	cfg.StatusFile = strings.TrimSpace(cfg.StatusFile)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	parsed, err := url.Parse(c.BaseURL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("base_url must be an http(s) URL, got %q", c.BaseURL)
	}
	if c.StoreDSN == "" {
		return fmt.Errorf("store_dsn cannot be empty")
	}
	if c.PageSize < 1 || c.PageSize > maxPageSize {
		return fmt.Errorf("page_size must be between 1 and %d, got %d", maxPageSize, c.PageSize)
	}
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("probe_interval must be positive, got %s", c.ProbeInterval)
	}
	if c.ProbeJitter < 0 || c.ProbeJitter > 1 {
		return fmt.Errorf("probe_jitter must be between 0 and 1, got %g", c.ProbeJitter)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %s", c.RequestTimeout)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// RequireToken is checked by commands that talk to the server.
func (c *Config) RequireToken() error {
	if c.Token == "" {
		return ErrMissingToken
	}
	return nil
}
