// Package config provides application configuration management with multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.flowboard/config.yaml)
//  3. Default values (sensible defaults for quick start)
//
// Main configuration categories:
//   - Upstream: ingestion API base URL and bearer token
//   - Server: dashboard listen address, CORS, rate limiting
//   - Storage: data directory for the session snapshot database
//   - Logging: level and format
//
// Sensitive data (the upstream token) is never logged; the config directory
// uses 0750 permissions. Validation lives in validation.go with sentinel
// errors for errors.Is() checks.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidUpstreamURL indicates the upstream base URL is missing or unparsable.
	ErrInvalidUpstreamURL = errors.New("invalid upstream URL")

	// ErrInvalidListenAddr indicates the dashboard listen address is invalid.
	ErrInvalidListenAddr = errors.New("invalid listen address")

	// ErrInvalidLogLevel indicates the log level is not one of debug/info/warn/error.
	ErrInvalidLogLevel = errors.New("invalid log level")

	// ErrInvalidRateLimit indicates the per-client rate limit is out of range.
	ErrInvalidRateLimit = errors.New("invalid rate limit")

	// ErrInvalidPollInterval indicates a polling interval is out of range.
	ErrInvalidPollInterval = errors.New("invalid poll interval")

	// ErrInvalidDataDir indicates the data directory is unusable.
	ErrInvalidDataDir = errors.New("invalid data directory")
)

// Config stores application configuration.
// SECURITY: Sensitive fields are explicitly masked in MarshalJSON().
type Config struct {
	// Upstream ingestion API
	UpstreamURL   string `mapstructure:"upstream_url" json:"upstream_url"`
	UpstreamToken string `mapstructure:"upstream_token" json:"upstream_token"` // SENSITIVE: masked in MarshalJSON

	// Dashboard HTTP server
	ListenAddr  string   `mapstructure:"listen_addr" json:"listen_addr"`
	CORSOrigins []string `mapstructure:"cors_origins" json:"cors_origins"`
	TrustProxy  bool     `mapstructure:"trust_proxy" json:"trust_proxy"` // trust X-Real-IP/X-Forwarded-For behind a reverse proxy
	RateLimit   float64  `mapstructure:"rate_limit" json:"rate_limit"`   // requests per second per client
	RateBurst   int      `mapstructure:"rate_burst" json:"rate_burst"`

	// Storage
	DataDir string `mapstructure:"data_dir" json:"data_dir"` // defaults to ~/.flowboard/data

	// Polling cadence, seconds
	ActivePollSeconds int `mapstructure:"active_poll_seconds" json:"active_poll_seconds"`
	IdlePollSeconds   int `mapstructure:"idle_poll_seconds" json:"idle_poll_seconds"`

	// Logging
	LogLevel string `mapstructure:"log_level" json:"log_level"` // debug, info, warn, error
	LogJSON  bool   `mapstructure:"log_json" json:"log_json"`
}

// Load loads configuration.
// Priority: Environment variables > Configuration file > Default values
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".flowboard")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		// Configuration file not found is not an error, use default values
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."},
			"config_name", "config.yaml")
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults() {
	viper.SetDefault("upstream_url", "http://localhost:3017")
	viper.SetDefault("listen_addr", ":8090")
	viper.SetDefault("cors_origins", []string{"http://localhost:5173"})
	viper.SetDefault("trust_proxy", false)
	viper.SetDefault("rate_limit", 10.0)
	viper.SetDefault("rate_burst", 20)
	viper.SetDefault("active_poll_seconds", 3)
	viper.SetDefault("idle_poll_seconds", 15)
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_json", false)
}

// bindEnvVariables binds environment variables explicitly.
func bindEnvVariables() {
	// Hardcoded keys cannot fail to bind; a failure here is a bug.
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("upstream_url", "FLOWBOARD_UPSTREAM_URL")
	mustBind("upstream_token", "FLOWBOARD_UPSTREAM_TOKEN")
	mustBind("listen_addr", "FLOWBOARD_LISTEN_ADDR")
	mustBind("cors_origins", "FLOWBOARD_CORS_ORIGINS")
	mustBind("trust_proxy", "FLOWBOARD_TRUST_PROXY")
	mustBind("data_dir", "FLOWBOARD_DATA_DIR")
	mustBind("log_level", "FLOWBOARD_LOG_LEVEL")
	mustBind("log_json", "FLOWBOARD_LOG_JSON")
}

// maskedValue is the placeholder for masked sensitive data.
// Full-width blocks avoid substring matches against the real secret.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging. Secrets of eight
// characters or fewer are fully masked; longer ones keep the first and last
// two characters for debug utility.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with explicit sensitive field masking.
// When adding new sensitive fields, update this method.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.UpstreamToken = maskSecret(a.UpstreamToken)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
