package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"slices"
	"strings"
)

// Validate validates configuration values.
// Returns sentinel errors that can be checked with errors.Is().
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	// 1. Upstream validation
	if c.UpstreamURL == "" {
		return fmt.Errorf("%w: upstream_url cannot be empty", ErrInvalidUpstreamURL)
	}
	u, err := url.Parse(c.UpstreamURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUpstreamURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https, got %q", ErrInvalidUpstreamURL, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host in %q", ErrInvalidUpstreamURL, c.UpstreamURL)
	}
	if c.UpstreamToken == "" {
		slog.Warn("No upstream token configured, requests go out unauthenticated",
			"hint", "set FLOWBOARD_UPSTREAM_TOKEN or upstream_token in config.yaml")
	}

	// 2. Listen address validation
	if c.ListenAddr == "" {
		return fmt.Errorf("%w: listen_addr cannot be empty", ErrInvalidListenAddr)
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidListenAddr, c.ListenAddr, err)
	}

	// 3. Rate limit range: requests per second per client
	if c.RateLimit <= 0 || c.RateLimit > 1000 {
		return fmt.Errorf("%w: rate_limit must be between 0 and 1000, got %g", ErrInvalidRateLimit, c.RateLimit)
	}
	if c.RateBurst < 1 {
		return fmt.Errorf("%w: rate_burst must be at least 1, got %d", ErrInvalidRateLimit, c.RateBurst)
	}

	// 4. Poll cadence: active must not be slower than idle
	if c.ActivePollSeconds < 1 || c.ActivePollSeconds > 3600 {
		return fmt.Errorf("%w: active_poll_seconds must be between 1 and 3600, got %d",
			ErrInvalidPollInterval, c.ActivePollSeconds)
	}
	if c.IdlePollSeconds < c.ActivePollSeconds || c.IdlePollSeconds > 86400 {
		return fmt.Errorf("%w: idle_poll_seconds must be between active_poll_seconds and 86400, got %d",
			ErrInvalidPollInterval, c.IdlePollSeconds)
	}

	// 5. Log level validation
	levels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(levels, strings.ToLower(c.LogLevel)) {
		return fmt.Errorf("%w: must be one of %v, got %q", ErrInvalidLogLevel, levels, c.LogLevel)
	}

	// 6. Data directory: empty means the storage layer picks ~/.flowboard/data
	if c.DataDir != "" && strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("%w: data_dir is blank", ErrInvalidDataDir)
	}

	return nil
}
