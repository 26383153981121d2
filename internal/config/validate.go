package config

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult separates errors that must stop startup from values that
// were corrected or can be ignored.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	return append(all, r.Warnings...)
}

// ValidateTiered checks the config. Out-of-range numbers are clamped in place
// and reported as warnings.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if c.ServerURL == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("server_url is required"))
	} else if u, err := url.Parse(c.ServerURL); err != nil {
		r.Fatals = append(r.Fatals, fmt.Errorf("server_url %q is not a valid URL: %w", c.ServerURL, err))
	} else {
		switch u.Scheme {
		case "http", "https", "ws", "wss":
			if u.Host == "" {
				r.Fatals = append(r.Fatals, fmt.Errorf("server_url %q has no host", c.ServerURL))
			}
		default:
			r.Fatals = append(r.Fatals, fmt.Errorf("server_url scheme must be http, https, ws or wss, got %q", u.Scheme))
		}
	}

	if hasControl(c.StreamPath) {
		r.Fatals = append(r.Fatals, fmt.Errorf("stream_path contains control characters"))
	} else if c.StreamPath != "" && !strings.HasPrefix(c.StreamPath, "/") {
		r.Warnings = append(r.Warnings, fmt.Errorf("stream_path %q does not start with /, prefixing", c.StreamPath))
		c.StreamPath = "/" + c.StreamPath
	}

	switch strings.ToLower(c.ReconnectBackoff) {
	case "":
		c.ReconnectBackoff = BackoffFixed
	case BackoffFixed, BackoffExponential:
		c.ReconnectBackoff = strings.ToLower(c.ReconnectBackoff)
	default:
		r.Fatals = append(r.Fatals, fmt.Errorf("reconnect_backoff %q is not valid (use fixed or exponential)", c.ReconnectBackoff))
	}

	c.MaxRecords = clamp(&r, "max_records", c.MaxRecords, 1, 10000)
	c.RetryDelaySeconds = clamp(&r, "retry_delay_seconds", c.RetryDelaySeconds, 1, 300)
	c.MaxRetryDelaySeconds = clamp(&r, "max_retry_delay_seconds", c.MaxRetryDelaySeconds, c.RetryDelaySeconds, 3600)

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}
	if c.LogFile != "" {
		c.LogMaxSizeMB = clamp(&r, "log_max_size_mb", c.LogMaxSizeMB, 1, 1024)
		c.LogMaxBackups = clamp(&r, "log_max_backups", c.LogMaxBackups, 0, 100)
	}

	return r
}

func clamp(r *ValidationResult, key string, v, lo, hi int) int {
	if v < lo {
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d is below minimum %d, clamping", key, v, lo))
		return lo
	}
	if v > hi {
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d exceeds maximum %d, clamping", key, v, hi))
		return hi
	}
	return v
}

func hasControl(s string) bool {
	for _, c := range s {
		if unicode.IsControl(c) {
			return true
		}
	}
	return false
}
