package am

import (
	"net/url"

	"github.com/pixcore/taskstream/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return errors.New("server.base_url cannot be empty")
	}
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil {
		return errors.Wrapf(err, "server.base_url %q is not a URL", c.Server.BaseURL)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return errors.WithHint(
			errors.Newf("server.base_url has unsupported scheme %q", u.Scheme),
			"use http:// or https://",
		)
	}

	// Progress: intervals must be positive, attempts may be 0 (no reconnect)
	if c.Progress.HeartbeatIntervalSeconds <= 0 {
		return errors.Newf("progress.heartbeat_interval_seconds must be > 0, got %d", c.Progress.HeartbeatIntervalSeconds)
	}
	if c.Progress.ReconnectBaseDelayMS <= 0 {
		return errors.Newf("progress.reconnect_base_delay_ms must be > 0, got %d", c.Progress.ReconnectBaseDelayMS)
	}
	if c.Progress.MaxReconnectAttempts < 0 {
		return errors.Newf("progress.max_reconnect_attempts must be >= 0, got %d", c.Progress.MaxReconnectAttempts)
	}
	if c.Progress.MaxReconnectAttempts > 30 {
		return errors.Newf("progress.max_reconnect_attempts must be <= 30, got %d", c.Progress.MaxReconnectAttempts)
	}
	if c.Progress.HandshakeTimeoutSeconds <= 0 {
		return errors.Newf("progress.handshake_timeout_seconds must be > 0, got %d", c.Progress.HandshakeTimeoutSeconds)
	}
	if c.Progress.HistorySize <= 0 {
		return errors.Newf("progress.history_size must be > 0, got %d", c.Progress.HistorySize)
	}
	if c.Progress.WatchBuffer <= 0 {
		return errors.Newf("progress.watch_buffer must be > 0, got %d", c.Progress.WatchBuffer)
	}

	// API: 0 requests per second means unlimited
	if c.API.TimeoutSeconds <= 0 {
		return errors.Newf("api.timeout_seconds must be > 0, got %d", c.API.TimeoutSeconds)
	}
	if c.API.RequestsPerSecond < 0 {
		return errors.Newf("api.requests_per_second must be >= 0, got %f", c.API.RequestsPerSecond)
	}
	if c.API.Burst < 0 {
		return errors.Newf("api.burst must be >= 0, got %d", c.API.Burst)
	}

	return nil
}
