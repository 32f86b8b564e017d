// Package am loads taskstream configuration ("I am").
//
// Values are layered with viper: built-in defaults, then
// /etc/pixcore/am.toml, ~/.pixcore/am.toml, the nearest project am.toml,
// and finally PIXCORE_* environment variables.
package am

import "time"

// Config represents the taskstream configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server" toml:"server" json:"server" yaml:"server"`
	Progress ProgressConfig `mapstructure:"progress" toml:"progress" json:"progress" yaml:"progress"`
	API      APIConfig      `mapstructure:"api" toml:"api" json:"api" yaml:"api"`
}

// ServerConfig locates the Pixcore backend
type ServerConfig struct {
	BaseURL string `mapstructure:"base_url" toml:"base_url" json:"base_url" yaml:"base_url"` // e.g. "http://127.0.0.1:8000"
}

// ProgressConfig configures the real-time progress connection
type ProgressConfig struct {
	HeartbeatIntervalSeconds int `mapstructure:"heartbeat_interval_seconds" toml:"heartbeat_interval_seconds" json:"heartbeat_interval_seconds" yaml:"heartbeat_interval_seconds"`
	ReconnectBaseDelayMS     int `mapstructure:"reconnect_base_delay_ms" toml:"reconnect_base_delay_ms" json:"reconnect_base_delay_ms" yaml:"reconnect_base_delay_ms"`
	MaxReconnectAttempts     int `mapstructure:"max_reconnect_attempts" toml:"max_reconnect_attempts" json:"max_reconnect_attempts" yaml:"max_reconnect_attempts"` // 0 disables reconnection
	HandshakeTimeoutSeconds  int `mapstructure:"handshake_timeout_seconds" toml:"handshake_timeout_seconds" json:"handshake_timeout_seconds" yaml:"handshake_timeout_seconds"`
	HistorySize              int `mapstructure:"history_size" toml:"history_size" json:"history_size" yaml:"history_size"` // events kept by the global history view
	WatchBuffer              int `mapstructure:"watch_buffer" toml:"watch_buffer" json:"watch_buffer" yaml:"watch_buffer"` // channel capacity per Watch call
}

// APIConfig configures the task status HTTP API client
type APIConfig struct {
	TimeoutSeconds    int     `mapstructure:"timeout_seconds" toml:"timeout_seconds" json:"timeout_seconds" yaml:"timeout_seconds"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" toml:"requests_per_second" json:"requests_per_second" yaml:"requests_per_second"` // 0 = unlimited
	Burst             int     `mapstructure:"burst" toml:"burst" json:"burst" yaml:"burst"`
}

// HeartbeatInterval returns the keepalive period.
func (p ProgressConfig) HeartbeatInterval() time.Duration {
	return time.Duration(p.HeartbeatIntervalSeconds) * time.Second
}

// ReconnectBaseDelay returns the delay before the first reconnect attempt.
func (p ProgressConfig) ReconnectBaseDelay() time.Duration {
	return time.Duration(p.ReconnectBaseDelayMS) * time.Millisecond
}

// HandshakeTimeout returns the WebSocket handshake bound.
func (p ProgressConfig) HandshakeTimeout() time.Duration {
	return time.Duration(p.HandshakeTimeoutSeconds) * time.Second
}

// Timeout returns the per-request HTTP timeout.
func (a APIConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}
