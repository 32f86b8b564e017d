package am

import (
	"github.com/spf13/viper"
)

// Default values, shared with the progress package.
const (
	DefaultBaseURL = "http://127.0.0.1:8000"

	DefaultDirPermissions = 0750
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.base_url", DefaultBaseURL)

	// Progress connection
	v.SetDefault("progress.heartbeat_interval_seconds", 30)
	v.SetDefault("progress.reconnect_base_delay_ms", 1000) // doubles per attempt
	v.SetDefault("progress.max_reconnect_attempts", 5)
	v.SetDefault("progress.handshake_timeout_seconds", 10)
	v.SetDefault("progress.history_size", 50)
	v.SetDefault("progress.watch_buffer", 16)

	// Status API
	v.SetDefault("api.timeout_seconds", 10)
	v.SetDefault("api.requests_per_second", 5.0)
	v.SetDefault("api.burst", 5)
}

// BindSensitiveEnvVars binds variables that are commonly set outside config
// files in deployments.
func BindSensitiveEnvVars(v *viper.Viper) {
	_ = v.BindEnv("server.base_url", "PIXCORE_BASE_URL", "PIXCORE_SERVER_BASE_URL")
}

// DefaultConfig returns the defaults as a Config, without reading any file.
func DefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadWithViper(v)
	if err != nil {
		// defaults always unmarshal
		panic(err)
	}
	return cfg
}
