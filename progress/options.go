package progress

import (
	"net/http"
	"time"

	"github.com/pixcore/taskstream/am"
	"github.com/pixcore/taskstream/logger"
	"go.uber.org/zap"
)

// Defaults matching the backend's expectations.
const (
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultReconnectBaseDelay   = time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultWatchBuffer          = 16

	// EndpointPath is appended to the base URL.
	EndpointPath = "/ws/tasks"

	// ClientIDHeader carries the per-client id on the handshake request.
	ClientIDHeader = "X-Client-ID"
)

type options struct {
	logger               *zap.SugaredLogger
	dialer               Dialer
	clock                Clock
	header               http.Header
	clientID             string
	heartbeatInterval    time.Duration
	reconnectBaseDelay   time.Duration
	maxReconnectAttempts int
	handshakeTimeout     time.Duration
	watchBuffer          int
}

// Option configures a Client or Manager.
type Option func(*options)

func defaultOptions() options {
	return options{
		heartbeatInterval:    DefaultHeartbeatInterval,
		reconnectBaseDelay:   DefaultReconnectBaseDelay,
		maxReconnectAttempts: DefaultMaxReconnectAttempts,
		handshakeTimeout:     DefaultHandshakeTimeout,
		watchBuffer:          DefaultWatchBuffer,
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logger.ComponentLogger("progress")
	}
	if o.clock == nil {
		o.clock = systemClock{}
	}
	if o.dialer == nil {
		o.dialer = NewWebsocketDialer(o.handshakeTimeout)
	}
	if o.header == nil {
		o.header = http.Header{}
	}
	return o
}

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *options) { o.logger = l }
}

// WithDialer replaces the gorilla/websocket dialer.
func WithDialer(d Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithClock replaces the system clock used for heartbeat and backoff.
func WithClock(c Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithHeader adds handshake headers.
func WithHeader(h http.Header) Option {
	return func(o *options) { o.header = h.Clone() }
}

// WithClientID overrides the generated client id.
func WithClientID(id string) Option {
	return func(o *options) { o.clientID = id }
}

// WithHeartbeatInterval sets the keepalive period.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.heartbeatInterval = d
		}
	}
}

// WithReconnectPolicy sets the first backoff delay and the attempt cap.
// A cap of 0 disables automatic reconnection.
func WithReconnectPolicy(baseDelay time.Duration, maxAttempts int) Option {
	return func(o *options) {
		if baseDelay > 0 {
			o.reconnectBaseDelay = baseDelay
		}
		if maxAttempts >= 0 {
			o.maxReconnectAttempts = maxAttempts
		}
	}
}

// WithHandshakeTimeout bounds the WebSocket handshake of the default dialer.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.handshakeTimeout = d
		}
	}
}

// WithWatchBuffer sets the channel capacity used by Client.Watch.
func WithWatchBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.watchBuffer = n
		}
	}
}

// OptionsFromConfig translates the [progress] config section.
func OptionsFromConfig(cfg *am.Config) []Option {
	p := cfg.Progress
	return []Option{
		WithHeartbeatInterval(p.HeartbeatInterval()),
		WithReconnectPolicy(p.ReconnectBaseDelay(), p.MaxReconnectAttempts),
		WithHandshakeTimeout(p.HandshakeTimeout()),
		WithWatchBuffer(p.WatchBuffer),
	}
}
