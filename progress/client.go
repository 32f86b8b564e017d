package progress

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pixcore/taskstream/am"
	"github.com/pixcore/taskstream/errors"
	"github.com/pixcore/taskstream/version"
	"go.uber.org/zap"
)

// Client is the single entry point for application code. It owns one
// Manager and one Router; every method is a thin delegation.
type Client struct {
	id          string
	manager     *Manager
	router      *Router
	logger      *zap.SugaredLogger
	watchBuffer int

	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a disconnected client for the backend at baseURL
// (e.g. "http://127.0.0.1:8000"). The WebSocket endpoint is
// baseURL + "/ws/tasks" with http(s) mapped to ws(s).
func New(baseURL string, opts ...Option) (*Client, error) {
	endpoint, err := EndpointURL(baseURL)
	if err != nil {
		return nil, err
	}

	o := buildOptions(opts)
	if o.clientID == "" {
		o.clientID = uuid.NewString()
	}
	o.header.Set(ClientIDHeader, o.clientID)
	if o.header.Get("User-Agent") == "" {
		o.header.Set("User-Agent", version.Get().UserAgent())
	}
	log := o.logger.With("client_id", o.clientID)
	o.logger = log

	router := NewRouter(nil, log.Named("router"))
	manager := newManager(endpoint, router, o)
	router.SetUpstream(manager)

	return &Client{
		id:          o.clientID,
		manager:     manager,
		router:      router,
		logger:      log,
		watchBuffer: o.watchBuffer,
		closed:      make(chan struct{}),
	}, nil
}

// EndpointURL derives the progress WebSocket URL from a backend base URL.
func EndpointURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", errors.Wrapf(err, "invalid base URL %q", baseURL)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.WithHint(
			errors.NewInvalidRequestError("unsupported base URL scheme %q", u.Scheme),
			"use an http://, https://, ws:// or wss:// base URL",
		)
	}
	if u.Host == "" {
		return "", errors.NewInvalidRequestError("base URL %q has no host", baseURL)
	}
	u.Path = strings.TrimRight(u.Path, "/") + EndpointPath
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// ID returns the client id sent in the handshake header.
func (c *Client) ID() string { return c.id }

// Endpoint returns the WebSocket URL the client dials.
func (c *Client) Endpoint() string { return c.manager.URL() }

// Connect opens the connection; see Manager.Connect.
func (c *Client) Connect(ctx context.Context) error { return c.manager.Connect(ctx) }

// Disconnect closes the connection without reconnecting.
func (c *Client) Disconnect() { c.manager.Disconnect() }

// IsConnected reports whether the connection is open.
func (c *Client) IsConnected() bool { return c.manager.IsConnected() }

// SubscribeToTask registers fn for one task.
func (c *Client) SubscribeToTask(taskID string, fn Handler) *Subscription {
	return c.router.SubscribeToTask(taskID, fn)
}

// UnsubscribeFromTask removes a task registration.
func (c *Client) UnsubscribeFromTask(taskID string, sub *Subscription) {
	c.router.UnsubscribeFromTask(taskID, sub)
}

// OnProgress registers fn for every event.
func (c *Client) OnProgress(fn Handler) *Subscription { return c.router.OnProgress(fn) }

// OnConnectionChange registers a connection-state observer.
func (c *Client) OnConnectionChange(fn func(connected bool)) *Subscription {
	return c.manager.OnConnectionChange(fn)
}

// OnError registers an error observer.
func (c *Client) OnError(fn func(err error)) *Subscription { return c.manager.OnError(fn) }

// Router exposes the subscription router, mainly for introspection.
func (c *Client) Router() *Router { return c.router }

// Manager exposes the connection manager.
func (c *Client) Manager() *Manager { return c.manager }

// Watch returns a channel carrying every event for taskID. The channel is
// closed after a terminal event, when ctx is done or when the client is
// closed, and the subscription is released in every case. If the reader
// falls behind, the oldest buffered event is dropped so dispatch never
// blocks.
func (c *Client) Watch(ctx context.Context, taskID string) <-chan Event {
	ch := make(chan Event, c.watchBuffer)
	done := make(chan struct{})

	var mu sync.Mutex
	closed := false
	closeLocked := func() {
		if !closed {
			closed = true
			close(ch)
			close(done)
		}
	}

	sub := c.SubscribeToTask(taskID, func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- ev:
		default:
			select {
			case dropped := <-ch:
				c.logger.Warnw("Watch reader too slow, dropping event",
					"task_id", taskID,
					"progress", dropped.Progress,
				)
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
		if ev.Status.IsTerminal() {
			closeLocked()
		}
	})

	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		case <-c.closed:
		}
		sub.Unsubscribe()
		mu.Lock()
		closeLocked()
		mu.Unlock()
	}()

	return ch
}

// Close disconnects and drops every registration. Open Watch channels are
// closed. A closed client should not be reused.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
	c.manager.Disconnect()
	c.router.Reset()
	c.manager.stateObservers.clear()
	c.manager.errorObservers.clear()
}

var (
	defaultMu     sync.Mutex
	defaultClient *Client
)

// Default returns the process-wide client, creating it from the loaded
// configuration on first use.
func Default() (*Client, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultClient != nil {
		return defaultClient, nil
	}

	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load configuration for progress client")
	}
	c, err := New(cfg.Server.BaseURL, OptionsFromConfig(cfg)...)
	if err != nil {
		return nil, err
	}
	defaultClient = c
	return defaultClient, nil
}

// SetDefault installs c as the process-wide client, closing any previous one.
func SetDefault(c *Client) {
	defaultMu.Lock()
	old := defaultClient
	defaultClient = c
	defaultMu.Unlock()

	if old != nil && old != c {
		old.Close()
	}
}

// ResetDefault tears down the process-wide client. Intended for tests.
func ResetDefault() {
	SetDefault(nil)
}
