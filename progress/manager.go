package progress

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/pixcore/taskstream/errors"
	"go.uber.org/zap"
)

// Dispatcher receives parsed task events from the Manager.
type Dispatcher interface {
	Dispatch(ev Event)
	// TaskIDs lists tasks whose subscriptions are re-announced after every
	// successful open.
	TaskIDs() []string
}

// Manager owns the single logical connection to the progress endpoint:
// it opens it, notices when it drops, reconnects with backoff and keeps it
// alive with heartbeats.
type Manager struct {
	url        string
	header     http.Header
	dialer     Dialer
	clock      Clock
	dispatcher Dispatcher
	logger     *zap.SugaredLogger

	heartbeatInterval    time.Duration
	reconnectBaseDelay   time.Duration
	maxReconnectAttempts int

	// connectMu serializes explicit Connect calls and reconnect attempts.
	connectMu sync.Mutex

	mu            sync.Mutex
	conn          Conn
	stopHeartbeat chan struct{}
	intentional   bool
	attempts      int
	timer         Timer
	// generation is bumped by Disconnect; timers and in-flight dials from an
	// older generation are discarded.
	generation uint64

	notify         *notifier
	stateObservers listeners[func(bool)]
	errorObservers listeners[func(error)]
}

// NewManager creates a disconnected Manager for the given ws(s) URL.
func NewManager(url string, dispatcher Dispatcher, opts ...Option) *Manager {
	o := buildOptions(opts)
	return newManager(url, dispatcher, o)
}

func newManager(url string, dispatcher Dispatcher, o options) *Manager {
	return &Manager{
		url:                  url,
		header:               o.header,
		dialer:               o.dialer,
		clock:                o.clock,
		dispatcher:           dispatcher,
		logger:               o.logger.Named("manager"),
		heartbeatInterval:    o.heartbeatInterval,
		reconnectBaseDelay:   o.reconnectBaseDelay,
		maxReconnectAttempts: o.maxReconnectAttempts,
		notify:               newNotifier(),
	}
}

// URL returns the endpoint this manager dials.
func (m *Manager) URL() string {
	return m.url
}

// Connect opens the connection and blocks until the transport reports
// open or failed. Calling it while connected returns nil without dialing.
// A failed open is reported to error observers and returned; it is not
// retried automatically. A Disconnect that lands during the dial makes
// Connect return ErrDisconnected without notifying observers.
func (m *Manager) Connect(ctx context.Context) error {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	if m.IsConnected() {
		return nil
	}

	m.mu.Lock()
	m.intentional = false
	m.attempts = 0
	m.stopTimerLocked()
	gen := m.generation
	m.mu.Unlock()

	if err := m.open(ctx, gen, 0); err != nil {
		if !errors.Is(err, ErrDisconnected) {
			m.notifyError(err)
		}
		return err
	}
	return nil
}

// Disconnect closes the connection on purpose: no reconnect follows and a
// pending reconnect is cancelled. Safe to call repeatedly.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.intentional = true
	m.generation++
	m.attempts = 0
	m.stopTimerLocked()
	conn := m.teardownLocked()
	if conn != nil {
		m.enqueueState(false)
	}
	m.mu.Unlock()

	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		m.logger.Debugw("Error closing progress connection", "error", err)
	}
	m.logger.Infow("Progress connection closed", "url", m.url)
}

// IsConnected reports whether a connection is currently open.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// Send writes one control message. It fails with ErrNotConnected when no
// connection is open.
func (m *Manager) Send(msg ControlMessage) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	return conn.WriteJSON(msg)
}

// SendControl is the best-effort variant used for subscribe/unsubscribe.
func (m *Manager) SendControl(msg ControlMessage) {
	if err := m.Send(msg); err != nil {
		m.logger.Debugw("Control message not sent",
			"message_type", msg.Type,
			"task_id", msg.TaskID,
			"error", err,
		)
	}
}

// OnConnectionChange registers an observer for open/closed transitions.
// Observers run in order on a notification goroutine.
func (m *Manager) OnConnectionChange(fn func(connected bool)) *Subscription {
	return m.stateObservers.add(fn)
}

// OnError registers an observer for connection errors.
func (m *Manager) OnError(fn func(err error)) *Subscription {
	return m.errorObservers.add(fn)
}

// Flush blocks until every queued observer notification has run.
func (m *Manager) Flush() {
	m.notify.wait()
}

// open dials and installs a connection. attempt is 0 for explicit
// connects. Callers hold connectMu.
func (m *Manager) open(ctx context.Context, gen uint64, attempt int) error {
	op := "dial"
	if attempt > 0 {
		op = "reconnect"
	}

	conn, err := m.dialer.Dial(ctx, m.url, m.header)
	if err != nil {
		return &ConnectionError{Op: op, URL: m.url, Attempt: attempt, Err: err}
	}

	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		_ = conn.Close()
		return &ConnectionError{Op: op, URL: m.url, Attempt: attempt, Err: ErrDisconnected}
	}
	stop := make(chan struct{})
	m.conn = conn
	m.stopHeartbeat = stop
	m.attempts = 0
	m.enqueueState(true)
	m.mu.Unlock()

	m.logger.Infow("Progress connection established", "url", m.url, "attempt", attempt)

	for _, taskID := range m.dispatcher.TaskIDs() {
		m.SendControl(ControlMessage{Type: TypeSubscribe, TaskID: taskID})
	}

	go m.readLoop(conn)
	go m.heartbeat(conn, stop)
	return nil
}

func (m *Manager) readLoop(conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.handleClosed(conn, err)
			return
		}
		m.handleFrame(data)
	}
}

func (m *Manager) handleFrame(data []byte) {
	env, err := ParseEnvelope(data)
	if err != nil {
		m.logger.Warnw("Dropping malformed progress frame", "size_bytes", len(data), "error", err)
		return
	}

	switch {
	case env.Type.IsTask():
		ev, err := env.Event()
		if err != nil {
			m.logger.Warnw("Dropping malformed task event", "message_type", env.Type, "error", err)
			return
		}
		m.dispatcher.Dispatch(ev)
	case env.Type == TypeConnectionEstablished:
		m.logger.Debugw("Progress server acknowledged connection", "payload", string(env.Payload))
	case env.Type == TypePong:
		// heartbeat reply; liveness is not tracked
	default:
		m.logger.Debugw("Ignoring unknown progress message", "message_type", env.Type)
	}
}

// handleClosed runs when the read loop fails. Closures that follow
// Disconnect were already torn down and are ignored here.
func (m *Manager) handleClosed(conn Conn, cause error) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.teardownLocked()
	m.enqueueState(false)

	if m.intentional {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}

	m.attempts++
	attempt := m.attempts
	if attempt > m.maxReconnectAttempts {
		m.mu.Unlock()
		_ = conn.Close()
		m.logger.Warnw("Progress connection lost, reconnect disabled", "url", m.url, "error", cause)
		m.notifyError(errors.Mark(
			&ConnectionError{Op: "read", URL: m.url, Err: cause},
			ErrReconnectExhausted,
		))
		return
	}
	delay := m.scheduleLocked(attempt)
	m.mu.Unlock()

	_ = conn.Close()
	m.logger.Warnw("Progress connection lost, scheduling reconnect",
		"url", m.url,
		"error", cause,
		"attempt", attempt,
		"max_attempts", m.maxReconnectAttempts,
		"delay_ms", delay.Milliseconds(),
	)
}

// backoff returns base * 2^(attempt-1).
func (m *Manager) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return m.reconnectBaseDelay << uint(attempt-1)
}

// scheduleLocked arms the timer for the given attempt. Callers hold mu.
func (m *Manager) scheduleLocked(attempt int) time.Duration {
	delay := m.backoff(attempt)
	gen := m.generation
	m.timer = m.clock.AfterFunc(delay, func() { m.reconnect(gen, attempt) })
	return delay
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// teardownLocked clears the connection handle and stops the heartbeat,
// returning the old connection for the caller to close outside the lock.
func (m *Manager) teardownLocked() Conn {
	conn := m.conn
	m.conn = nil
	if m.stopHeartbeat != nil {
		close(m.stopHeartbeat)
		m.stopHeartbeat = nil
	}
	return conn
}

func (m *Manager) reconnect(gen uint64, attempt int) {
	m.mu.Lock()
	if m.generation != gen || m.intentional {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.mu.Unlock()

	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	if m.IsConnected() {
		return
	}

	m.logger.Infow("Reconnecting progress connection", "url", m.url, "attempt", attempt)
	err := m.open(context.Background(), gen, attempt)
	if err == nil {
		return
	}

	m.mu.Lock()
	if m.generation != gen || m.intentional {
		m.mu.Unlock()
		return
	}
	if attempt >= m.maxReconnectAttempts {
		m.attempts = attempt
		m.mu.Unlock()
		m.logger.Warnw("Giving up on progress connection",
			"url", m.url,
			"attempt", attempt,
			"error", err,
		)
		m.notifyError(errors.Mark(err, ErrReconnectExhausted))
		return
	}
	m.attempts = attempt + 1
	delay := m.scheduleLocked(attempt + 1)
	m.mu.Unlock()

	m.logger.Warnw("Reconnect attempt failed",
		"url", m.url,
		"attempt", attempt,
		"error", err,
		"delay_ms", delay.Milliseconds(),
	)
}

func (m *Manager) heartbeat(conn Conn, stop <-chan struct{}) {
	ticker := m.clock.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			ping := ControlMessage{Type: TypePing, Timestamp: m.clock.Now().UnixMilli()}
			if err := conn.WriteJSON(ping); err != nil {
				m.logger.Debugw("Heartbeat write failed", "error", err)
			}
		}
	}
}

// enqueueState queues a connection-state notification. Callers hold mu so
// notifications follow the order of state changes.
func (m *Manager) enqueueState(connected bool) {
	observers := m.stateObservers.snapshot()
	m.notify.enqueue(func() {
		invoke(m.logger, "connection", observers, func(fn func(bool)) { fn(connected) })
	})
}

func (m *Manager) notifyError(err error) {
	observers := m.errorObservers.snapshot()
	m.notify.enqueue(func() {
		invoke(m.logger, "error", observers, func(fn func(error)) { fn(err) })
	})
}
