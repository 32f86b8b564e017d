// Package progresstest provides in-memory fakes of the progress transport
// and clock so connection behaviour can be tested without a server or real
// timers.
package progresstest

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/pixcore/taskstream/errors"
	"github.com/pixcore/taskstream/progress"
)

// ErrClosed is returned by a Conn after Close or Drop.
var ErrClosed = errors.New("fake connection closed")

// Conn implements progress.Conn over a channel. Frames pushed with Push are
// returned by ReadMessage; everything written is recorded.
type Conn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written []progress.ControlMessage
}

// NewConn returns an open fake connection.
func NewConn() *Conn {
	return &Conn{
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

// ReadMessage blocks until a frame is pushed or the connection closes.
func (c *Conn) ReadMessage() ([]byte, error) {
	select {
	case <-c.closed:
		return nil, ErrClosed
	default:
	}
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, ErrClosed
	}
}

// WriteJSON records v as a control message.
func (c *Conn) WriteJSON(v interface{}) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var msg progress.ControlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return err
	}
	c.mu.Lock()
	c.written = append(c.written, msg)
	c.mu.Unlock()
	return nil
}

// Close closes the connection. Idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Drop simulates the server going away: the pending ReadMessage fails.
func (c *Conn) Drop() {
	_ = c.Close()
}

// IsClosed reports whether Close or Drop was called.
func (c *Conn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Push queues a raw inbound frame.
func (c *Conn) Push(data []byte) {
	c.inbound <- data
}

// PushJSON queues v encoded as JSON.
func (c *Conn) PushJSON(v interface{}) {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	c.Push(raw)
}

// PushEvent queues ev wrapped in an envelope of the given type.
func (c *Conn) PushEvent(msgType progress.MessageType, ev progress.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		panic(err)
	}
	c.PushJSON(progress.Envelope{
		Type:      msgType,
		Payload:   payload,
		Timestamp: progress.Timestamp{Time: time.Now()},
	})
}

// Written returns every control message written so far.
func (c *Conn) Written() []progress.ControlMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]progress.ControlMessage, len(c.written))
	copy(out, c.written)
	return out
}

// WrittenOfType filters Written by message type.
func (c *Conn) WrittenOfType(t progress.MessageType) []progress.ControlMessage {
	var out []progress.ControlMessage
	for _, msg := range c.Written() {
		if msg.Type == t {
			out = append(out, msg)
		}
	}
	return out
}

// Dialer implements progress.Dialer, handing out fake Conns. Queued
// failures are returned by the next dials in order.
type Dialer struct {
	mu       sync.Mutex
	conns    []*Conn
	failures []error
	dials    int
	urls     []string
	headers  []http.Header
	holds    []chan struct{}
	entered  chan struct{}
}

// NewDialer returns a dialer whose dials succeed until failures are queued.
func NewDialer() *Dialer {
	return &Dialer{}
}

// Dial implements progress.Dialer.
func (d *Dialer) Dial(ctx context.Context, url string, header http.Header) (progress.Conn, error) {
	d.mu.Lock()
	if len(d.holds) > 0 {
		hold := d.holds[0]
		d.holds = d.holds[1:]
		entered := d.entered
		d.entered = nil
		d.mu.Unlock()
		if entered != nil {
			close(entered)
		}
		<-hold
		d.mu.Lock()
	}
	defer d.mu.Unlock()

	d.dials++
	d.urls = append(d.urls, url)
	d.headers = append(d.headers, header.Clone())

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(d.failures) > 0 {
		err := d.failures[0]
		d.failures = d.failures[1:]
		return nil, err
	}
	c := NewConn()
	d.conns = append(d.conns, c)
	return c, nil
}

// HoldNext makes the next dial block until release is called. entered is
// closed once that dial has started.
func (d *Dialer) HoldNext() (entered <-chan struct{}, release func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	hold := make(chan struct{})
	d.holds = append(d.holds, hold)
	d.entered = make(chan struct{})
	var once sync.Once
	return d.entered, func() { once.Do(func() { close(hold) }) }
}

// FailNext makes the next n dials fail with err.
func (d *Dialer) FailNext(n int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < n; i++ {
		d.failures = append(d.failures, err)
	}
}

// Dials returns the number of Dial calls, failed ones included.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Conns returns the connections handed out so far.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Conn, len(d.conns))
	copy(out, d.conns)
	return out
}

// Last returns the most recent successful connection, or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// LastURL returns the URL of the most recent dial.
func (d *Dialer) LastURL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.urls) == 0 {
		return ""
	}
	return d.urls[len(d.urls)-1]
}

// LastHeader returns the handshake header of the most recent dial.
func (d *Dialer) LastHeader() http.Header {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.headers) == 0 {
		return nil
	}
	return d.headers[len(d.headers)-1]
}

// Clock is a manual progress.Clock. Timers and tickers fire only when
// Advance moves time past their deadline.
type Clock struct {
	mu        sync.Mutex
	now       time.Time
	timers    []*fakeTimer
	tickers   []*fakeTicker
	scheduled []time.Duration
}

// NewClock returns a clock frozen at an arbitrary fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

type fakeTimer struct {
	clock   *Clock
	at      time.Time
	delay   time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

type fakeTicker struct {
	clock   *Clock
	period  time.Duration
	next    time.Time
	ch      chan time.Time
	stopped bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	t.stopped = true
	t.clock.mu.Unlock()
}

// Now implements progress.Clock.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc implements progress.Clock.
func (c *Clock) AfterFunc(d time.Duration, f func()) progress.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), delay: d, f: f}
	c.timers = append(c.timers, t)
	c.scheduled = append(c.scheduled, d)
	return t
}

// NewTicker implements progress.Clock.
func (c *Clock) NewTicker(d time.Duration) progress.Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTicker{clock: c, period: d, next: c.now.Add(d), ch: make(chan time.Time, 1)}
	c.tickers = append(c.tickers, t)
	return t
}

// Scheduled returns the delay of every timer ever created, in order.
func (c *Clock) Scheduled() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.scheduled))
	copy(out, c.scheduled)
	return out
}

// Pending returns the delays of timers that have neither fired nor been
// stopped.
func (c *Clock) Pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.delay)
		}
	}
	return out
}

// ActiveTickers returns how many tickers have not been stopped.
func (c *Clock) ActiveTickers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.tickers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// Advance moves time forward by d and synchronously runs every timer that
// became due, in deadline order. Tickers get at most one buffered tick.
func (c *Clock) Advance(d time.Duration) {
	c.AdvanceDeferred(d)()
}

// AdvanceDeferred moves time forward like Advance, but the due timers only
// run when the returned func is called. Until then they count as fired, so
// stopping them reports false, like a real timer whose callback is already
// on its way.
func (c *Clock) AdvanceDeferred(d time.Duration) func() {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now

	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(now) {
			t.fired = true
			due = append(due, t)
		}
	}
	for _, t := range c.tickers {
		if t.stopped || t.next.After(now) {
			continue
		}
		for !t.next.After(now) {
			t.next = t.next.Add(t.period)
		}
		select {
		case t.ch <- now:
		default:
		}
	}
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	return func() {
		for _, t := range due {
			t.f()
		}
	}
}
