package progress_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pixcore/taskstream/errors"
	"github.com/pixcore/taskstream/progress"
	"github.com/pixcore/taskstream/progress/progresstest"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type harness struct {
	client *progress.Client
	dialer *progresstest.Dialer
	clock  *progresstest.Clock

	mu     sync.Mutex
	states []bool
	errs   []error
}

func newHarness(t *testing.T, opts ...progress.Option) *harness {
	t.Helper()
	h := &harness{
		dialer: progresstest.NewDialer(),
		clock:  progresstest.NewClock(),
	}
	base := []progress.Option{
		progress.WithDialer(h.dialer),
		progress.WithClock(h.clock),
		progress.WithLogger(zaptest.NewLogger(t).Sugar()),
	}
	c, err := progress.New("http://pixcore.test", append(base, opts...)...)
	require.NoError(t, err)
	h.client = c
	t.Cleanup(c.Close)

	c.OnConnectionChange(func(connected bool) {
		h.mu.Lock()
		h.states = append(h.states, connected)
		h.mu.Unlock()
	})
	c.OnError(func(err error) {
		h.mu.Lock()
		h.errs = append(h.errs, err)
		h.mu.Unlock()
	})
	return h
}

func (h *harness) connect(t *testing.T) *progresstest.Conn {
	t.Helper()
	require.NoError(t, h.client.Connect(context.Background()))
	conn := h.dialer.Last()
	require.NotNil(t, conn)
	return conn
}

func (h *harness) stateLog() []bool {
	h.client.Manager().Flush()
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]bool(nil), h.states...)
}

func (h *harness) errorLog() []error {
	h.client.Manager().Flush()
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.errs...)
}

// waitPending blocks until the reconnect timer for the next attempt is armed.
func (h *harness) waitPending(t *testing.T, want ...time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, h.clock.Pending())
	}, waitFor, tick, "pending timers: %v", h.clock.Pending())
}

func TestConnect_DialsEndpointWithClientID(t *testing.T) {
	h := newHarness(t, progress.WithClientID("client-abc"))
	h.connect(t)

	assert.True(t, h.client.IsConnected())
	assert.Equal(t, "ws://pixcore.test/ws/tasks", h.dialer.LastURL())
	assert.Equal(t, "client-abc", h.dialer.LastHeader().Get(progress.ClientIDHeader))
	assert.Equal(t, []bool{true}, h.stateLog())
}

func TestConnect_Idempotent(t *testing.T) {
	h := newHarness(t)
	sub := h.client.SubscribeToTask("t1", func(progress.Event) {})
	conn := h.connect(t)

	require.NoError(t, h.client.Connect(context.Background()))
	require.NoError(t, h.client.Connect(context.Background()))

	assert.Equal(t, 1, h.dialer.Dials())
	assert.Same(t, conn, h.dialer.Last())
	assert.True(t, sub.Active())
	assert.Equal(t, 1, h.client.Router().HandlerCount("t1"))
	assert.Equal(t, []bool{true}, h.stateLog())
}

func TestConnect_FailureNotifiesAndReturns(t *testing.T) {
	h := newHarness(t)
	refused := errors.New("connection refused")
	h.dialer.FailNext(1, refused)

	err := h.client.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, refused))

	var connErr *progress.ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.Equal(t, "dial", connErr.Op)

	assert.False(t, h.client.IsConnected())
	errs := h.errorLog()
	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], refused))
	assert.Empty(t, h.clock.Pending(), "explicit connect failures are not retried")
	assert.Empty(t, h.stateLog())
}

func TestConnect_ContextCancelled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.client.Connect(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, h.client.IsConnected())
}

func TestConnect_AnnouncesExistingSubscriptions(t *testing.T) {
	h := newHarness(t)
	h.client.SubscribeToTask("b", func(progress.Event) {})
	h.client.SubscribeToTask("a", func(progress.Event) {})
	h.client.SubscribeToTask("a", func(progress.Event) {})

	conn := h.connect(t)

	subs := conn.WrittenOfType(progress.TypeSubscribe)
	require.Len(t, subs, 2)
	assert.Equal(t, "a", subs[0].TaskID)
	assert.Equal(t, "b", subs[1].TaskID)
}

func TestSubscribeWhileConnected_SendsControl(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)

	sub := h.client.SubscribeToTask("t1", func(progress.Event) {})
	sub.Unsubscribe()

	assert.Equal(t, []progress.ControlMessage{
		{Type: progress.TypeSubscribe, TaskID: "t1"},
		{Type: progress.TypeUnsubscribe, TaskID: "t1"},
	}, conn.Written())
}

func TestSend_NotConnected(t *testing.T) {
	h := newHarness(t)
	err := h.client.Manager().Send(progress.ControlMessage{Type: progress.TypePing})
	assert.True(t, errors.Is(err, progress.ErrNotConnected))
}

func TestInboundFrames_RoutedAndMalformedDropped(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	h := newHarness(t, progress.WithLogger(zap.New(core).Sugar()))
	conn := h.connect(t)

	var mu sync.Mutex
	var got []progress.Event
	h.client.SubscribeToTask("t1", func(ev progress.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	conn.Push([]byte(`{{{ not json`))
	conn.Push([]byte(`{"type":"task_progress","payload":{"status":"running","progress":5}}`))
	conn.Push([]byte(`{"type":"connection_established","payload":{"client_id":"x"}}`))
	conn.Push([]byte(`{"type":"pong"}`))
	conn.Push([]byte(`{"type":"ping"}`))
	conn.PushEvent(progress.TypeTaskProgress, progress.Event{TaskID: "t1", Status: progress.StatusRunning, Progress: 40})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, waitFor, tick)

	assert.Equal(t, 40, got[0].Progress)
	assert.True(t, h.client.IsConnected(), "bad frames never close the connection")
	assert.Equal(t, 1, logs.FilterMessage("Dropping malformed progress frame").Len())
	assert.Equal(t, 1, logs.FilterMessage("Dropping malformed task event").Len())
	assert.Equal(t, 1, logs.FilterMessage("Ignoring unknown progress message").Len())
}

func TestHeartbeat_SendsPingWhileConnected(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)

	require.Eventually(t, func() bool { return h.clock.ActiveTickers() == 1 }, waitFor, tick)
	h.clock.Advance(progress.DefaultHeartbeatInterval)

	require.Eventually(t, func() bool {
		return len(conn.WrittenOfType(progress.TypePing)) == 1
	}, waitFor, tick)
	ping := conn.WrittenOfType(progress.TypePing)[0]
	assert.Equal(t, h.clock.Now().UnixMilli(), ping.Timestamp)

	h.client.Disconnect()
	require.Eventually(t, func() bool { return h.clock.ActiveTickers() == 0 }, waitFor, tick)
}

func TestDisconnect_IsIntentional(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)

	h.client.Disconnect()
	h.client.Disconnect()

	assert.False(t, h.client.IsConnected())
	assert.True(t, conn.IsClosed())
	assert.Equal(t, []bool{true, false}, h.stateLog())

	h.clock.Advance(time.Minute)
	assert.Empty(t, h.clock.Scheduled())
	assert.Equal(t, 1, h.dialer.Dials())
}

func TestReconnect_BackoffThenGiveUp(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)
	h.dialer.FailNext(5, errors.New("server down"))

	conn.Drop()

	expected := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}
	for i, delay := range expected {
		h.waitPending(t, delay)

		h.clock.Advance(delay - time.Millisecond)
		assert.Equal(t, 1+i, h.dialer.Dials(), "attempt %d fired early", i+1)

		h.clock.Advance(time.Millisecond)
		assert.Equal(t, 2+i, h.dialer.Dials(), "attempt %d did not fire", i+1)
	}

	assert.Empty(t, h.clock.Pending())
	assert.Equal(t, expected, h.clock.Scheduled())

	h.clock.Advance(time.Hour)
	assert.Equal(t, 6, h.dialer.Dials(), "no sixth attempt")
	assert.False(t, h.client.IsConnected())

	errs := h.errorLog()
	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], progress.ErrReconnectExhausted))
	assert.Equal(t, []bool{true, false}, h.stateLog())
}

func TestReconnect_RecoversAndResubscribes(t *testing.T) {
	h := newHarness(t)
	h.client.SubscribeToTask("t1", func(progress.Event) {})
	first := h.connect(t)
	h.dialer.FailNext(1, errors.New("still starting"))

	first.Drop()
	h.waitPending(t, time.Second)
	h.clock.Advance(time.Second)
	h.waitPending(t, 2*time.Second)
	h.clock.Advance(2 * time.Second)

	require.True(t, h.client.IsConnected())
	second := h.dialer.Last()
	require.NotSame(t, first, second)
	assert.Equal(t, []progress.ControlMessage{{Type: progress.TypeSubscribe, TaskID: "t1"}}, second.Written())
	assert.Equal(t, []bool{true, false, true}, h.stateLog())
	assert.Empty(t, h.errorLog(), "intermediate failures are only logged")

	// the attempt counter starts over after a successful reconnect
	second.Drop()
	h.waitPending(t, time.Second)
}

func TestReconnect_DisabledByPolicy(t *testing.T) {
	h := newHarness(t, progress.WithReconnectPolicy(time.Second, 0))
	conn := h.connect(t)

	conn.Drop()

	require.Eventually(t, func() bool { return len(h.errorLog()) == 1 }, waitFor, tick)
	assert.True(t, errors.Is(h.errorLog()[0], progress.ErrReconnectExhausted))
	assert.Empty(t, h.clock.Scheduled())
}

func TestDisconnect_CancelsPendingReconnect(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)

	conn.Drop()
	h.waitPending(t, time.Second)

	h.client.Disconnect()
	assert.Empty(t, h.clock.Pending())

	h.clock.Advance(time.Minute)
	assert.Equal(t, 1, h.dialer.Dials())
	assert.False(t, h.client.IsConnected())
	assert.Empty(t, h.errorLog())
}

func TestDisconnect_AfterReconnectTimerFired(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)

	conn.Drop()
	h.waitPending(t, time.Second)

	fire := h.clock.AdvanceDeferred(time.Second)
	h.client.Disconnect()
	fire()

	assert.Equal(t, 1, h.dialer.Dials(), "a stale reconnect callback must not dial")
	assert.False(t, h.client.IsConnected())
	assert.Empty(t, h.clock.Pending())
	assert.Equal(t, []time.Duration{time.Second}, h.clock.Scheduled())
	assert.Empty(t, h.errorLog())
	assert.Equal(t, []bool{true, false}, h.stateLog())
}

func TestConnect_DisconnectDuringDialIsNotAnError(t *testing.T) {
	h := newHarness(t)
	entered, release := h.dialer.HoldNext()
	defer release()

	result := make(chan error, 1)
	go func() { result <- h.client.Connect(context.Background()) }()

	select {
	case <-entered:
	case <-time.After(waitFor):
		t.Fatal("dial never started")
	}
	h.client.Disconnect()
	release()

	var err error
	select {
	case err = <-result:
	case <-time.After(waitFor):
		t.Fatal("connect did not return")
	}
	require.Error(t, err)
	assert.True(t, errors.Is(err, progress.ErrDisconnected))
	assert.False(t, h.client.IsConnected())
	require.NotNil(t, h.dialer.Last())
	assert.True(t, h.dialer.Last().IsClosed(), "the late connection is closed")
	assert.Empty(t, h.errorLog(), "an intentional disconnect is not an open failure")
	assert.Empty(t, h.stateLog())
}

func TestConnect_AfterGivingUp(t *testing.T) {
	h := newHarness(t, progress.WithReconnectPolicy(time.Second, 1))
	conn := h.connect(t)
	h.dialer.FailNext(1, errors.New("down"))

	conn.Drop()
	h.waitPending(t, time.Second)
	h.clock.Advance(time.Second)
	require.Len(t, h.errorLog(), 1)

	require.NoError(t, h.client.Connect(context.Background()))
	assert.True(t, h.client.IsConnected())
	assert.Equal(t, 3, h.dialer.Dials())
}

func TestObserverMayCallBackIntoManager(t *testing.T) {
	h := newHarness(t)
	seen := make(chan bool, 4)
	h.client.OnConnectionChange(func(bool) {
		seen <- h.client.IsConnected()
	})

	h.connect(t)
	h.client.Disconnect()
	h.client.Manager().Flush()

	require.Len(t, seen, 2)
}

func TestObserverUnsubscribe(t *testing.T) {
	h := newHarness(t)
	calls := 0
	sub := h.client.OnConnectionChange(func(bool) { calls++ })
	sub.Unsubscribe()

	h.connect(t)
	h.client.Manager().Flush()
	assert.Equal(t, 0, calls)
}
