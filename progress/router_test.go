package progress

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

// recordingSender captures control messages sent upstream by the router.
type recordingSender struct {
	mu   sync.Mutex
	msgs []ControlMessage
}

func (s *recordingSender) SendControl(msg ControlMessage) {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
}

func (s *recordingSender) messages() []ControlMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ControlMessage, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// collector records the events a handler receives.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handle(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) got() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

func newTestRouter(t *testing.T) (*Router, *recordingSender) {
	t.Helper()
	sender := &recordingSender{}
	return NewRouter(sender, zaptest.NewLogger(t).Sugar()), sender
}

func running(taskID string, pct int) Event {
	return Event{TaskID: taskID, Status: StatusRunning, Progress: pct}
}

func TestRouter_SubscribeReceivesEvent(t *testing.T) {
	r, _ := newTestRouter(t)
	var a collector
	r.SubscribeToTask("t1", a.handle)

	r.Dispatch(running("t1", 40))

	got := a.got()
	require.Len(t, got, 1)
	assert.Equal(t, 40, got[0].Progress)
}

func TestRouter_TerminalEventReleasesTask(t *testing.T) {
	r, _ := newTestRouter(t)
	var a collector
	sub := r.SubscribeToTask("t1", a.handle)

	r.Dispatch(running("t1", 40))
	done := Event{
		TaskID:   "t1",
		Status:   StatusSuccess,
		Progress: 100,
		Result:   &Result{Kind: ResultImage, URL: "u"},
	}
	r.Dispatch(done)

	require.Len(t, a.got(), 2)
	assert.Equal(t, done, a.got()[1])
	assert.Equal(t, 0, r.TaskCount())
	assert.False(t, sub.Active())

	// replayed event reaches a fresh global handler only
	var g collector
	r.OnProgress(g.handle)
	r.Dispatch(running("t1", 100))

	assert.Len(t, a.got(), 2)
	assert.Len(t, g.got(), 1)

	// the stale handle is harmless
	sub.Unsubscribe()
	assert.Equal(t, 0, r.TaskCount())
}

func TestRouter_GlobalHandlerSeesEveryTask(t *testing.T) {
	r, sender := newTestRouter(t)
	var g collector
	r.OnProgress(g.handle)

	r.Dispatch(running("t1", 10))
	r.Dispatch(running("t2", 20))

	got := g.got()
	require.Len(t, got, 2)
	assert.Equal(t, "t1", got[0].TaskID)
	assert.Equal(t, "t2", got[1].TaskID)
	assert.Empty(t, sender.messages(), "global handlers are local only")
}

func TestRouter_DeliveryOrder(t *testing.T) {
	r, _ := newTestRouter(t)
	var early, late collector
	r.SubscribeToTask("t1", early.handle)

	seq := []int{5, 30, 12, 80}
	for i, pct := range seq {
		if i == 2 {
			r.SubscribeToTask("t1", late.handle)
		}
		r.Dispatch(running("t1", pct))
	}

	var earlyPct, latePct []int
	for _, ev := range early.got() {
		earlyPct = append(earlyPct, ev.Progress)
	}
	for _, ev := range late.got() {
		latePct = append(latePct, ev.Progress)
	}
	assert.Equal(t, []int{5, 30, 12, 80}, earlyPct)
	assert.Equal(t, []int{12, 80}, latePct)
}

func TestRouter_TaskHandlersRunBeforeGlobal(t *testing.T) {
	r, _ := newTestRouter(t)
	var order []string
	r.OnProgress(func(Event) { order = append(order, "global") })
	r.SubscribeToTask("t1", func(Event) { order = append(order, "task-a") })
	r.SubscribeToTask("t1", func(Event) { order = append(order, "task-b") })

	r.Dispatch(running("t1", 1))

	assert.Equal(t, []string{"task-a", "task-b", "global"}, order)
}

func TestRouter_UnsubscribeLastHandlerDropsEntry(t *testing.T) {
	r, sender := newTestRouter(t)

	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("task-%d", i%7)
		a := r.SubscribeToTask(id, func(Event) {})
		b := r.SubscribeToTask(id, func(Event) {})
		r.UnsubscribeFromTask(id, a)
		assert.Equal(t, 1, r.HandlerCount(id))
		b.Unsubscribe()
	}
	assert.Equal(t, 0, r.TaskCount())
	assert.Empty(t, r.TaskIDs())

	msgs := sender.messages()
	require.Len(t, msgs, 600)
	assert.Equal(t, ControlMessage{Type: TypeSubscribe, TaskID: "task-0"}, msgs[0])
	assert.Equal(t, ControlMessage{Type: TypeSubscribe, TaskID: "task-0"}, msgs[1])
	assert.Equal(t, ControlMessage{Type: TypeUnsubscribe, TaskID: "task-0"}, msgs[2])
}

func TestRouter_UnsubscribeUnknownIsNoop(t *testing.T) {
	r, sender := newTestRouter(t)
	other := r.SubscribeToTask("t1", func(Event) {})

	r.UnsubscribeFromTask("nope", other)
	r.UnsubscribeFromTask("t1", nil)
	var nilSub *Subscription
	nilSub.Unsubscribe()

	assert.Equal(t, 1, r.HandlerCount("t1"))
	assert.Len(t, sender.messages(), 1)
}

func TestRouter_PanickingHandlerDoesNotStopOthers(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	r := NewRouter(nil, zap.New(core).Sugar())

	var second collector
	r.SubscribeToTask("t1", func(Event) { panic("boom") })
	r.SubscribeToTask("t1", second.handle)

	r.Dispatch(Event{TaskID: "t1", Status: StatusFailed, Progress: 60, Error: "x"})

	assert.Len(t, second.got(), 1)
	assert.Equal(t, 0, r.TaskCount(), "terminal cleanup still runs")
	assert.Equal(t, 1, logs.FilterMessage("Progress handler panicked").Len())
}

func TestRouter_HandlerMayUnsubscribeDuringDispatch(t *testing.T) {
	r, _ := newTestRouter(t)
	var later collector
	var self *Subscription
	calls := 0
	self = r.SubscribeToTask("t1", func(Event) {
		calls++
		self.Unsubscribe()
	})
	r.SubscribeToTask("t1", later.handle)

	r.Dispatch(running("t1", 1))
	r.Dispatch(running("t1", 2))

	assert.Equal(t, 1, calls)
	assert.Len(t, later.got(), 2)
}

func TestRouter_HandlerRemovedMidDispatchIsSkipped(t *testing.T) {
	r, _ := newTestRouter(t)
	var victim *Subscription
	victimCalls := 0
	r.SubscribeToTask("t1", func(Event) { victim.Unsubscribe() })
	victim = r.SubscribeToTask("t1", func(Event) { victimCalls++ })

	r.Dispatch(running("t1", 1))

	assert.Equal(t, 0, victimCalls)
}

func TestRouter_HandlerMaySubscribeDuringDispatch(t *testing.T) {
	r, _ := newTestRouter(t)
	var added collector
	once := sync.Once{}
	r.SubscribeToTask("t1", func(Event) {
		once.Do(func() { r.SubscribeToTask("t1", added.handle) })
	})

	r.Dispatch(running("t1", 1))
	assert.Empty(t, added.got(), "handlers added mid-dispatch start with the next event")

	r.Dispatch(running("t1", 2))
	assert.Len(t, added.got(), 1)
}

func TestRouter_NoSubscribersDropsEvent(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	r := NewRouter(nil, zap.New(core).Sugar())

	r.Dispatch(running("ghost", 50))

	assert.Equal(t, 1, logs.FilterMessage("Dropping event with no subscribers").Len())
	assert.Equal(t, 0, r.TaskCount())
}

func TestRouter_Reset(t *testing.T) {
	r, sender := newTestRouter(t)
	a := r.SubscribeToTask("t1", func(Event) {})
	g := r.OnProgress(func(Event) {})

	r.Reset()

	assert.False(t, a.Active())
	assert.False(t, g.Active())
	assert.Equal(t, 0, r.TaskCount())
	assert.Equal(t, 0, r.GlobalCount())
	assert.Len(t, sender.messages(), 1, "reset does not notify the server")
}

func TestRouter_ConcurrentUse(t *testing.T) {
	r, _ := newTestRouter(t)
	var wg sync.WaitGroup
	var g collector
	r.OnProgress(g.handle)

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			id := fmt.Sprintf("t%d", w)
			for i := 0; i < 50; i++ {
				sub := r.SubscribeToTask(id, func(Event) {})
				r.Dispatch(running(id, i))
				sub.Unsubscribe()
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, g.got(), 400)
	assert.Equal(t, 0, r.TaskCount())
}
