package progress

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Handler receives progress events. Handlers run on the connection's read
// goroutine and must not block for long; they may subscribe or unsubscribe.
type Handler func(Event)

// Subscription is the handle returned by every registration. Go funcs are
// not comparable, so the handle is what identifies a registration when it
// is removed.
type Subscription struct {
	taskID string
	active atomic.Bool
	once   sync.Once
	cancel func()
}

func newSubscription(taskID string) *Subscription {
	s := &Subscription{taskID: taskID}
	s.active.Store(true)
	return s
}

// TaskID returns the task this subscription listens to, or "" for global
// and observer subscriptions.
func (s *Subscription) TaskID() string {
	if s == nil {
		return ""
	}
	return s.taskID
}

// Active reports whether the handler is still registered.
func (s *Subscription) Active() bool {
	return s != nil && s.active.Load()
}

// Unsubscribe removes the registration. Safe to call more than once and on
// a nil Subscription.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.active.Store(false)
	})
}

type listener[T any] struct {
	sub *Subscription
	fn  T
}

// listeners is an ordered, copy-on-write handler list. Snapshots taken
// under the lock stay valid after the lock is released.
type listeners[T any] struct {
	mu   sync.Mutex
	list []listener[T]
}

func (l *listeners[T]) add(fn T) *Subscription {
	sub := newSubscription("")
	sub.cancel = func() { l.remove(sub) }

	l.mu.Lock()
	l.list = append(l.list, listener[T]{sub: sub, fn: fn})
	l.mu.Unlock()
	return sub
}

func (l *listeners[T]) remove(sub *Subscription) {
	l.mu.Lock()
	l.list = without(l.list, sub)
	l.mu.Unlock()
	sub.active.Store(false)
}

func (l *listeners[T]) snapshot() []listener[T] {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.list
}

func (l *listeners[T]) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.list)
}

func (l *listeners[T]) clear() {
	l.mu.Lock()
	old := l.list
	l.list = nil
	l.mu.Unlock()
	for _, e := range old {
		e.sub.active.Store(false)
	}
}

// without returns a new slice; the input backing array is never written.
func without[T any](list []listener[T], sub *Subscription) []listener[T] {
	out := make([]listener[T], 0, len(list))
	for _, e := range list {
		if e.sub != sub {
			out = append(out, e)
		}
	}
	return out
}

// invoke calls every still-active listener in order. A panicking handler is
// logged and skipped so the rest still run.
func invoke[T any](log *zap.SugaredLogger, kind string, list []listener[T], call func(T)) {
	for _, e := range list {
		if !e.sub.Active() {
			continue
		}
		safeCall(log, kind, e.sub.taskID, func() { call(e.fn) })
	}
}

func safeCall(log *zap.SugaredLogger, kind, taskID string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Warnw("Progress handler panicked",
				"handler", kind,
				"task_id", taskID,
				"panic", r,
			)
		}
	}()
	fn()
}

// notifier delivers observer notifications in order on a single goroutine,
// so observers may call back into the Manager without deadlocking it.
type notifier struct {
	mu      sync.Mutex
	queue   []func()
	running bool
	idle    *sync.Cond
}

func newNotifier() *notifier {
	n := &notifier{}
	n.idle = sync.NewCond(&n.mu)
	return n
}

func (n *notifier) enqueue(fn func()) {
	n.mu.Lock()
	n.queue = append(n.queue, fn)
	if !n.running {
		n.running = true
		go n.drain()
	}
	n.mu.Unlock()
}

func (n *notifier) drain() {
	for {
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.running = false
			n.idle.Broadcast()
			n.mu.Unlock()
			return
		}
		fn := n.queue[0]
		n.queue = n.queue[1:]
		n.mu.Unlock()
		fn()
	}
}

// wait blocks until every queued notification has been delivered.
func (n *notifier) wait() {
	n.mu.Lock()
	for n.running {
		n.idle.Wait()
	}
	n.mu.Unlock()
}
