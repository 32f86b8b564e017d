package progress

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ControlSender carries advisory control messages upstream. Delivery is
// best-effort; routing never depends on the server honouring them.
type ControlSender interface {
	SendControl(msg ControlMessage)
}

// Router maps task ids to handler sets plus a set of global handlers, and
// fans each dispatched event out to them.
type Router struct {
	// mu guards tasks and upstream. It is never held while handlers run.
	mu       sync.Mutex
	tasks    map[string][]listener[Handler]
	upstream ControlSender

	// dispatchMu serializes Dispatch so notify-then-cleanup is atomic with
	// respect to other dispatches.
	dispatchMu sync.Mutex

	global listeners[Handler]
	logger *zap.SugaredLogger
}

// NewRouter creates an empty router. upstream may be nil.
func NewRouter(upstream ControlSender, logger *zap.SugaredLogger) *Router {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Router{
		tasks:    make(map[string][]listener[Handler]),
		upstream: upstream,
		logger:   logger,
	}
}

// SetUpstream replaces the control-message sink.
func (r *Router) SetUpstream(upstream ControlSender) {
	r.mu.Lock()
	r.upstream = upstream
	r.mu.Unlock()
}

// SubscribeToTask registers fn for events of taskID and announces the
// interest upstream. The returned Subscription is the disposer.
func (r *Router) SubscribeToTask(taskID string, fn Handler) *Subscription {
	sub := newSubscription(taskID)
	sub.cancel = func() { r.UnsubscribeFromTask(taskID, sub) }

	r.mu.Lock()
	r.tasks[taskID] = append(r.tasks[taskID], listener[Handler]{sub: sub, fn: fn})
	upstream := r.upstream
	r.mu.Unlock()

	r.logger.Debugw("Subscribed to task", "task_id", taskID)
	if upstream != nil {
		upstream.SendControl(ControlMessage{Type: TypeSubscribe, TaskID: taskID})
	}
	return sub
}

// UnsubscribeFromTask removes sub. When it was the last handler for the
// task the entry is dropped and the server is told. Unknown task ids and
// subscriptions already removed are no-ops.
func (r *Router) UnsubscribeFromTask(taskID string, sub *Subscription) {
	if sub == nil {
		return
	}

	r.mu.Lock()
	list, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		sub.active.Store(false)
		return
	}
	remaining := without(list, sub)
	if len(remaining) == len(list) {
		r.mu.Unlock()
		return
	}
	sub.active.Store(false)

	emptied := len(remaining) == 0
	if emptied {
		delete(r.tasks, taskID)
	} else {
		r.tasks[taskID] = remaining
	}
	upstream := r.upstream
	r.mu.Unlock()

	if emptied {
		r.logger.Debugw("Unsubscribed from task", "task_id", taskID)
		if upstream != nil {
			upstream.SendControl(ControlMessage{Type: TypeUnsubscribe, TaskID: taskID})
		}
	}
}

// OnProgress registers a handler for every event. Global handlers are
// local only; nothing is sent upstream.
func (r *Router) OnProgress(fn Handler) *Subscription {
	return r.global.add(fn)
}

// Dispatch delivers ev to the task's handlers and then to every global
// handler, in registration order. A terminal status removes the task entry
// in the same dispatch, even if a handler panicked. Must not be called from
// inside a handler.
func (r *Router) Dispatch(ev Event) {
	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()

	r.mu.Lock()
	perTask := r.tasks[ev.TaskID]
	r.mu.Unlock()
	global := r.global.snapshot()

	if len(perTask) == 0 && len(global) == 0 {
		r.logger.Debugw("Dropping event with no subscribers", "task_id", ev.TaskID, "status", ev.Status)
	}

	call := func(fn Handler) { fn(ev) }
	invoke(r.logger, "task", perTask, call)
	invoke(r.logger, "global", global, call)

	if ev.Status.IsTerminal() {
		r.releaseTask(ev.TaskID)
	}
}

func (r *Router) releaseTask(taskID string) {
	r.mu.Lock()
	list, ok := r.tasks[taskID]
	delete(r.tasks, taskID)
	r.mu.Unlock()

	if !ok {
		return
	}
	for _, e := range list {
		e.sub.active.Store(false)
	}
	r.logger.Debugw("Released terminal task", "task_id", taskID, "handlers", len(list))
}

// TaskIDs returns the tracked task ids in sorted order.
func (r *Router) TaskIDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.tasks))
	for id := range r.tasks {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// TaskCount returns how many task ids hold per-task handlers.
func (r *Router) TaskCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// HandlerCount returns the number of handlers registered for taskID.
func (r *Router) HandlerCount(taskID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks[taskID])
}

// GlobalCount returns the number of global handlers.
func (r *Router) GlobalCount() int {
	return r.global.len()
}

// Reset drops every registration without telling the server.
func (r *Router) Reset() {
	r.mu.Lock()
	old := r.tasks
	r.tasks = make(map[string][]listener[Handler])
	r.mu.Unlock()

	for _, list := range old {
		for _, e := range list {
			e.sub.active.Store(false)
		}
	}
	r.global.clear()
}
