package watch

import (
	"sync"

	"github.com/pixcore/taskstream/logger"
	"github.com/pixcore/taskstream/progress"
	"go.uber.org/zap"
)

// TaskView follows at most one task at a time. Changing the task releases
// the previous subscription before the new one is made.
type TaskView struct {
	src    Source
	logger *zap.SugaredLogger

	mu     sync.Mutex
	taskID string
	sub    *progress.Subscription
	event  *progress.Event
	// live is set once an event arrived from the stream; seeds are ignored
	// after that.
	live bool

	nextObserver int
	observers    map[int]func(TaskState)
	order        []int

	// pending holds states in the order they were produced; one goroutine
	// at a time drains it so observers never see an older state last.
	pending    []TaskState
	delivering bool
}

// NewTaskView returns a view following no task.
func NewTaskView(src Source) *TaskView {
	return &TaskView{
		src:       src,
		logger:    logger.ComponentLogger("watch"),
		observers: make(map[int]func(TaskState)),
	}
}

// SetTask switches the view to taskID. An empty id clears the view and
// holds no subscription. Setting the current id again is a no-op.
func (v *TaskView) SetTask(taskID string) {
	v.mu.Lock()
	if taskID == v.taskID && (taskID == "" || v.sub != nil) {
		v.mu.Unlock()
		return
	}
	prev := v.sub
	v.sub = nil
	v.taskID = taskID
	v.event = nil
	v.live = false
	drain := v.enqueueLocked()
	v.mu.Unlock()

	prev.Unsubscribe()

	if taskID != "" {
		sub := v.src.SubscribeToTask(taskID, func(ev progress.Event) { v.apply(taskID, ev, true) })
		v.mu.Lock()
		if v.taskID == taskID && v.sub == nil {
			v.sub = sub
			sub = nil
		}
		v.mu.Unlock()
		// lost a race with another SetTask
		sub.Unsubscribe()
		v.logger.Debugw("Task view following task", "task_id", taskID)
	}

	if drain {
		v.deliver()
	}
}

// Seed applies ev as the initial state, for callers that fetched the
// current task state out of band. It is ignored once a live event for the
// task has arrived, or when ev is for another task.
func (v *TaskView) Seed(ev progress.Event) {
	v.apply(ev.TaskID, ev, false)
}

func (v *TaskView) apply(taskID string, ev progress.Event, live bool) {
	v.mu.Lock()
	if v.taskID != taskID || taskID == "" || (!live && v.live) {
		v.mu.Unlock()
		return
	}
	v.event = &ev
	if live {
		v.live = true
	}
	drain := v.enqueueLocked()
	v.mu.Unlock()

	if drain {
		v.deliver()
	}
}

// State returns the derived state of the followed task.
func (v *TaskView) State() TaskState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return StateOf(v.taskID, v.event)
}

// TaskID returns the followed task, or "".
func (v *TaskView) TaskID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.taskID
}

// OnChange registers fn to run after every state change. The returned
// func removes it.
func (v *TaskView) OnChange(fn func(TaskState)) func() {
	v.mu.Lock()
	id := v.nextObserver
	v.nextObserver++
	v.observers[id] = fn
	v.order = append(v.order, id)
	v.mu.Unlock()

	return func() {
		v.mu.Lock()
		delete(v.observers, id)
		v.mu.Unlock()
	}
}

// enqueueLocked records the current state for observers and reports
// whether the caller must deliver it. Callers hold mu.
func (v *TaskView) enqueueLocked() bool {
	v.pending = append(v.pending, StateOf(v.taskID, v.event))
	if v.delivering {
		return false
	}
	v.delivering = true
	return true
}

// deliver runs observers for every pending state in order. Observers may
// call back into the view; their changes are queued behind the current one.
func (v *TaskView) deliver() {
	for {
		v.mu.Lock()
		if len(v.pending) == 0 {
			v.delivering = false
			v.mu.Unlock()
			return
		}
		st := v.pending[0]
		v.pending = v.pending[1:]
		fns := make([]func(TaskState), 0, len(v.observers))
		kept := v.order[:0]
		for _, id := range v.order {
			if fn, ok := v.observers[id]; ok {
				fns = append(fns, fn)
				kept = append(kept, id)
			}
		}
		v.order = kept
		v.mu.Unlock()

		for _, fn := range fns {
			fn(st)
		}
	}
}

// Close releases the subscription and drops every observer.
func (v *TaskView) Close() {
	v.mu.Lock()
	sub := v.sub
	v.sub = nil
	v.taskID = ""
	v.event = nil
	v.live = false
	v.observers = make(map[int]func(TaskState))
	v.order = nil
	v.mu.Unlock()

	sub.Unsubscribe()
}
