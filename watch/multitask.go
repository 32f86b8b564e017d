package watch

import (
	"sort"
	"sync"

	"github.com/pixcore/taskstream/logger"
	"github.com/pixcore/taskstream/progress"
	"go.uber.org/zap"
)

// MultiTaskView tracks the latest event of every task the caller
// subscribed to. A task appears in the map once its first event arrives.
type MultiTaskView struct {
	src    Source
	logger *zap.SugaredLogger

	mu     sync.Mutex
	subs   map[string]*progress.Subscription
	events map[string]progress.Event
}

// NewMultiTaskView returns an empty view.
func NewMultiTaskView(src Source) *MultiTaskView {
	return &MultiTaskView{
		src:    src,
		logger: logger.ComponentLogger("watch"),
		subs:   make(map[string]*progress.Subscription),
		events: make(map[string]progress.Event),
	}
}

// Subscribe starts tracking taskID. Subscribing to a tracked task is a
// no-op.
func (m *MultiTaskView) Subscribe(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subs[taskID]; ok {
		return
	}
	m.subs[taskID] = m.src.SubscribeToTask(taskID, func(ev progress.Event) {
		m.mu.Lock()
		if _, ok := m.subs[taskID]; ok {
			m.events[taskID] = ev
		}
		m.mu.Unlock()
	})
	m.logger.Debugw("Multi-task view tracking task", "task_id", taskID, "count", len(m.subs))
}

// Unsubscribe stops tracking taskID and forgets its latest event.
func (m *MultiTaskView) Unsubscribe(taskID string) {
	m.mu.Lock()
	sub, ok := m.subs[taskID]
	delete(m.subs, taskID)
	delete(m.events, taskID)
	m.mu.Unlock()

	if ok {
		sub.Unsubscribe()
	}
}

// Tasks returns a copy of the task id to latest event map.
func (m *MultiTaskView) Tasks() map[string]progress.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]progress.Event, len(m.events))
	for id, ev := range m.events {
		out[id] = ev
	}
	return out
}

// Get returns the derived state of one tracked task.
func (m *MultiTaskView) Get(taskID string) (TaskState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[taskID]
	if !ok {
		return StateOf(taskID, nil), false
	}
	return StateOf(taskID, &ev), true
}

// TaskIDs returns the subscribed task ids in sorted order, including those
// with no event yet.
func (m *MultiTaskView) TaskIDs() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Counts tallies the tracked tasks by status.
func (m *MultiTaskView) Counts() Counts {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c Counts
	for _, ev := range m.events {
		switch {
		case ev.Status.IsActive():
			c.Running++
		case ev.Status == progress.StatusSuccess:
			c.Completed++
		case ev.Status == progress.StatusFailed:
			c.Failed++
		}
	}
	return c
}

// ClearCompleted unsubscribes and forgets every task in a terminal state.
// It returns how many were removed.
func (m *MultiTaskView) ClearCompleted() int {
	m.mu.Lock()
	var subs []*progress.Subscription
	for id, ev := range m.events {
		if !ev.Status.IsTerminal() {
			continue
		}
		subs = append(subs, m.subs[id])
		delete(m.subs, id)
		delete(m.events, id)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	return len(subs)
}

// Close releases every subscription.
func (m *MultiTaskView) Close() {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[string]*progress.Subscription)
	m.events = make(map[string]progress.Event)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}
