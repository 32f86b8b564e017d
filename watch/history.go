package watch

import (
	"sync"

	"github.com/pixcore/taskstream/progress"
)

// DefaultHistorySize is the number of events a History keeps by default.
const DefaultHistorySize = 50

// History records every event seen by the source, newest first, keeping at
// most size events.
type History struct {
	sub *progress.Subscription

	mu     sync.Mutex
	size   int
	events []progress.Event
}

// NewHistory starts recording. size <= 0 means DefaultHistorySize.
func NewHistory(src Source, size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	h := &History{size: size, events: make([]progress.Event, 0, size)}
	h.sub = src.OnProgress(h.record)
	return h
}

func (h *History) record(ev progress.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.events) < h.size {
		h.events = append(h.events, progress.Event{})
	}
	copy(h.events[1:], h.events[:len(h.events)-1])
	h.events[0] = ev
}

// Latest returns the most recent event.
func (h *History) Latest() (progress.Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.events) == 0 {
		return progress.Event{}, false
	}
	return h.events[0], true
}

// Events returns a copy of the recorded events, newest first.
func (h *History) Events() []progress.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]progress.Event, len(h.events))
	copy(out, h.events)
	return out
}

// Len returns the number of recorded events.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

// Close stops recording. The recorded events stay readable.
func (h *History) Close() {
	h.sub.Unsubscribe()
}
