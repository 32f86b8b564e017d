// Package watch turns the raw progress stream into state that is convenient
// to display: a single-task view, a multi-task view and a bounded history.
// None of the views render anything or touch the connection; they only
// register with a Source and release every registration on Close.
package watch

import (
	"github.com/pixcore/taskstream/progress"
)

// Source is the part of the progress client the views need. Both
// *progress.Client and *progress.Router satisfy it.
type Source interface {
	SubscribeToTask(taskID string, fn progress.Handler) *progress.Subscription
	OnProgress(fn progress.Handler) *progress.Subscription
}

// TaskState is the derived, display-ready state of one task. The zero value
// is the state of "no task" or "no event yet".
type TaskState struct {
	TaskID      string
	Event       *progress.Event
	Percentage  int
	Status      progress.Status
	IsRunning   bool
	IsCompleted bool
	IsFailed    bool
	Result      *progress.Result
	Error       string
}

// StateOf derives the view state for taskID from its latest event, which
// may be nil.
func StateOf(taskID string, ev *progress.Event) TaskState {
	st := TaskState{TaskID: taskID}
	if ev == nil {
		return st
	}
	cp := *ev
	st.Event = &cp
	st.Percentage = cp.Progress
	st.Status = cp.Status
	st.IsRunning = cp.Status.IsActive()
	st.IsCompleted = cp.Status == progress.StatusSuccess
	st.IsFailed = cp.Status == progress.StatusFailed
	st.Result = cp.Result
	st.Error = cp.Error
	return st
}

// Counts summarises a set of tasks by state. Cancelled tasks are in none
// of the buckets.
type Counts struct {
	Running   int
	Completed int
	Failed    int
}
