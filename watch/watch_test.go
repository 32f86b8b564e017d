package watch

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pixcore/taskstream/progress"
)

func newRouter(t *testing.T) *progress.Router {
	t.Helper()
	return progress.NewRouter(nil, zaptest.NewLogger(t).Sugar())
}

func ev(taskID string, status progress.Status, pct int) progress.Event {
	return progress.Event{TaskID: taskID, Status: status, Progress: pct}
}

func TestStateOf(t *testing.T) {
	assert.Equal(t, TaskState{TaskID: "t1"}, StateOf("t1", nil))

	tests := []struct {
		status                     progress.Status
		running, completed, failed bool
	}{
		{status: progress.StatusQueued, running: true},
		{status: progress.StatusRunning, running: true},
		{status: progress.StatusSuccess, completed: true},
		{status: progress.StatusFailed, failed: true},
		{status: progress.StatusCancelled},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			e := ev("t1", tt.status, 55)
			st := StateOf("t1", &e)
			assert.Equal(t, 55, st.Percentage)
			assert.Equal(t, tt.status, st.Status)
			assert.Equal(t, tt.running, st.IsRunning)
			assert.Equal(t, tt.completed, st.IsCompleted)
			assert.Equal(t, tt.failed, st.IsFailed)
		})
	}
}

func TestTaskView_FollowsTask(t *testing.T) {
	r := newRouter(t)
	v := NewTaskView(r)
	defer v.Close()

	assert.Equal(t, TaskState{}, v.State())
	assert.Equal(t, 0, r.TaskCount())

	v.SetTask("t1")
	assert.Equal(t, 1, r.HandlerCount("t1"))
	assert.Equal(t, 0, v.State().Percentage)
	assert.Nil(t, v.State().Event)

	r.Dispatch(ev("t1", progress.StatusRunning, 40))
	r.Dispatch(ev("other", progress.StatusRunning, 99))

	st := v.State()
	assert.Equal(t, "t1", st.TaskID)
	assert.Equal(t, 40, st.Percentage)
	assert.True(t, st.IsRunning)

	done := progress.Event{
		TaskID:   "t1",
		Status:   progress.StatusSuccess,
		Progress: 100,
		Result:   &progress.Result{Kind: progress.ResultVideo, URL: "/storage/v.mp4"},
	}
	r.Dispatch(done)
	st = v.State()
	assert.True(t, st.IsCompleted)
	assert.False(t, st.IsRunning)
	assert.Equal(t, "/storage/v.mp4", st.Result.URL)
}

func TestTaskView_SwitchReleasesPrevious(t *testing.T) {
	r := newRouter(t)
	v := NewTaskView(r)

	v.SetTask("t1")
	r.Dispatch(ev("t1", progress.StatusRunning, 10))
	v.SetTask("t2")

	assert.Equal(t, 0, r.HandlerCount("t1"))
	assert.Equal(t, 1, r.HandlerCount("t2"))
	assert.Equal(t, TaskState{TaskID: "t2"}, v.State(), "state resets on switch")

	r.Dispatch(ev("t1", progress.StatusRunning, 20))
	assert.Nil(t, v.State().Event)

	v.SetTask("t2")
	assert.Equal(t, 1, r.HandlerCount("t2"), "same id is a no-op")

	v.SetTask("")
	assert.Equal(t, 0, r.TaskCount())
	assert.Equal(t, TaskState{}, v.State())
}

func TestTaskView_FailedTask(t *testing.T) {
	r := newRouter(t)
	v := NewTaskView(r)
	defer v.Close()
	v.SetTask("t1")

	r.Dispatch(progress.Event{TaskID: "t1", Status: progress.StatusFailed, Progress: 30, Error: "quota exceeded"})

	st := v.State()
	assert.True(t, st.IsFailed)
	assert.Equal(t, "quota exceeded", st.Error)
}

func TestTaskView_Seed(t *testing.T) {
	r := newRouter(t)
	v := NewTaskView(r)
	defer v.Close()
	v.SetTask("t1")

	v.Seed(ev("other", progress.StatusRunning, 80))
	assert.Nil(t, v.State().Event)

	v.Seed(ev("t1", progress.StatusRunning, 25))
	assert.Equal(t, 25, v.State().Percentage)

	r.Dispatch(ev("t1", progress.StatusRunning, 30))
	v.Seed(ev("t1", progress.StatusRunning, 26))
	assert.Equal(t, 30, v.State().Percentage, "live events win over stale seeds")
}

func TestTaskView_OnChange(t *testing.T) {
	r := newRouter(t)
	v := NewTaskView(r)
	defer v.Close()

	var seen []int
	remove := v.OnChange(func(st TaskState) { seen = append(seen, st.Percentage) })

	v.SetTask("t1")
	r.Dispatch(ev("t1", progress.StatusRunning, 10))
	r.Dispatch(ev("t1", progress.StatusRunning, 5))
	remove()
	r.Dispatch(ev("t1", progress.StatusRunning, 50))

	assert.Equal(t, []int{0, 10, 5}, seen)
}

func TestTaskView_ObserversSeeStatesInOrder(t *testing.T) {
	r := newRouter(t)
	v := NewTaskView(r)
	defer v.Close()
	v.SetTask("t1")

	var first, second []int
	v.OnChange(func(st TaskState) {
		first = append(first, st.Percentage)
		if st.Percentage == 25 {
			r.Dispatch(ev("t1", progress.StatusRunning, 30))
		}
	})
	v.OnChange(func(st TaskState) { second = append(second, st.Percentage) })

	v.Seed(ev("t1", progress.StatusRunning, 25))

	assert.Equal(t, []int{25, 30}, first)
	assert.Equal(t, []int{25, 30}, second, "a nested change is delivered after the current one")
	assert.Equal(t, 30, v.State().Percentage)
}

func TestTaskView_LastDeliveredMatchesState(t *testing.T) {
	r := newRouter(t)
	v := NewTaskView(r)
	defer v.Close()
	v.SetTask("t1")

	var mu sync.Mutex
	last := -1
	v.OnChange(func(st TaskState) {
		mu.Lock()
		last = st.Percentage
		mu.Unlock()
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			v.Seed(ev("t1", progress.StatusQueued, 1))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			r.Dispatch(ev("t1", progress.StatusRunning, 10+i%50))
		}
	}()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, v.State().Percentage, last)
}

func TestTaskView_CloseReleases(t *testing.T) {
	r := newRouter(t)
	v := NewTaskView(r)
	v.SetTask("t1")

	v.Close()
	v.Close()

	assert.Equal(t, 0, r.TaskCount())
}

func TestMultiTaskView_DuplicateSubscribe(t *testing.T) {
	r := newRouter(t)
	m := NewMultiTaskView(r)
	defer m.Close()

	m.Subscribe("t1")
	m.Subscribe("t1")
	assert.Equal(t, 1, r.HandlerCount("t1"))

	r.Dispatch(ev("t1", progress.StatusRunning, 40))

	tasks := m.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, 40, tasks["t1"].Progress)
	assert.Equal(t, Counts{Running: 1}, m.Counts())
}

func TestMultiTaskView_CountsAndClearCompleted(t *testing.T) {
	r := newRouter(t)
	m := NewMultiTaskView(r)
	defer m.Close()

	for i := 1; i <= 5; i++ {
		m.Subscribe(fmt.Sprintf("t%d", i))
	}
	r.Dispatch(ev("t1", progress.StatusQueued, 0))
	r.Dispatch(ev("t2", progress.StatusRunning, 50))
	r.Dispatch(ev("t3", progress.StatusSuccess, 100))
	r.Dispatch(ev("t4", progress.StatusFailed, 70))
	r.Dispatch(ev("t5", progress.StatusCancelled, 10))

	assert.Equal(t, Counts{Running: 2, Completed: 1, Failed: 1}, m.Counts())

	st, ok := m.Get("t4")
	require.True(t, ok)
	assert.True(t, st.IsFailed)

	removed := m.ClearCompleted()
	assert.Equal(t, 3, removed)
	assert.Equal(t, []string{"t1", "t2"}, m.TaskIDs())
	assert.Len(t, m.Tasks(), 2)
	assert.Equal(t, Counts{Running: 2}, m.Counts())

	_, ok = m.Get("t3")
	assert.False(t, ok)

	// a cleared task can be tracked again
	m.Subscribe("t3")
	assert.Equal(t, 1, r.HandlerCount("t3"))
}

func TestMultiTaskView_Unsubscribe(t *testing.T) {
	r := newRouter(t)
	m := NewMultiTaskView(r)

	m.Subscribe("t1")
	r.Dispatch(ev("t1", progress.StatusRunning, 5))
	m.Unsubscribe("t1")
	m.Unsubscribe("never")

	assert.Empty(t, m.Tasks())
	assert.Equal(t, 0, r.TaskCount())

	r.Dispatch(ev("t1", progress.StatusRunning, 6))
	assert.Empty(t, m.Tasks())
}

func TestMultiTaskView_CloseReleasesAll(t *testing.T) {
	r := newRouter(t)
	m := NewMultiTaskView(r)
	m.Subscribe("a")
	m.Subscribe("b")

	m.Close()

	assert.Equal(t, 0, r.TaskCount())
	assert.Empty(t, m.TaskIDs())
}

func TestHistory_NewestFirstAndBounded(t *testing.T) {
	r := newRouter(t)
	h := NewHistory(r, 0)
	defer h.Close()

	_, ok := h.Latest()
	assert.False(t, ok)

	for i := 0; i < DefaultHistorySize+10; i++ {
		r.Dispatch(ev(fmt.Sprintf("t%d", i), progress.StatusRunning, i%100))
	}

	events := h.Events()
	require.Len(t, events, DefaultHistorySize)
	assert.Equal(t, "t59", events[0].TaskID)
	assert.Equal(t, "t10", events[len(events)-1].TaskID)

	latest, ok := h.Latest()
	require.True(t, ok)
	assert.Equal(t, "t59", latest.TaskID)
}

func TestHistory_Close(t *testing.T) {
	r := newRouter(t)
	h := NewHistory(r, 3)

	r.Dispatch(ev("a", progress.StatusRunning, 1))
	h.Close()
	r.Dispatch(ev("b", progress.StatusRunning, 2))

	assert.Equal(t, 1, h.Len())
	assert.Equal(t, 0, r.GlobalCount())
}
