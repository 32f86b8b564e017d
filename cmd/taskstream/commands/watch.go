package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pixcore/taskstream/am"
	"github.com/pixcore/taskstream/errors"
	"github.com/pixcore/taskstream/logger"
	"github.com/pixcore/taskstream/progress"
	"github.com/pixcore/taskstream/taskapi"
	"github.com/pixcore/taskstream/watch"
)

// WatchCmd follows tasks until they reach a terminal status
var WatchCmd = &cobra.Command{
	Use:   "watch <task-id>...",
	Short: "Follow tasks until they finish",
	Long: `Follow one or more generation tasks until every one of them succeeds,
fails or is cancelled.

The current state of each task is fetched from the status API first, so a
task that is already half done does not show 0% until its next event.
Exits non-zero if any task failed or was cancelled.

Examples:
  taskstream watch 3f2c9a
  taskstream watch 3f2c9a 77b1e0 --timeout 10m
  taskstream watch 3f2c9a --no-seed`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWatch,
}

var (
	watchTimeout time.Duration
	watchNoSeed  bool
)

func init() {
	WatchCmd.Flags().DurationVar(&watchTimeout, "timeout", 0, "Give up after this long (0 waits forever)")
	WatchCmd.Flags().BoolVar(&watchNoSeed, "no-seed", false, "Do not fetch the current task state before following")
}

// watchTracker aggregates the per-task views into one status line. Views
// call update from the progress read goroutine; the command goroutine owns
// the terminal and reads the newest line from updates.
type watchTracker struct {
	mu      sync.Mutex
	order   []string
	states  map[string]watch.TaskState
	pending int
	done    chan struct{}
	updates chan string
}

func newWatchTracker(ids []string) *watchTracker {
	return &watchTracker{
		order:   ids,
		states:  make(map[string]watch.TaskState, len(ids)),
		pending: len(ids),
		done:    make(chan struct{}),
		updates: make(chan string, 1),
	}
}

func (w *watchTracker) update(st watch.TaskState) {
	if st.Event == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	prev, seen := w.states[st.TaskID]
	if seen && prev.Status.IsTerminal() {
		return
	}
	w.states[st.TaskID] = st
	if st.Status.IsTerminal() {
		w.pending--
		if w.pending == 0 {
			close(w.done)
		}
	}
	w.publishLocked(w.summaryLocked())
}

// publishLocked replaces any unread line with text so the reader only ever
// sees the newest one. Callers hold mu.
func (w *watchTracker) publishLocked(text string) {
	select {
	case <-w.updates:
	default:
	}
	w.updates <- text
}

func (w *watchTracker) summary() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.summaryLocked()
}

func (w *watchTracker) summaryLocked() string {
	parts := make([]string, 0, len(w.order))
	for _, id := range w.order {
		st, ok := w.states[id]
		switch {
		case !ok:
			parts = append(parts, id+" waiting")
		case st.IsRunning && st.Event.Message != "":
			parts = append(parts, fmt.Sprintf("%s %d%% (%s)", id, st.Percentage, st.Event.Message))
		default:
			parts = append(parts, fmt.Sprintf("%s %s %d%%", id, st.Status, st.Percentage))
		}
	}
	return strings.Join(parts, ", ")
}

func (w *watchTracker) results() ([]watch.TaskState, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]watch.TaskState, 0, len(w.order))
	allOK := true
	for _, id := range w.order {
		st, ok := w.states[id]
		if !ok {
			st = watch.StateOf(id, nil)
		}
		if !st.IsCompleted {
			allOK = false
		}
		out = append(out, st)
	}
	return out, allOK
}

func runWatch(cmd *cobra.Command, args []string) error {
	log := logger.ComponentLogger("watch-cmd")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	client, err := progressClient(cmd, cfg)
	if err != nil {
		return err
	}
	defer progress.ResetDefault()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if watchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, watchTimeout)
		defer cancel()
	}
	ctx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	ids := dedupe(args)
	tracker := newWatchTracker(ids)
	views := make(map[string]*watch.TaskView, len(ids))
	for _, id := range ids {
		v := watch.NewTaskView(client)
		v.OnChange(tracker.update)
		v.SetTask(id)
		views[id] = v
		defer v.Close()
	}

	client.OnError(func(err error) {
		if errors.Is(err, progress.ErrReconnectExhausted) {
			abort(err)
		}
	})
	client.OnConnectionChange(func(connected bool) {
		log.Debugw("Connection state changed", "connected", connected)
	})

	if err := client.Connect(ctx); err != nil {
		return connectHint(errors.Wrap(err, "failed to connect to progress endpoint"), cfg)
	}

	if !watchNoSeed {
		seedViews(ctx, cfg, views, log)
	}

	area, _ := pterm.DefaultArea.Start(tracker.summary())

	var waitErr error
wait:
	for {
		select {
		case text := <-tracker.updates:
			area.Update(text)
		case <-tracker.done:
			break wait
		case <-ctx.Done():
			waitErr = context.Cause(ctx)
			break wait
		}
	}
	area.Update(tracker.summary())
	_ = area.Stop()

	results, allOK := tracker.results()
	switch {
	case waitErr != nil:
		pterm.Warning.Println("stopped before every task finished")
	case allOK:
		pterm.Success.Println("all tasks finished")
	default:
		pterm.Error.Println("some tasks did not succeed")
	}
	renderStates(results)

	if waitErr != nil {
		if errors.Is(waitErr, context.DeadlineExceeded) {
			return errors.Wrapf(errors.ErrTimeout, "tasks still running after %s", watchTimeout)
		}
		return waitErr
	}
	if !allOK {
		return ErrTasksFailed
	}
	return nil
}

// seedViews fetches the state tasks already reached. Failures only cost the
// initial display, so they are logged and skipped.
func seedViews(ctx context.Context, cfg *am.Config, views map[string]*watch.TaskView, log *zap.SugaredLogger) {
	api, err := taskapi.NewFromConfig(cfg, taskapi.WithLogger(log))
	if err != nil {
		log.Warnw("Status API unavailable, not seeding", "error", err)
		return
	}
	for id, v := range views {
		ev, err := api.GetTask(ctx, id)
		switch {
		case errors.IsNotFoundError(err):
			log.Warnw("Task not known to the backend", "task_id", id)
		case err != nil:
			log.Debugw("Could not fetch task state", "task_id", id, "error", err)
		default:
			v.Seed(ev)
		}
	}
}

// renderStates prints one row per task.
func renderStates(states []watch.TaskState) {
	data := pterm.TableData{{"Task", "Status", "Progress", "Detail"}}
	for _, st := range states {
		status := string(st.Status)
		if status == "" {
			status = "unknown"
		}
		detail := st.Error
		if st.Result != nil {
			detail = st.Result.URL
		}
		data = append(data, []string{st.TaskID, status, fmt.Sprintf("%d%%", st.Percentage), detail})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
