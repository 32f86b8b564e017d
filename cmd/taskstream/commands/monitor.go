package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pixcore/taskstream/am"
	"github.com/pixcore/taskstream/display"
	"github.com/pixcore/taskstream/errors"
	"github.com/pixcore/taskstream/logger"
	"github.com/pixcore/taskstream/progress"
	"github.com/pixcore/taskstream/watch"
)

// MonitorCmd prints every progress event
var MonitorCmd = &cobra.Command{
	Use:   "monitor [task-id...]",
	Short: "Print every progress event the backend sends",
	Long: `Print progress events as they arrive, until interrupted.

With task ids, the backend is asked to send those tasks and a running
summary is kept for them. The config file is watched: changing
server.base_url reconnects to the new backend.

Examples:
  taskstream monitor
  taskstream monitor 3f2c9a 77b1e0
  taskstream monitor --json | jq .event.progress`,
	RunE: runMonitor,
}

var monitorJSON bool

func init() {
	MonitorCmd.Flags().BoolVar(&monitorJSON, "json", false, "Print one JSON object per event")
}

type monitorLine struct {
	Time  time.Time      `json:"time"`
	Event progress.Event `json:"event"`
}

// monitorSession is one client plus the views attached to it. A config
// change replaces the whole session.
type monitorSession struct {
	client  *progress.Client
	history *watch.History
	tasks   *watch.MultiTaskView
}

func startMonitorSession(ctx context.Context, cfg *am.Config, ids []string, log *zap.SugaredLogger) (*monitorSession, error) {
	client, err := progress.New(cfg.Server.BaseURL, append(progress.OptionsFromConfig(cfg), progress.WithLogger(log))...)
	if err != nil {
		return nil, err
	}

	s := &monitorSession{
		client:  client,
		history: watch.NewHistory(client, cfg.Progress.HistorySize),
		tasks:   watch.NewMultiTaskView(client),
	}
	for _, id := range ids {
		s.tasks.Subscribe(id)
	}

	client.OnProgress(printEvent)
	client.OnConnectionChange(func(connected bool) {
		if connected {
			pterm.Success.Printfln("Connected to %s", client.Endpoint())
		} else {
			pterm.Warning.Printfln("Connection to %s lost", client.Endpoint())
		}
	})
	client.OnError(func(err error) {
		if errors.Is(err, progress.ErrReconnectExhausted) {
			pterm.Error.Printfln("Giving up on %s: %v", client.Endpoint(), err)
		}
	})

	if err := client.Connect(ctx); err != nil {
		s.close()
		return nil, connectHint(errors.Wrap(err, "failed to connect to progress endpoint"), cfg)
	}
	return s, nil
}

func (s *monitorSession) close() {
	s.history.Close()
	s.tasks.Close()
	s.client.Close()
}

func printEvent(ev progress.Event) {
	if monitorJSON {
		_ = display.WriteJSON(os.Stdout, monitorLine{Time: time.Now().UTC(), Event: ev})
		return
	}

	line := fmt.Sprintf("%s  %-12s %-9s %3d%%", time.Now().Format("15:04:05"), ev.TaskID, ev.Status, ev.Progress)
	switch {
	case ev.Error != "":
		line += "  " + ev.Error
	case ev.Result != nil:
		line += "  " + ev.Result.URL
	case ev.Message != "":
		line += "  " + ev.Message
	}
	fmt.Println(line)
}

func runMonitor(cmd *cobra.Command, args []string) error {
	log := logger.ComponentLogger("monitor")
	monitorJSON = display.ShouldOutputJSON(cmd)

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ids := dedupe(args)
	session, err := startMonitorSession(ctx, cfg, ids, log)
	if err != nil {
		return err
	}

	var mu sync.Mutex
	current := cfg
	defer func() {
		mu.Lock()
		session.close()
		mu.Unlock()
	}()

	if paths := am.ConfigPaths(); len(paths) > 0 {
		override, _ := cmd.Flags().GetString("base-url")
		watcher, err := am.NewConfigWatcher(paths[len(paths)-1])
		if err != nil {
			log.Warnw("Config changes will not be picked up", "error", err)
		} else {
			am.SetGlobalWatcher(watcher)
			watcher.OnReload(func(next *am.Config) error {
				mu.Lock()
				defer mu.Unlock()
				if override != "" || next.Server.BaseURL == current.Server.BaseURL {
					return nil
				}
				pterm.Info.Printfln("server.base_url changed to %s, reconnecting", next.Server.BaseURL)
				fresh, err := startMonitorSession(ctx, next, ids, log)
				if err != nil {
					return err
				}
				session.close()
				session = fresh
				current = next
				return nil
			})
			watcher.Start()
			defer watcher.Stop()
		}
	}

	<-ctx.Done()

	mu.Lock()
	defer mu.Unlock()
	if !monitorJSON {
		fmt.Println()
		if latest, ok := session.history.Latest(); ok {
			pterm.Info.Printfln("%d events in history, last: %s %s %d%%",
				session.history.Len(), latest.TaskID, latest.Status, latest.Progress)
		}
		if len(ids) > 0 {
			c := session.tasks.Counts()
			pterm.Info.Printfln("Tracked tasks: %d running, %d completed, %d failed", c.Running, c.Completed, c.Failed)
		}
	}
	return nil
}
