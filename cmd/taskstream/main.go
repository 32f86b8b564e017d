package main

import (
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/pixcore/taskstream/cmd/taskstream/commands"
	"github.com/pixcore/taskstream/errors"
	"github.com/pixcore/taskstream/logger"
)

var rootCmd = &cobra.Command{
	Use:   "taskstream",
	Short: "Follow Pixcore generation tasks in real time",
	Long: `taskstream - real-time progress for Pixcore generation tasks.

Connects to the Pixcore backend's progress endpoint (<base>/ws/tasks) and
follows image and video generation tasks as they run.

Available commands:
  watch   - Follow one or more tasks until they finish
  monitor - Print every progress event the backend sends
  status  - Query the current state of tasks over REST
  am      - Manage taskstream configuration
  version - Show version information

Examples:
  taskstream watch 3f2c9a            # Spinner until the task finishes
  taskstream monitor --json          # Stream every event as JSON lines
  taskstream status 3f2c9a 77b1e0    # One-shot status table
  taskstream am show                 # Show effective configuration`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("log-json")
		if err := logger.InitializeWithVerbosity(verbosity, jsonLogs); err != nil {
			return errors.Wrap(err, "failed to initialize logger")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Write logs as JSON")
	rootCmd.PersistentFlags().String("base-url", "", "Backend base URL (overrides server.base_url)")

	rootCmd.AddCommand(commands.WatchCmd)
	rootCmd.AddCommand(commands.MonitorCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		pterm.Error.Println(err.Error())
		if hint := errors.FlattenHints(err); hint != "" {
			fmt.Fprintln(os.Stderr, "hint:", hint)
		}
		os.Exit(1)
	}
}
