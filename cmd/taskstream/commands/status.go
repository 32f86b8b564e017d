package commands

import (
	"github.com/spf13/cobra"

	"github.com/pixcore/taskstream/display"
	"github.com/pixcore/taskstream/errors"
	"github.com/pixcore/taskstream/logger"
	"github.com/pixcore/taskstream/taskapi"
	"github.com/pixcore/taskstream/watch"
)

// StatusCmd queries task state over REST
var StatusCmd = &cobra.Command{
	Use:   "status <task-id>...",
	Short: "Show the current state of tasks",
	Long: `Query the status API once per task and print the result.

Examples:
  taskstream status 3f2c9a
  taskstream status 3f2c9a 77b1e0 --json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runStatus,
}

var statusJSON bool

func init() {
	StatusCmd.Flags().BoolVarP(&statusJSON, "json", "j", false, "Print events as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	api, err := taskapi.NewFromConfig(cfg, taskapi.WithLogger(logger.ComponentLogger("status")))
	if err != nil {
		return err
	}

	asJSON := display.ShouldOutputJSON(cmd)
	var states []watch.TaskState
	missing := 0
	for _, id := range dedupe(args) {
		ev, err := api.GetTask(cmd.Context(), id)
		if errors.IsNotFoundError(err) {
			missing++
			states = append(states, watch.StateOf(id, nil))
			continue
		}
		if err != nil {
			return err
		}

		if asJSON {
			if err := display.WriteJSON(cmd.OutOrStdout(), ev); err != nil {
				return err
			}
			continue
		}
		states = append(states, watch.StateOf(id, &ev))
	}

	if !asJSON {
		renderStates(states)
	}
	if missing > 0 {
		return errors.NewNotFoundError("%d of %d tasks not found", missing, len(dedupe(args)))
	}
	return nil
}
