package commands

import (
	"github.com/spf13/cobra"

	"github.com/pixcore/taskstream/am"
	"github.com/pixcore/taskstream/errors"
	"github.com/pixcore/taskstream/progress"
)

// ErrTasksFailed is returned by watch when a followed task did not succeed,
// so the process exits non-zero.
var ErrTasksFailed = errors.New("one or more tasks did not succeed")

// loadConfig loads the configuration and applies the --base-url override.
func loadConfig(cmd *cobra.Command) (*am.Config, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}

	override, _ := cmd.Flags().GetString("base-url")
	if override == "" {
		return cfg, nil
	}
	cp := *cfg
	cp.Server.BaseURL = override
	if err := cp.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid --base-url")
	}
	return &cp, nil
}

// progressClient returns the process-wide client, built from cfg when the
// base URL was overridden on the command line.
func progressClient(cmd *cobra.Command, cfg *am.Config) (*progress.Client, error) {
	if override, _ := cmd.Flags().GetString("base-url"); override == "" {
		return progress.Default()
	}
	c, err := progress.New(cfg.Server.BaseURL, progress.OptionsFromConfig(cfg)...)
	if err != nil {
		return nil, err
	}
	progress.SetDefault(c)
	return c, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func connectHint(err error, cfg *am.Config) error {
	return errors.WithHintf(err, "is the Pixcore backend running at %s?", cfg.Server.BaseURL)
}
