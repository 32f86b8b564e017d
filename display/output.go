// Package display decides between human and machine output for CLI commands.
package display

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pixcore/taskstream/errors"
)

// OutputEnv forces JSON output when set to "json".
const OutputEnv = "TASKSTREAM_OUTPUT"

// ShouldOutputJSON reports whether cmd should print JSON lines instead of
// tables. An explicit --json flag wins over the environment.
func ShouldOutputJSON(cmd *cobra.Command) bool {
	if cmd != nil {
		if f := cmd.Flags().Lookup("json"); f != nil && f.Changed {
			v, _ := cmd.Flags().GetBool("json")
			return v
		}
	}
	return strings.EqualFold(strings.TrimSpace(os.Getenv(OutputEnv)), "json")
}

// WriteJSON writes v as one compact JSON line.
func WriteJSON(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "failed to encode JSON output")
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
