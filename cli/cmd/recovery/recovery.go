package recovery

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/compozy/taskengine/cli/helpers"
	"github.com/compozy/taskengine/engine/recovery"
	"github.com/compozy/taskengine/pkg/config"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

// NewRecoveryCommand groups the recovery file inspection commands.
func NewRecoveryCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "recovery",
		Short: "Inspect the recovery file",
	}
	c.AddCommand(newShowCommand())
	return c
}

func newShowCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "show",
		Short: "Print the in-flight progress stored in the recovery file",
		RunE:  runShow,
	}
	c.Flags().Bool("summary", false, "Print one line per task instead of the full state")
	c.Flags().String("file", "", "Recovery file to read instead of the configured one")
	return c
}

// TaskSummary is one line of `recovery show --summary`.
type TaskSummary struct {
	TaskID   string `json:"taskID"`
	Actions  int    `json:"actions"`
	Results  int    `json:"results"`
	Errors   int    `json:"errors"`
	Occurred int    `json:"occurred"`
}

func runShow(c *cobra.Command, _ []string) error {
	path, err := c.Flags().GetString("file")
	if err != nil {
		return fmt.Errorf("failed to get file flag: %w", err)
	}
	if path == "" {
		path = config.FromContext(c.Context()).Recovery.File
	}
	state, err := recovery.NewStore(afero.NewOsFs(), path).Load()
	if err != nil {
		return err
	}
	summary, err := c.Flags().GetBool("summary")
	if err != nil {
		return fmt.Errorf("failed to get summary flag: %w", err)
	}
	if !summary {
		data, err := recovery.Encode(state)
		if err != nil {
			return err
		}
		_, err = c.OutOrStdout().Write(data)
		return err
	}
	return helpers.WriteJSON(c.OutOrStdout(), Summarize(state))
}

// Summarize counts the persisted progress of every task, ordered by task id.
func Summarize(state recovery.State) []TaskSummary {
	out := make([]TaskSummary, 0, len(state))
	for taskID, actions := range state {
		s := TaskSummary{TaskID: taskID, Actions: len(actions)}
		for _, rec := range actions {
			s.Results += len(rec.Result)
			s.Errors += len(rec.Errors)
			s.Occurred += len(rec.Occurred)
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		a, errA := strconv.ParseInt(out[i].TaskID, 10, 64)
		b, errB := strconv.ParseInt(out[j].TaskID, 10, 64)
		if errA != nil || errB != nil {
			return out[i].TaskID < out[j].TaskID
		}
		return a < b
	})
	return out
}
