package run

import (
	"context"
	"fmt"

	"github.com/compozy/taskengine/cli/cmd"
	"github.com/compozy/taskengine/cli/helpers"
	"github.com/compozy/taskengine/engine/runner"
	"github.com/compozy/taskengine/engine/task"
	"github.com/compozy/taskengine/pkg/config"
	"github.com/spf13/cobra"
)

// NewRunCommand creates the one-shot task run command.
func NewRunCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "run",
		Short: "Run the action chain of one task and print its results",
		Example: "  taskengine run --task 42 --user alice --var HOST=web1\n" +
			"  taskengine run --task 42 --action 7 --action 9",
		RunE: runTask,
	}
	flags := c.Flags()
	flags.Int64("task", 0, "Task id")
	flags.String("user", "", "User the task runs as; empty skips the visibility check")
	flags.StringToString("var", nil, "Variable substituted into %:NAME:% tokens (NAME=value)")
	flags.Int64Slice("action", nil, "Restrict the run to these task action ids")
	flags.Duration("action-request-timeout", 0, "Timeout of one action invocation")
	flags.Bool("mark-started", false, "Record the task as already started before running it")
	_ = c.MarkFlagRequired("task")
	return c
}

// Output is what the run command prints.
type Output struct {
	TaskID  int64        `json:"taskID"`
	Results task.Results `json:"results"`
	Error   string       `json:"error,omitempty"`
}

func runTask(c *cobra.Command, _ []string) error {
	ctx := c.Context()
	params, err := paramsFromFlags(c)
	if err != nil {
		return err
	}
	app, err := cmd.BuildApp(ctx, config.FromContext(ctx), cmd.AppOptions{})
	if err != nil {
		return err
	}
	defer app.Close(context.WithoutCancel(ctx))
	results, runErr := app.Engine.RunTaskSync(ctx, params)
	app.Engine.Wait()
	out := Output{TaskID: params.TaskID, Results: results}
	if runErr != nil {
		out.Error = runErr.Error()
	}
	if err := helpers.WriteJSON(c.OutOrStdout(), out); err != nil {
		return err
	}
	return runErr
}

func paramsFromFlags(c *cobra.Command) (runner.RunParams, error) {
	flags := c.Flags()
	taskID, err := flags.GetInt64("task")
	if err != nil {
		return runner.RunParams{}, fmt.Errorf("failed to get task flag: %w", err)
	}
	user, err := flags.GetString("user")
	if err != nil {
		return runner.RunParams{}, fmt.Errorf("failed to get user flag: %w", err)
	}
	vars, err := flags.GetStringToString("var")
	if err != nil {
		return runner.RunParams{}, fmt.Errorf("failed to get var flag: %w", err)
	}
	actions, err := flags.GetInt64Slice("action")
	if err != nil {
		return runner.RunParams{}, fmt.Errorf("failed to get action flag: %w", err)
	}
	p := runner.RunParams{
		TaskID:              taskID,
		UserName:            user,
		Variables:           vars,
		FilterTaskActionIDs: actions,
	}
	markStarted, err := flags.GetBool("mark-started")
	if err != nil {
		return runner.RunParams{}, fmt.Errorf("failed to get mark-started flag: %w", err)
	}
	if markStarted {
		runType := task.RunNow
		p.RunType = &runType
	}
	return p, nil
}
