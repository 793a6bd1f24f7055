package workflow

import (
	"errors"
	"fmt"

	"github.com/compozy/taskengine/engine/workflow"
	"github.com/compozy/taskengine/pkg/config"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

// ErrInvalidRules is returned by `workflow check` when issues were found.
var ErrInvalidRules = errors.New("workflow rules have issues")

// NewWorkflowCommand groups the workflow rule commands.
func NewWorkflowCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "workflow",
		Short: "Manage workflow notification rules",
	}
	c.AddCommand(newCheckCommand())
	return c
}

func newCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check [file]",
		Short: "Validate a workflow rules file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runCheck,
	}
}

func runCheck(c *cobra.Command, args []string) error {
	path := config.FromContext(c.Context()).Workflow.File
	if len(args) == 1 {
		path = args[0]
	}
	return Check(afero.NewOsFs(), path, c)
}

// Check validates the rules at path and reports each issue on the command's
// output.
func Check(fsys afero.Fs, path string, c *cobra.Command) error {
	f, err := workflow.ParseFile(fsys, path)
	if err != nil {
		return err
	}
	issues := f.Validate()
	out := c.OutOrStdout()
	for _, issue := range issues {
		fmt.Fprintln(out, issue.String())
	}
	if len(issues) > 0 {
		return fmt.Errorf("%s: %d issue(s): %w", path, len(issues), ErrInvalidRules)
	}
	rules := 0
	for _, r := range f.Roles {
		rules += len(r)
	}
	fmt.Fprintf(out, "%s: %d role(s), %d rule(s), no issues\n", path, len(f.Roles), rules)
	return nil
}
