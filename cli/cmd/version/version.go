package version

import (
	"fmt"

	"github.com/compozy/taskengine/pkg/version"
	"github.com/spf13/cobra"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		RunE: func(c *cobra.Command, _ []string) error {
			info := version.Get()
			_, err := fmt.Fprintf(c.OutOrStdout(), "taskengine %s (commit %s, built %s)\n",
				info.Version, info.CommitHash, info.BuildDate)
			return err
		},
	}
}
