package helpers

import (
	"github.com/compozy/taskengine/pkg/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// ExtractCLIFlags returns the changed flags that are bound to a configuration
// path. Values are kept as strings; the loader decodes them weakly.
func ExtractCLIFlags(cmd *cobra.Command) map[string]any {
	out := make(map[string]any)
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if _, ok := config.CLIFlagPath(f.Name); ok {
			out[f.Name] = f.Value.String()
		}
	})
	return out
}
