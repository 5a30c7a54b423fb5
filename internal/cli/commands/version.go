package commands

import (
	"runtime"

	"github.com/spf13/cobra"

	"github.com/oilcast/featurepipe/internal/cli/output"
)

// NewVersionCommand creates the version command.
func NewVersionCommand(version, commit string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r := renderer(cmd)
			info := map[string]string{
				"version": version,
				"commit":  commit,
				"go":      runtime.Version(),
			}
			if r.EffectiveMode() == output.ModeJSON {
				return r.JSON(info)
			}
			r.Printf("featurepipe %s (%s, %s)\n", version, commit, runtime.Version())
			return nil
		},
	}
}
