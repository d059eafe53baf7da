package cmd

import (
	"github.com/spf13/cobra"
)

const configFlag = "config"

// RootCmd is the root Cobra command that gets called from the main func.
// All other sub-commands should be registered here.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "tuner",
		Short:        "tuner runs distributed training experiments and hyperband searches on Kubernetes.",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringSlice(configFlag, nil, "Config files merged over the defaults, in order")

	cmd.AddCommand(
		runCmd(),
		versionCmd(),
	)
	return cmd
}
