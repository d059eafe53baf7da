package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X github.com/G-Research/tuner/cmd/tuner/cmd.version=...".
var (
	version = "dev"
	commit  = "none"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Version: %s\nCommit: %s\nGo version: %s\n", version, commit, runtime.Version())
		},
	}
}
