package cmd

import (
	"fmt"

	"github.com/rohmanhakim/offline-cache/internal/build"
	"github.com/spf13/cobra"
)

var buildInfoCmd = &cobra.Command{
	Use:   "build-info",
	Short: "Print the binary's version, commit and build time.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "offline-cache %s (built %s)\n", build.FullVersion(), build.BuildTime)
	},
}

func init() {
	rootCmd.AddCommand(buildInfoCmd)
}
