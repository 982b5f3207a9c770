package cmd

import (
	"context"
	"fmt"

	"github.com/rohmanhakim/offline-cache/internal/host"
	"github.com/spf13/cobra"
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install and activate the configured controller once, then exit.",
	Long: `install runs the install and activate phases of the configured controller
against the configured storage. On success the versioned bucket holds every
required asset and all other buckets are gone.

With the memory backend nothing outlives the process, so this is mostly
useful with --storage disk or --storage sqlite.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := InitConfigWithError()
		if err != nil {
			return err
		}
		rt, err := newRuntime(cfg, "install", cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer rt.Close()

		registry := host.NewRegistry(rt.recorder)
		if err := registerController(context.Background(), rt, registry); err != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "Failure! %s\n", err)
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Success! %s is active with cache %s\n", cfg.Version(), cfg.CacheName())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(installCmd)
}
