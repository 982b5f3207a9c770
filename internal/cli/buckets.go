package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var bucketsCmd = &cobra.Command{
	Use:   "buckets",
	Short: "List cache buckets and their entry counts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := InitConfigWithError()
		if err != nil {
			return err
		}
		rt, err := newRuntime(cfg, "buckets", cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer rt.Close()

		ctx := context.Background()
		names, cerr := rt.storage.Keys(ctx)
		if cerr != nil {
			return fmt.Errorf("list buckets: %w", cerr)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "BUCKET\tENTRIES\tCURRENT")
		for _, name := range names {
			bucket, cerr := rt.storage.Open(ctx, name)
			if cerr != nil {
				return fmt.Errorf("open bucket %s: %w", name, cerr)
			}
			keys, cerr := bucket.Keys(ctx)
			if cerr != nil {
				return fmt.Errorf("list entries of %s: %w", name, cerr)
			}
			current := ""
			if name == cfg.CacheName() {
				current = "*"
			}
			fmt.Fprintf(w, "%s\t%d\t%s\n", name, len(keys), current)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(bucketsCmd)
}
