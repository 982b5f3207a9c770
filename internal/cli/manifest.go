package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rohmanhakim/offline-cache/internal/fetcher"
	"github.com/rohmanhakim/offline-cache/internal/manifest"
	"github.com/rohmanhakim/offline-cache/pkg/urlutil"
	"github.com/spf13/cobra"
)

var pagePath = "/"

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Discover a page's asset lists and print them as config JSON.",
	Long: `manifest fetches one page of the origin and lists the same-origin assets it
references. Stylesheets and scripts become required assets; icons and images
become best-effort assets. The configured offline page is always required.

The output can be pasted into a config file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := InitConfigWithError()
		if err != nil {
			return err
		}
		rt, err := newRuntime(cfg, "manifest", cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer rt.Close()

		pageUrl, err := urlutil.Resolve(cfg.Origin(), pagePath)
		if err != nil {
			return fmt.Errorf("page %q: %w", pagePath, err)
		}
		response, ferr := rt.network.Fetch(context.Background(), fetcher.NewGetRequest(pageUrl))
		if ferr != nil {
			return fmt.Errorf("fetch page: %w", ferr)
		}
		if !response.OK() {
			return fmt.Errorf("fetch page: unexpected status %d", response.StatusCode())
		}

		discoverer := manifest.NewDiscoverer(rt.recorder)
		found, derr := discoverer.Discover(pageUrl, response.Body())
		if derr != nil {
			return fmt.Errorf("discover assets: %w", derr)
		}

		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(found.WithOfflinePage(cfg.OfflinePage()))
	},
}

func init() {
	manifestCmd.Flags().StringVar(&pagePath, "page", "/", "page to scan, relative to the origin")
	rootCmd.AddCommand(manifestCmd)
}
