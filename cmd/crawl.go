// Package cmd defines and implements the CLI commands for the crawl-engine
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
	"github.com/JakeFAU/crawl-engine/internal/server"
)

// newCrawlCmd creates and configures the 'crawl' subcommand.
func newCrawlCmd() *cobra.Command {
	var (
		serve bool
		seeds []string
		mode  string
	)
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawls from the configured seeds, resuming from the log",
		Long: `Replays the write-ahead log, re-queues unfinished pages, admits the seeds
and crawls until the frontier drains (offline mode) or a stop signal arrives
(online mode). With --serve the query API runs alongside the crawl.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			if len(seeds) > 0 {
				cfg.Crawler.Seeds = seeds
			}
			if mode != "" {
				cfg.Crawler.Mode = crawler.Mode(strings.ToLower(mode))
			}
			if err := cfg.Crawler.Validate(); err != nil {
				return err
			}
			return withApp(cmd, func(app App) error {
				if err := app.RunCrawl(cmd.Context(), serve); err != nil && !errors.Is(err, context.Canceled) {
					return fmt.Errorf("run crawl: %w", err)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&serve, "serve", false, "serve the query API while crawling")
	cmd.Flags().StringSliceVar(&seeds, "seed", nil, "seed URL (repeatable); replaces crawler.seeds")
	cmd.Flags().StringVar(&mode, "mode", "", "run mode: online or offline; overrides crawler.mode")
	return cmd
}

// newServeCmd creates the read-only 'serve' subcommand.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serves the search, text, summary and stats API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(app App) error {
				return app.Serve(cmd.Context())
			})
		},
	}
}

// newStatusCmd creates the 'status' subcommand, which replays the log and
// prints every page's state.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Prints page states recorded in the log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			opts := server.StoreOptionsFor(cfg)
			return server.WriteStatus(cmd.OutOrStdout(), cfg.Log.Path, opts)
		},
	}
}
