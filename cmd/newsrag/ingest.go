package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newIngestCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Fetch the configured feeds and index them once",
		Long: `Fetch every feed in ingestion.feeds (or RSS_FEEDS), embed the articles
and upsert them into the vector store.

Examples:
  RSS_FEEDS=https://feeds.bbci.co.uk/news/rss.xml newsrag ingest
  newsrag ingest --config newsrag.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			job, err := a.ingestJob()
			if err != nil {
				return err
			}
			if job == nil {
				return errors.New("no feeds configured: set ingestion.feeds or RSS_FEEDS")
			}
			n, err := job.RunOnce(ctx)
			if err != nil {
				return fmt.Errorf("ingestion failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d articles into %s\n", n, a.cfg.VectorStore.Collection)
			return nil
		},
	}
}
