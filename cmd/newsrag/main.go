// Newsrag answers questions about recent news over a chat API.
//
// Articles are pulled from RSS feeds, embedded and stored in a vector
// index. Each chat message is answered from the closest articles and kept
// in a short-lived session history.
//
// Usage:
//
//	# Start the server
//	newsrag serve --config newsrag.yaml
//
//	# Index the configured feeds once
//	RSS_FEEDS=https://feeds.bbci.co.uk/news/rss.xml newsrag ingest
//
//	# Ask a one-off question
//	newsrag ask "What happened in the markets today?"
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/newsrag/internal/config"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "newsrag",
		Short: "News question answering over a chat API",
		Long: `newsrag indexes news feeds into a vector store and answers chat
questions grounded in the retrieved articles.

Configuration comes from an optional YAML file overlaid with environment
variables (SECTION_FIELD, e.g. SESSION_TTL=3600). A .env file in the working
directory is loaded first.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(opts.envFile); err != nil {
				return fmt.Errorf("loading env file: %w", err)
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file to load before reading config")

	cmd.AddCommand(
		newServeCmd(opts),
		newIngestCmd(opts),
		newAskCmd(opts),
		newSessionsCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "newsrag by Fyrsmith Labs\n")
			fmt.Fprintf(out, "Version:    %s\n", version)
			fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
			fmt.Fprintf(out, "Build Date: %s\n", buildDate)
		},
	}
}
