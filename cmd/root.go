// Package cmd implements the sitebrief command line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sitebrief",
		Short: "Turn a web site into one document and ask questions about it.",
		Long: `sitebrief crawls a site breadth-first, flattens the pages into a single
structured text document, and answers questions about it through an
OpenAI-compatible model. Documents are cached so repeat requests skip
the crawl.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./sitebrief.yaml)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newCacheCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
