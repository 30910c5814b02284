package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/osokin/sitebrief/internal/session"
)

func newCrawlCmd() *cobra.Command {
	var (
		single   bool
		maxPages int
		output   string
		userID   string
	)

	cmd := &cobra.Command{
		Use:   "crawl <url>",
		Short: "Crawl a site into one document and print or save it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.close()

			user := session.UserInfo{ExternalID: userID}
			res, err := rt.svc.Process(cmd.Context(), user, args[0], single, maxPages)
			if err != nil {
				return err
			}

			rt.logger.Info("document ready",
				zap.String("url", res.URL),
				zap.String("variant", string(res.Variant)),
				zap.Int("pages_processed", res.PagesProcessed),
				zap.Int("page_errors", res.PageErrors),
				zap.Bool("cached", res.Cached))

			if output != "" {
				if err := os.WriteFile(output, []byte(res.Document), 0o644); err != nil {
					return fmt.Errorf("write output: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), output)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Document)
			return nil
		},
	}

	cmd.Flags().BoolVar(&single, "single", false, "process only the given page, not the whole site")
	cmd.Flags().IntVar(&maxPages, "max-pages", 0, "page limit for the crawl (0 uses the configured default)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the document to a file instead of stdout")
	cmd.Flags().StringVar(&userID, "user", "cli", "user id for rate limiting and sessions")
	return cmd
}
