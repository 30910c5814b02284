package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the document cache",
	}
	cmd.AddCommand(newCacheStatsCmd())
	cmd.AddCommand(newCacheEvictCmd())
	return cmd
}

func newCacheStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print cache aggregates as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := buildRuntime(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.close()

			stats, err := rt.svc.CacheStats(cmd.Context())
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(stats, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func newCacheEvictCmd() *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "evict",
		Short: "Remove documents idle longer than the retention window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := buildRuntime(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.close()

			if days <= 0 {
				days = rt.cfg.Cache.RetentionDays
			}
			removed, err := rt.svc.EvictCache(cmd.Context(), days)
			if err != nil {
				return err
			}
			rt.logger.Info("eviction finished", zap.Int("days", days), zap.Int64("removed", removed))
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d documents\n", removed)
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 0, "idle age in days (0 uses the configured retention)")
	return cmd
}
