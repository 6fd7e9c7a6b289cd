package main

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newScanCmd() *cobra.Command {
	var (
		flagRanges      []string
		flagConcurrency int
		flagJSON        bool
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Discover miners in the configured IP ranges",
		Long:  "按网段探测矿机并识别厂商，更新本地清单；未响应的已知矿机标记为离线。",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			ranges := flagRanges
			if len(ranges) == 0 {
				ranges = rt.cfg.Ranges
			}
			if len(ranges) == 0 {
				return errors.New("--range or ranges in the fleet file is required")
			}
			concurrency := flagConcurrency
			if concurrency <= 0 {
				concurrency = rt.cfg.Scan.Concurrency
			}
			summary, err := rt.fleet.Scan(cmd.Context(), ranges, concurrency)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(cmd.OutOrStdout(), summary)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "probed %d, found %d, failed %d, skipped %d in %s\n",
				summary.Probed, summary.Found, summary.Failed, summary.Skipped, summary.Duration)
			for vendor, n := range summary.VendorCounts() {
				fmt.Fprintf(out, "  %-10s %d\n", vendor, n)
			}
			for _, m := range summary.Machines {
				fmt.Fprintf(out, "%-16s %-9s %-8s %-14s %10.0f GH/s %5.1f°C\n",
					m.Address, m.Vendor, m.Status, m.Model, m.Metrics.HashrateGHS, m.Metrics.TemperatureC)
			}
			if summary.Cancelled {
				log.Warn().Msg("scan cancelled before all addresses were probed")
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&flagRanges, "range", nil, "CIDR, dash range or single IP; repeatable (default from ranges)")
	cmd.Flags().IntVar(&flagConcurrency, "concurrency", 0, "Maximum in-flight probes (default from scan.concurrency)")
	cmd.Flags().BoolVar(&flagJSON, "json", false, "Print the scan summary as JSON")
	return cmd
}
