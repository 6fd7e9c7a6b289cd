package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newRecordsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Inspect persisted switch and metric history",
	}
	cmd.AddCommand(newSwitchRecordsCmd(), newMetricRecordsCmd(), newCleanupRecordsCmd())
	return cmd
}

func newSwitchRecordsCmd() *cobra.Command {
	var (
		flagAddress string
		flagLimit   int
	)
	cmd := &cobra.Command{
		Use:   "switches",
		Short: "List switch records, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			if rt.store == nil {
				return printJSON(cmd.OutOrStdout(), rt.fleet.Ledger().Records())
			}
			records, err := rt.store.SwitchHistory(cmd.Context(), flagAddress, flagLimit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), records)
		},
	}
	cmd.Flags().StringVar(&flagAddress, "address", "", "Only records for this device")
	cmd.Flags().IntVar(&flagLimit, "limit", 50, "Maximum records to print")
	return cmd
}

func newMetricRecordsCmd() *cobra.Command {
	var (
		flagAddress string
		flagSince   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Print sampled hashrate and temperature history",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			if rt.store == nil {
				return errors.New("storage is disabled; set MINER_DB_ENABLE=1")
			}
			to := time.Now()
			records, err := rt.store.QueryRecords(cmd.Context(), flagAddress, to.Add(-flagSince), to)
			if err != nil {
				return err
			}
			for _, r := range records {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %-16s %-8s %10.0f GH/s %5.1f°C\n",
					r.RecordedAt.Format(time.DateTime), r.Address, r.Status, r.Metrics.HashrateGHS, r.Metrics.TemperatureC)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flagAddress, "address", "", "Only samples for this device")
	cmd.Flags().DurationVar(&flagSince, "since", 24*time.Hour, "How far back to read")
	return cmd
}

func newCleanupRecordsCmd() *cobra.Command {
	var flagKeepDays int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete metric samples older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			if flagKeepDays <= 0 {
				flagKeepDays = rt.cfg.Storage.KeepDays
			}
			n, err := rt.cleanup(cmd.Context(), time.Now(), flagKeepDays)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d samples\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&flagKeepDays, "keep-days", 0, "Days of samples to keep (default from storage.keep_days)")
	return cmd
}
