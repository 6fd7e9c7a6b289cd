package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newRebootCmd() *cobra.Command {
	var (
		flagGroups []string
		flagRetry  bool
		flagJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "reboot [address...]",
		Short: "Send a reboot instruction to each device",
		Long:  "并发重启指定矿机，只报告指令是否被接受，不等待重新上线。",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			targets := append([]string(nil), args...)
			if len(flagGroups) > 0 {
				jobs, err := rt.groupJobs(flagGroups)
				if err != nil {
					return err
				}
				for _, job := range jobs {
					targets = append(targets, job.Targets...)
				}
			}
			if len(targets) == 0 {
				return errors.New("at least one address or --group is required")
			}
			policy := rt.cfg.RebootPolicy()
			if flagRetry {
				policy.RetryTransient = true
			}
			outcomes, err := rt.fleet.Reboot(cmd.Context(), targets, policy)
			if err != nil {
				return err
			}
			if rt.reporter != nil {
				_ = rt.reporter.ReportReboot(cmd.Context(), outcomes)
			}
			if flagJSON {
				if err := printJSON(cmd.OutOrStdout(), outcomes); err != nil {
					return err
				}
			} else {
				for _, addr := range sortedKeys(outcomes) {
					fmt.Fprintf(cmd.OutOrStdout(), "%-16s %s\n", addr, outcomes[addr])
				}
			}
			return outcomes.Err()
		},
	}

	cmd.Flags().StringSliceVar(&flagGroups, "group", nil, "Reboot every target of a switch group; repeatable")
	cmd.Flags().BoolVar(&flagRetry, "retry", false, "Retry once when the instruction never reached the device")
	cmd.Flags().BoolVar(&flagJSON, "json", false, "Print outcomes as JSON")
	return cmd
}
