package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	mineragent "github.com/httprunner/MinerAgent"
	"github.com/httprunner/MinerAgent/pkg/miner"
	"github.com/spf13/cobra"
)

func newSwitchCmd() *cobra.Command {
	var (
		flagSheet bool
		flagForce bool
		flagJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "switch [group...]",
		Short: "Move miners to their desired pools when they are not already there",
		Long:  "按分组（或飞书表格当前时段的账户）检查矿机主矿池，不一致时切换；冷却期内的机器跳过。",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			var jobs []switchJob
			if flagSheet {
				jobs, err = rt.sheetJobs(cmd.Context(), time.Now())
			} else {
				jobs, err = rt.groupJobs(args)
			}
			if err != nil {
				return err
			}
			policy := rt.cfg.SwitchPolicy()
			policy.Force = flagForce
			outcomes, err := rt.runSwitchJobs(cmd.Context(), jobs, policy)
			if err != nil {
				return err
			}
			if flagJSON {
				if err := printJSON(cmd.OutOrStdout(), outcomes); err != nil {
					return err
				}
			} else {
				printSwitchOutcomes(cmd.OutOrStdout(), outcomes)
			}
			return outcomes.Err()
		},
	}

	cmd.Flags().BoolVar(&flagSheet, "sheet", false, "Plan groups from the Feishu spreadsheet instead of the fleet file")
	cmd.Flags().BoolVar(&flagForce, "force", false, "Apply pools even when already configured or cooling down")
	cmd.Flags().BoolVar(&flagJSON, "json", false, "Print outcomes as JSON")
	return cmd
}

func newConfigureCmd() *cobra.Command {
	var (
		flagTargets  []string
		flagPools    []string
		flagPassword string
		flagWorkMode string
		flagJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "configure [group...]",
		Short: "Write pools to every target unconditionally",
		Long:  "批量下发矿池配置，不检查当前状态与冷却期。",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			var jobs []switchJob
			if len(flagTargets) > 0 {
				pools, err := parsePoolFlags(flagPools, flagPassword)
				if err != nil {
					return err
				}
				mode, err := miner.ParseWorkMode(flagWorkMode)
				if err != nil {
					return err
				}
				jobs = []switchJob{{Name: "adhoc", Targets: flagTargets, Pools: pools, WorkMode: mode}}
			} else {
				jobs, err = rt.groupJobs(args)
				if err != nil {
					return err
				}
			}

			total := 0
			merged := make(mineragent.SwitchOutcomes)
			for _, job := range jobs {
				policy := rt.cfg.SwitchPolicy()
				policy.WorkMode = job.WorkMode
				n, outcomes, err := rt.fleet.Configure(cmd.Context(), job.Targets, job.Pools, policy)
				if err != nil {
					return fmt.Errorf("group %s: %w", job.Name, err)
				}
				total += n
				for addr, o := range outcomes {
					merged[addr] = o
				}
			}
			if rt.reporter != nil {
				_ = rt.reporter.ReportSwitch(cmd.Context(), merged)
			}
			if flagJSON {
				if err := printJSON(cmd.OutOrStdout(), merged); err != nil {
					return err
				}
			} else {
				printSwitchOutcomes(cmd.OutOrStdout(), merged)
				fmt.Fprintf(cmd.OutOrStdout(), "configured %d/%d\n", total, len(merged))
			}
			return merged.Err()
		},
	}

	cmd.Flags().StringSliceVar(&flagTargets, "target", nil, "Device address; repeatable (overrides groups)")
	cmd.Flags().StringArrayVar(&flagPools, "pool", nil, "Pool as url,account; repeatable, in priority order")
	cmd.Flags().StringVar(&flagPassword, "password", "x", "Pool password for --pool entries")
	cmd.Flags().StringVar(&flagWorkMode, "work-mode", "", "Work mode for --target devices that support it: normal or high")
	cmd.Flags().BoolVar(&flagJSON, "json", false, "Print outcomes as JSON")
	return cmd
}

// parsePoolFlags turns "url,account" entries into an ordered pool list.
func parsePoolFlags(raw []string, password string) ([]miner.PoolConfig, error) {
	if len(raw) == 0 {
		return nil, errors.New("--pool is required with --target")
	}
	if len(raw) > 3 {
		return nil, errors.New("at most 3 pools are supported")
	}
	pools := make([]miner.PoolConfig, 0, len(raw))
	for i, item := range raw {
		parts := strings.SplitN(item, ",", 2)
		if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
			return nil, fmt.Errorf("invalid --pool %q, want url,account", item)
		}
		pools = append(pools, miner.PoolConfig{
			URL:      strings.TrimSpace(parts[0]),
			Account:  strings.TrimSpace(parts[1]),
			Password: password,
			Priority: i,
		})
	}
	return pools, nil
}

func printSwitchOutcomes(w io.Writer, outcomes mineragent.SwitchOutcomes) {
	for _, addr := range sortedKeys(outcomes) {
		o := outcomes[addr]
		line := fmt.Sprintf("%-16s %-12s", addr, o.Kind)
		if o.Reason != "" {
			line += " " + string(o.Reason)
		}
		if o.Error != "" {
			line += " " + o.Error
		}
		fmt.Fprintln(w, line)
	}
}
