package main

import (
	"fmt"
	"time"

	"github.com/httprunner/MinerAgent/pkg/notify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newWatchCmd() *cobra.Command {
	var flagInterval time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll known miners and report status or threshold changes",
		Long:  "巡检清单中的矿机，状态变化或算力/温度越限时告警；--interval 为 0 时只执行一轮。",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			if rt.fleet.Inventory().Len() == 0 && len(rt.cfg.Ranges) > 0 {
				if _, err := rt.fleet.Scan(cmd.Context(), rt.cfg.Ranges, rt.cfg.Scan.Concurrency); err != nil {
					return err
				}
			}

			tick := func(now time.Time) error {
				alerts, err := rt.fleet.Watch(cmd.Context(), now)
				if err != nil {
					return err
				}
				for _, a := range alerts {
					fmt.Fprintln(cmd.OutOrStdout(), notify.FormatAlert(a))
				}
				return nil
			}
			if err := tick(time.Now()); err != nil || flagInterval <= 0 {
				return err
			}

			ticker := time.NewTicker(flagInterval)
			defer ticker.Stop()
			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case now := <-ticker.C:
					if err := tick(now); err != nil {
						log.Error().Err(err).Msg("watch tick failed")
					}
				}
			}
		},
	}

	cmd.Flags().DurationVar(&flagInterval, "interval", 0, "Repeat every interval until interrupted")
	return cmd
}
