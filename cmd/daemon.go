package main

import (
	"context"
	"fmt"
	"time"

	"github.com/httprunner/MinerAgent/internal/api"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// cronLogger routes cron's own logging through zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}

func newDaemonCmd() *cobra.Command {
	var (
		flagListen string
		flagSheet  bool
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run scan, switch, watch and cleanup on cron schedules",
		Long:  "常驻运行：按 schedule 配置定时扫描、切换矿池、巡检和清理历史数据；可选同时提供 HTTP API。",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			if len(rt.cfg.Ranges) > 0 {
				if _, err := rt.fleet.Scan(ctx, rt.cfg.Ranges, rt.cfg.Scan.Concurrency); err != nil {
					return err
				}
			}
			useSheet := flagSheet || rt.sheet != nil
			c, err := rt.scheduler(ctx, useSheet)
			if err != nil {
				return err
			}
			c.Start()
			defer func() {
				<-c.Stop().Done()
				log.Info().Msg("daemon stopped")
			}()

			if flagListen != "" {
				srv, err := api.NewServer(rt.apiOptions())
				if err != nil {
					return err
				}
				return srv.Run(ctx, flagListen)
			}
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&flagListen, "listen", "", "Also serve the HTTP API on this address, e.g. :8080")
	cmd.Flags().BoolVar(&flagSheet, "sheet", false, "Plan switch groups from the Feishu spreadsheet")
	return cmd
}

// scheduler registers one cron job per non-empty schedule spec.
func (rt *runtime) scheduler(ctx context.Context, useSheet bool) (*cron.Cron, error) {
	logger := cronLogger{}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	sched := rt.cfg.Schedule
	jobs := []struct {
		name string
		spec string
		run  func(ctx context.Context) error
	}{
		{"scan", sched.Scan, func(ctx context.Context) error {
			if len(rt.cfg.Ranges) == 0 {
				return nil
			}
			_, err := rt.fleet.Scan(ctx, rt.cfg.Ranges, rt.cfg.Scan.Concurrency)
			return err
		}},
		{"switch", sched.Switch, func(ctx context.Context) error {
			var (
				jobs []switchJob
				err  error
			)
			if useSheet {
				jobs, err = rt.sheetJobs(ctx, time.Now())
			} else if len(rt.cfg.Groups) > 0 {
				jobs, err = rt.groupJobs(nil)
			}
			if err != nil || len(jobs) == 0 {
				return err
			}
			outcomes, err := rt.runSwitchJobs(ctx, jobs, rt.cfg.SwitchPolicy())
			if err != nil {
				return err
			}
			return outcomes.Err()
		}},
		{"watch", sched.Watch, func(ctx context.Context) error {
			_, err := rt.fleet.Watch(ctx, time.Now())
			return err
		}},
		{"cleanup", sched.Cleanup, func(ctx context.Context) error {
			_, err := rt.cleanup(ctx, time.Now(), rt.cfg.Storage.KeepDays)
			return err
		}},
	}
	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		job := job
		if _, err := c.AddFunc(job.spec, func() {
			start := time.Now()
			if err := job.run(ctx); err != nil {
				log.Error().Err(err).Str("job", job.name).Msg("scheduled job failed")
				return
			}
			log.Debug().Str("job", job.name).Dur("elapsed", time.Since(start)).Msg("scheduled job finished")
		}); err != nil {
			return nil, errors.Wrapf(err, "schedule %s %q", job.name, job.spec)
		}
		log.Info().Str("job", job.name).Str("spec", job.spec).Msg("job scheduled")
	}
	return c, nil
}

// cleanup drops samples and ledger entries older than keepDays.
func (rt *runtime) cleanup(ctx context.Context, now time.Time, keepDays int) (int64, error) {
	if keepDays <= 0 {
		return 0, nil
	}
	maxAge := time.Duration(keepDays) * 24 * time.Hour
	pruned := rt.fleet.Ledger().Prune(now, maxAge)
	if rt.store == nil {
		return 0, nil
	}
	n, err := rt.store.ClearRecordsBefore(ctx, now.Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("clear metric records: %w", err)
	}
	log.Info().Int64("samples", n).Int("ledger", pruned).Int("keep_days", keepDays).Msg("history cleaned up")
	return n, nil
}
