package main

import (
	"time"

	"github.com/httprunner/MinerAgent/internal/api"
	"github.com/httprunner/MinerAgent/internal/env"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var (
		flagListen  string
		flagTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the fleet HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			opts := rt.apiOptions()
			opts.RequestTimeout = flagTimeout
			srv, err := api.NewServer(opts)
			if err != nil {
				return err
			}
			return srv.Run(cmd.Context(), firstNonEmpty(flagListen, env.String("MINER_API_LISTEN", ""), ":8080"))
		},
	}

	cmd.Flags().StringVar(&flagListen, "listen", "", "Listen address (default from MINER_API_LISTEN or :8080)")
	cmd.Flags().DurationVar(&flagTimeout, "request-timeout", 5*time.Minute, "Upper bound for one fleet operation")
	return cmd
}

func (rt *runtime) apiOptions() api.Options {
	opts := api.Options{
		Fleet:           rt.fleet,
		SwitchPolicy:    rt.cfg.SwitchPolicy(),
		RebootPolicy:    rt.cfg.RebootPolicy(),
		ScanConcurrency: rt.cfg.Scan.Concurrency,
	}
	if rt.store != nil {
		opts.History = rt.store
	}
	return opts
}
