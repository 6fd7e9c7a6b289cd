package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/httprunner/MinerAgent/internal/env"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "mineragent",
	Short: "Fleet control for mining ASICs",
	Long:  `mineragent 扫描网段发现矿机，按分组或飞书表格切换矿池，批量重启，并巡检算力、温度与在线状态。`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(rootLogLevel)))
		if err != nil {
			return err
		}
		zerolog.SetGlobalLevel(level)
		return nil
	},
	SilenceUsage: true,
}

var (
	rootConfig   string
	rootLogLevel string
)

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.PersistentFlags().StringVar(&rootConfig, "config", "", "Fleet YAML file (default from MINER_FLEET_FILE)")
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.AddCommand(
		newScanCmd(),
		newSwitchCmd(),
		newConfigureCmd(),
		newRebootCmd(),
		newWatchCmd(),
		newRecordsCmd(),
		newDaemonCmd(),
		newServeCmd(),
	)
	_ = env.Ensure()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("mineragent command failed")
	}
}
