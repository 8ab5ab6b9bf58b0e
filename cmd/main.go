package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	emuagent "github.com/httprunner/EmuAgent"
	"github.com/httprunner/EmuAgent/internal/env"
)

var rootCmd = &cobra.Command{
	Use:     "emuagent",
	Short:   "Drive automation routines across a pool of Android emulators",
	Long:    `emuagent 通过 adb 管理一组安卓模拟器：按设备/分组/全局范围启动与停止自动化例程，支持全局暂停与连接修复轮次，并将任务与设备状态上报到 SQLite、飞书多维表格、InfluxDB 与 MQTT。`,
	Version: emuagent.Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := zerolog.ParseLevel(rootLogLevel)
		if err != nil {
			return err
		}
		zerolog.SetGlobalLevel(level)
		return nil
	},
	SilenceUsage: true,
}

var (
	rootLogLevel string
	rootADBWait  string
)

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&rootADBWait, "adb-timeout", "", "Per-call adb timeout overriding $EMUAGENT_ADB_TIMEOUT")
	rootCmd.AddCommand(
		newRunCmd(),
		newDevicesCmd(),
		newConnectCmd(),
		newRoutinesCmd(),
	)
	_ = env.Ensure()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("emuagent command failed")
	}
}
