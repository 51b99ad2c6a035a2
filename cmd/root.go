package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/cwbudde/gpustress/internal/logging"
)

var (
	logLevel  string
	logFormat string
	logger    *slog.Logger

	// console is shared by the logger and progress bars.
	console = logging.NewSyncWriter(os.Stdout)
)

var rootCmd = &cobra.Command{
	Use:   "gpustress",
	Short: "Stress test OpenCL devices and verify their results",
	Long: `gpustress keeps GPUs (and optionally CPUs) busy with a calibrated
compute kernel and checks every pass against a reference result, reporting
the first device that computes wrong values.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger = logging.New(console, logLevel, logFormat)
		slog.SetDefault(logger)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "Log format (json, text)")
}
