package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/lab-monitor/internal/config"
	"github.com/oshokin/lab-monitor/internal/logger"
	"github.com/oshokin/lab-monitor/internal/service/server"
	"github.com/oshokin/lab-monitor/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string
	// logLevel overrides log_level from the configuration file.
	logLevel string

	// rootCmd represents the base command for running the monitor.
	rootCmd = &cobra.Command{
		Use:   "lab-monitor [listen-address]",
		Short: "Keep a camera stream transcoding to HLS and act on detections.",
		Long: `Starts the lab monitor: an ffmpeg process converting the RTSP camera stream into
HLS segments, a health monitor restarting it when the playlist disappears, and an
HTTP API forwarding frames to the detection service.

Detections trigger alerts (mail and/or MQTT), recording and snapshots depending on
the operator toggles. The listen address argument overrides listen_addr from the
configuration file (e.g., :3000, 0.0.0.0:8080).`,
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, args []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			defer logger.Sync()

			// Use listen address argument if provided, otherwise rely on config.
			var listenAddress string
			if len(args) > 0 {
				listenAddress = args[0]
			}

			options := &server.Options{
				ConfigPath:    configPath,
				ListenAddress: listenAddress,
				LogLevel:      logLevel,
			}

			return server.Run(ctx, options)
		},
	}
)

// Execute runs the lab-monitor CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)
	rootCmd.AddCommand(newInitCommand(), newTokenCommand(), newProbeCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	rootCmd.PersistentFlags().
		StringVarP(&configPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
	rootCmd.Flags().StringVarP(&logLevel, "log-level", "l", "", "log level: debug, info, warn, error")
}
