package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/lab-monitor/internal/client/healthcheck"
	"github.com/oshokin/lab-monitor/internal/service/probe"
)

// newProbeCommand builds the `probe` subcommand querying a running monitor.
func newProbeCommand() *cobra.Command {
	var opts probe.Options

	command := &cobra.Command{
		Use:   "probe [grpc-address]",
		Short: "Check the stream health of a running monitor over gRPC.",
		Long: `Asks the gRPC health service of a running monitor whether the stream is serving.
The address argument overrides grpc_addr from the configuration file.
Exits non-zero when the stream is down. With --watch the check repeats until interrupted.`,
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			opts.ConfigPath = configPath

			if len(args) > 0 {
				opts.Address = args[0]
			}

			return probe.Run(ctx, &opts)
		},
	}

	command.Flags().DurationVarP(&opts.Interval, "watch", "w", 0, "repeat the check at this interval")
	command.Flags().DurationVarP(&opts.Timeout, "timeout", "t", healthcheck.DefaultCallTimeout, "timeout for each check")

	return command
}
