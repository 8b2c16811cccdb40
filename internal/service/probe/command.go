package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/oshokin/lab-monitor/internal/client/healthcheck"
	"github.com/oshokin/lab-monitor/internal/config"
	"github.com/oshokin/lab-monitor/internal/logger"
	"github.com/oshokin/lab-monitor/internal/service/health"
)

// Options controls the probe.
type Options struct {
	// ConfigPath is read for grpc_addr when Address is empty.
	ConfigPath string
	// Address overrides grpc_addr from the configuration file.
	Address string
	// Interval repeats the check until the context ends. Zero checks once.
	Interval time.Duration
	// Timeout bounds each check.
	Timeout time.Duration
}

var (
	// ErrNotServing is returned by a single check when the stream is down.
	ErrNotServing = errors.New("stream is not serving")
	// errNoAddress is returned when neither the flag nor the settings name a gRPC address.
	errNoAddress = errors.New("grpc address is not set: pass it as an argument or set grpc_addr")
)

// Run checks the stream health of a running monitor.
func Run(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "probe")

	address, err := resolveAddress(opts)
	if err != nil {
		return err
	}

	client, err := healthcheck.Dial(ctx, address, healthcheck.WithCallTimeout(opts.Timeout))
	if err != nil {
		return err
	}

	defer func() {
		_ = client.Close()
	}()

	if opts.Interval <= 0 {
		return checkOnce(ctx, client, address)
	}

	logger.InfoKV(ctx, "Watching stream health", "address", address, "interval", opts.Interval.String())

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for {
		if err = checkOnce(ctx, client, address); err != nil && !errors.Is(err, ErrNotServing) {
			logger.ErrorKV(ctx, "Health check failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func resolveAddress(opts *Options) (string, error) {
	if opts.Address != "" {
		return opts.Address, nil
	}

	settings, err := config.Load(opts.ConfigPath)
	if err != nil {
		return "", fmt.Errorf("load configuration: %w", err)
	}

	if settings.GRPCAddress == "" {
		return "", errNoAddress
	}

	return settings.GRPCAddress, nil
}

// checkOnce logs the current status and returns ErrNotServing unless it is SERVING.
func checkOnce(ctx context.Context, client *healthcheck.Client, address string) error {
	status, err := client.Check(ctx, health.ServiceName)
	if err != nil {
		return err
	}

	if status != healthpb.HealthCheckResponse_SERVING {
		logger.WarnKV(ctx, "Stream down", "address", address, "status", status.String())

		return ErrNotServing
	}

	logger.InfoKV(ctx, "Stream serving", "address", address)

	return nil
}
