package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/oshokin/lab-monitor/internal/config"
	"github.com/oshokin/lab-monitor/internal/logger"
	"github.com/oshokin/lab-monitor/internal/service/health"
	"github.com/oshokin/lab-monitor/internal/service/supervisor"
)

// Options controls the monitor process and configuration.
type Options struct {
	// ConfigPath specifies the path to settings YAML file.
	ConfigPath string
	// ListenAddress provides an optional listen address override for the HTTP API.
	ListenAddress string
	// LogLevel overrides the log level from settings when set.
	LogLevel string
}

const (
	// outputDirPermissions is used when creating the HLS output directory.
	outputDirPermissions = 0o750
	// readHeaderTimeout bounds slow clients on the HTTP API.
	readHeaderTimeout = 10 * time.Second
	// shutdownTimeout bounds draining HTTP requests and side actions.
	shutdownTimeout = 10 * time.Second
)

var errUnknownLogLevel = errors.New("unknown log level")

// Run starts the transcoder, its health monitor and the APIs, and blocks until
// ctx is canceled or one of the servers fails. The transcoder is stopped before returning.
//
//nolint:funlen // Startup and shutdown read best as one sequence.
func Run(ctx context.Context, opts *Options) error {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "lab-monitor")

	// Load configuration first to get server settings.
	settings, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	if opts.ListenAddress != "" {
		settings.ListenAddress = opts.ListenAddress
	}

	if err = applyLogLevel(settings.LogLevel, opts.LogLevel); err != nil {
		return err
	}

	if err = os.MkdirAll(settings.Stream.OutputDir, outputDirPermissions); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	if settings.Supervisor.ReapOrphans {
		reaped, reapErr := supervisor.ReapOrphans(ctx, settings.Stream.FFmpegPath)
		if reapErr != nil {
			logger.WarnKV(ctx, "Failed to reap orphaned transcoders", "error", reapErr)
		} else if reaped > 0 {
			logger.InfoKV(ctx, "Reaped orphaned transcoders", "count", reaped)
		}
	}

	// Build the stream supervisor, alerting and detection stack.
	app, err := newApplication(ctx, settings)
	if err != nil {
		return fmt.Errorf("initialise monitor: %w", err)
	}

	defer app.close(ctx)

	if err = app.supervisor.Start(ctx); err != nil {
		// A restart is already scheduled, keep serving.
		logger.ErrorKV(ctx, "Initial transcoder start failed", "error", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return app.monitor.Run(groupCtx)
	})

	group.Go(func() error {
		return serveHTTP(groupCtx, settings.ListenAddress, app.httpHandler)
	})

	if settings.GRPCAddress != "" {
		group.Go(func() error {
			return serveGRPC(groupCtx, settings.GRPCAddress, app.healthServer)
		})
	}

	logger.InfoKV(ctx, "Lab monitor running",
		"listen_address", settings.ListenAddress,
		"grpc_address", settings.GRPCAddress,
		"source", redactURL(settings.Stream.SourceURL),
		"output_dir", settings.Stream.OutputDir)

	err = group.Wait()

	// Shutdown must finish even though ctx is already canceled.
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settings.Supervisor.StopTimeout+shutdownTimeout)
	defer cancel()

	app.shutdown(stopCtx)

	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info(ctx, "Lab monitor stopped")

	return nil
}

// applyLogLevel sets the log level from the override or from settings.
func applyLogLevel(fromSettings, override string) error {
	name := fromSettings
	if override != "" {
		name = override
	}

	level, ok := logger.ParseLogLevel(name)
	if !ok {
		return fmt.Errorf("%w: %q", errUnknownLogLevel, name)
	}

	logger.SetLevel(level)

	return nil
}

// serveHTTP runs the HTTP API until ctx is canceled.
func serveHTTP(ctx context.Context, address string, handler http.Handler) error {
	ctx = logger.WithName(ctx, "http")

	lc := net.ListenConfig{}

	lis, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", address, err)
	}

	// Requests in flight at shutdown run to completion while Shutdown drains them.
	requestCtx := context.WithoutCancel(ctx)

	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext: func(net.Listener) context.Context {
			return requestCtx
		},
	}

	// Done channel is closed after Shutdown finishes to ensure we block
	// until the server fully stops before returning.
	done := make(chan struct{})

	go func() {
		defer close(done)

		<-ctx.Done()
		logger.Info(ctx, "Shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.WarnKV(ctx, "HTTP shutdown incomplete", "error", shutdownErr)
		}
	}()

	logger.InfoKV(ctx, "HTTP API listening", "listen_address", lis.Addr().String())

	if err = server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve HTTP: %w", err)
	}

	<-done
	logger.Info(ctx, "HTTP server stopped")

	return nil
}

// serveGRPC runs the gRPC health service until ctx is canceled.
func serveGRPC(ctx context.Context, address string, healthServer *grpchealth.Server) error {
	ctx = logger.WithName(ctx, "grpc")

	lc := net.ListenConfig{}

	lis, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", address, err)
	}

	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	done := make(chan struct{})

	go func() {
		<-ctx.Done()
		logger.Info(ctx, "Shutting down gRPC server")
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		close(done)
	}()

	logger.InfoKV(ctx, "gRPC health listening", "listen_address", lis.Addr().String(), "service", health.ServiceName)

	if err = grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve gRPC: %w", err)
	}

	<-done
	logger.Info(ctx, "GRPC server stopped")

	return nil
}
