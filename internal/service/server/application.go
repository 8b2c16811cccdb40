package server

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"

	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	api "github.com/oshokin/lab-monitor/internal/api/http/monitor"
	"github.com/oshokin/lab-monitor/internal/client/detection"
	"github.com/oshokin/lab-monitor/internal/config"
	domain "github.com/oshokin/lab-monitor/internal/domain/monitor"
	"github.com/oshokin/lab-monitor/internal/logger"
	"github.com/oshokin/lab-monitor/internal/notify"
	"github.com/oshokin/lab-monitor/internal/repository/journal"
	"github.com/oshokin/lab-monitor/internal/service/dispatcher"
	"github.com/oshokin/lab-monitor/internal/service/health"
	"github.com/oshokin/lab-monitor/internal/service/supervisor"
)

// application holds the wired components of a running monitor.
type application struct {
	// supervisor keeps the transcoder alive.
	supervisor *supervisor.Supervisor
	// monitor forces restarts when the stream is down.
	monitor *health.Monitor
	// healthServer mirrors the monitor verdict over gRPC.
	healthServer *grpchealth.Server
	// dispatcher runs detections and side actions.
	dispatcher *dispatcher.Dispatcher
	// httpHandler serves the HTTP API.
	httpHandler http.Handler

	// closers release transports and storage, in order.
	closers []func() error
}

// newApplication wires every component from settings. Nothing is started.
func newApplication(ctx context.Context, settings *config.Config) (*application, error) {
	app := new(application)

	outputLevel, ok := logger.ParseLogLevel(settings.Stream.OutputLogLevel)
	if !ok {
		return nil, fmt.Errorf("%w: %q", errUnknownLogLevel, settings.Stream.OutputLogLevel)
	}

	app.supervisor = supervisor.New(
		supervisor.ExecLauncher{},
		supervisor.TranscodeCommand(settings.Stream),
		supervisor.WithBackoff(supervisor.PolicyFromConfig(settings.Supervisor)),
		supervisor.WithStopTimeout(settings.Supervisor.StopTimeout),
		supervisor.WithOutputLevel(outputLevel),
	)

	playlist := supervisor.PlaylistPath(settings.Stream.OutputDir)

	app.healthServer = grpchealth.NewServer()
	app.healthServer.SetServingStatus(health.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	app.monitor = health.NewMonitor(app.supervisor, playlist, settings.Health, app.healthServer)

	detector, err := detection.New(settings.Detection.BaseURL, settings.Stream.SourceURL,
		detection.WithDetectTimeout(settings.Detection.DetectTimeout),
		detection.WithControlTimeout(settings.Detection.ControlTimeout))
	if err != nil {
		return nil, fmt.Errorf("create detection client: %w", err)
	}

	notifier, err := app.newNotifier(ctx, settings)
	if err != nil {
		app.close(ctx)

		return nil, err
	}

	repository, err := app.newJournal(ctx, settings.Journal)
	if err != nil {
		app.close(ctx)

		return nil, err
	}

	app.dispatcher = dispatcher.New(detector, notifier, domain.NewToggles(), repository)

	app.httpHandler = api.NewServer(app.dispatcher, app.supervisor,
		api.WithPlaylist(playlist),
		api.WithVideos(filepath.Dir(settings.Stream.OutputDir)),
		api.WithOperatorSecret(settings.Operator.Secret),
	).Handler()

	return app, nil
}

// newNotifier builds the alert transports that are configured.
//
//nolint:ireturn // The concrete type depends on how many transports are configured.
func (a *application) newNotifier(ctx context.Context, settings *config.Config) (notify.Notifier, error) {
	var notifiers []notify.Notifier

	if settings.Mail.Host != "" {
		mailer, err := notify.NewMailer(settings.Mail)
		if err != nil {
			return nil, fmt.Errorf("create mailer: %w", err)
		}

		notifiers = append(notifiers, mailer)

		logger.InfoKV(ctx, "Mail alerts enabled", "host", settings.Mail.Host, "recipients", len(settings.Mail.Recipients))
	}

	if settings.MQTT.Broker != "" {
		publisher := notify.NewMQTTPublisher(ctx, settings.MQTT)

		a.closers = append(a.closers, func() error {
			publisher.Close()
			return nil
		})

		notifiers = append(notifiers, publisher)

		logger.InfoKV(ctx, "MQTT alerts enabled", "broker", redactURL(settings.MQTT.Broker), "topic", settings.MQTT.Topic)
	}

	return notify.Combine(notifiers...), nil
}

// newJournal opens the outcome journal, or returns a disabled one.
//
//nolint:ireturn // Disabled and SQLite journals share the interface.
func (a *application) newJournal(ctx context.Context, cfg config.Journal) (journal.Repository, error) {
	if cfg.Path == "" {
		return journal.Disabled{}, nil
	}

	repository, err := journal.Open(ctx, cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	a.closers = append(a.closers, repository.Close)

	logger.InfoKV(ctx, "Outcome journal enabled", "path", cfg.Path)

	return repository, nil
}

// shutdown stops the transcoder and waits for side actions to finish.
func (a *application) shutdown(ctx context.Context) {
	if err := a.supervisor.Stop(ctx); err != nil {
		logger.WarnKV(ctx, "Transcoder stop incomplete", "error", err)
	}

	if err := a.dispatcher.Drain(ctx); err != nil {
		logger.WarnKV(ctx, "Side actions still running at shutdown", "error", err)
	}
}

// close releases transports and storage.
func (a *application) close(ctx context.Context) {
	for _, closer := range a.closers {
		if err := closer(); err != nil {
			logger.WarnKV(ctx, "Failed to release resource", "error", err)
		}
	}

	a.closers = nil
}

// redactURL hides credentials embedded in a URL before it is logged.
func redactURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}

	return parsed.Redacted()
}
