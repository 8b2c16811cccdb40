package health

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"sync"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/oshokin/lab-monitor/internal/config"
	"github.com/oshokin/lab-monitor/internal/logger"
)

// ServiceName is the gRPC health service name that reflects the stream verdict.
const ServiceName = "labmonitor.stream"

// Supervisor is the part of the transcoder supervisor the monitor drives.
type Supervisor interface {
	// Running reports whether a transcoder currently owns the slot.
	Running() bool
	// Start forces a fresh transcoder, terminating the current one.
	Start(ctx context.Context) error
}

// StatusSink receives every verdict. *health.Server from grpc satisfies it.
type StatusSink interface {
	SetServingStatus(service string, status healthpb.HealthCheckResponse_ServingStatus)
}

// Verdict is the result of one check.
type Verdict struct {
	// CheckedAt is when the check ran.
	CheckedAt time.Time `json:"checked_at"`
	// PlaylistPresent is true when the playlist exists and is fresh enough.
	PlaylistPresent bool `json:"playlist_present"`
	// PlaylistAge is the time since the playlist was last written, zero when absent.
	PlaylistAge time.Duration `json:"playlist_age"`
	// Running is the supervisor state at check time.
	Running bool `json:"running"`
	// Restarted is true when the check forced a restart.
	Restarted bool `json:"restarted"`
}

// Healthy reports whether the stream is being produced.
func (v Verdict) Healthy() bool {
	return v.PlaylistPresent && v.Running
}

// Monitor checks the stream on a self-rescheduling timer.
type Monitor struct {
	// supervisor is restarted when a check fails.
	supervisor Supervisor
	// playlist is the artifact whose presence proves the stream is live.
	playlist string
	// settle is the delay before the first check.
	settle time.Duration
	// period is the delay between the end of one check and the next.
	period time.Duration
	// staleAfter treats an old playlist as absent when positive.
	staleAfter time.Duration
	// sink publishes verdicts, may be nil.
	sink StatusSink

	// mu protects last.
	mu sync.Mutex
	// last is the most recent verdict.
	last *Verdict
}

// NewMonitor creates a monitor for the playlist at playlist. sink may be nil.
func NewMonitor(supervisor Supervisor, playlist string, cfg config.Health, sink StatusSink) *Monitor {
	return &Monitor{
		supervisor: supervisor,
		playlist:   playlist,
		settle:     cfg.Settle,
		period:     cfg.Period,
		staleAfter: cfg.StaleAfter,
		sink:       sink,
	}
}

// Run checks the stream after the settle delay and then after every period,
// until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ctx = logger.WithName(ctx, "health")

	logger.InfoKV(ctx, "Watching stream",
		"playlist", m.playlist,
		"settle", m.settle.String(),
		"period", m.period.String())

	timer := time.NewTimer(m.settle)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "Context canceled, stopping health checks")
			return nil
		case <-timer.C:
			m.Check(ctx)

			// The next check is measured from the end of this one.
			timer.Reset(m.period)
		}
	}
}

// Check runs one health check and forces a restart when the stream is down.
func (m *Monitor) Check(ctx context.Context) Verdict {
	verdict := Verdict{
		CheckedAt: time.Now(),
		Running:   m.supervisor.Running(),
	}

	verdict.PlaylistPresent, verdict.PlaylistAge = m.inspectPlaylist(ctx, verdict.CheckedAt)

	if verdict.Healthy() {
		logger.DebugKV(ctx, "Stream is healthy", "playlist_age", verdict.PlaylistAge.String())
	} else {
		logger.WarnKV(ctx, "Stream is down, restarting transcoder",
			"playlist_present", verdict.PlaylistPresent,
			"running", verdict.Running)

		if err := m.supervisor.Start(ctx); err != nil {
			logger.ErrorKV(ctx, "Forced restart failed", "error", err)
		}

		verdict.Restarted = true
	}

	m.publish(verdict)

	return verdict
}

// Last returns the most recent verdict, or nil before the first check.
func (m *Monitor) Last() *Verdict {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.last == nil {
		return nil
	}

	v := *m.last

	return &v
}

func (m *Monitor) inspectPlaylist(ctx context.Context, now time.Time) (bool, time.Duration) {
	info, err := os.Stat(m.playlist)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.WarnKV(ctx, "Failed to stat playlist", "error", err)
		}

		return false, 0
	}

	age := max(now.Sub(info.ModTime()), 0)

	if m.staleAfter > 0 && age > m.staleAfter {
		logger.WarnKV(ctx, "Playlist is stale", "age", age.String(), "stale_after", m.staleAfter.String())

		return false, age
	}

	return true, age
}

func (m *Monitor) publish(v Verdict) {
	m.mu.Lock()
	m.last = &v
	m.mu.Unlock()

	if m.sink == nil {
		return
	}

	status := healthpb.HealthCheckResponse_SERVING
	if !v.Healthy() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}

	m.sink.SetServingStatus(ServiceName, status)
}
