package health

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/oshokin/lab-monitor/internal/config"
)

type fakeSupervisor struct {
	mu       sync.Mutex
	running  bool
	starts   int
	startErr error
}

func (s *fakeSupervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.running
}

func (s *fakeSupervisor) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.starts++

	if s.startErr != nil {
		return s.startErr
	}

	s.running = true

	return nil
}

func (s *fakeSupervisor) startCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.starts
}

type fakeSink struct {
	mu       sync.Mutex
	statuses []healthpb.HealthCheckResponse_ServingStatus
}

func (s *fakeSink) SetServingStatus(service string, status healthpb.HealthCheckResponse_ServingStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if service == ServiceName {
		s.statuses = append(s.statuses, status)
	}
}

func (s *fakeSink) all() []healthpb.HealthCheckResponse_ServingStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]healthpb.HealthCheckResponse_ServingStatus(nil), s.statuses...)
}

var testTiming = config.Health{
	Period: 10 * time.Second,
	Settle: 10 * time.Second,
}

func writePlaylist(t *testing.T, path string) {
	t.Helper()

	require.NoError(t, os.WriteFile(path, []byte("#EXTM3U\n"), 0o600))
}

func TestCheckRestartsWhenPlaylistMissing(t *testing.T) {
	t.Parallel()

	sup := &fakeSupervisor{running: true}
	sink := &fakeSink{}
	m := NewMonitor(sup, filepath.Join(t.TempDir(), "index.m3u8"), testTiming, sink)

	v := m.Check(context.Background())

	require.False(t, v.Healthy())
	require.False(t, v.PlaylistPresent)
	require.True(t, v.Restarted)
	require.Equal(t, 1, sup.startCount())
	require.Equal(t, []healthpb.HealthCheckResponse_ServingStatus{healthpb.HealthCheckResponse_NOT_SERVING}, sink.all())
}

func TestCheckRestartsWhenSupervisorStopped(t *testing.T) {
	t.Parallel()

	playlist := filepath.Join(t.TempDir(), "index.m3u8")
	writePlaylist(t, playlist)

	sup := &fakeSupervisor{}
	m := NewMonitor(sup, playlist, testTiming, nil)

	v := m.Check(context.Background())

	require.True(t, v.PlaylistPresent)
	require.False(t, v.Running)
	require.True(t, v.Restarted)
	require.Equal(t, 1, sup.startCount())
}

func TestCheckHealthyDoesNothing(t *testing.T) {
	t.Parallel()

	playlist := filepath.Join(t.TempDir(), "index.m3u8")
	writePlaylist(t, playlist)

	sup := &fakeSupervisor{running: true}
	sink := &fakeSink{}
	m := NewMonitor(sup, playlist, testTiming, sink)

	require.Nil(t, m.Last())

	v := m.Check(context.Background())

	require.True(t, v.Healthy())
	require.False(t, v.Restarted)
	require.Zero(t, sup.startCount())
	require.Equal(t, []healthpb.HealthCheckResponse_ServingStatus{healthpb.HealthCheckResponse_SERVING}, sink.all())

	last := m.Last()
	require.NotNil(t, last)
	require.True(t, last.Healthy())
}

func TestCheckTreatsStalePlaylistAsMissing(t *testing.T) {
	t.Parallel()

	playlist := filepath.Join(t.TempDir(), "index.m3u8")
	writePlaylist(t, playlist)

	old := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(playlist, old, old))

	sup := &fakeSupervisor{running: true}
	timing := testTiming
	timing.StaleAfter = 30 * time.Second

	m := NewMonitor(sup, playlist, timing, nil)

	v := m.Check(context.Background())

	require.False(t, v.PlaylistPresent)
	require.GreaterOrEqual(t, v.PlaylistAge, time.Minute)
	require.Equal(t, 1, sup.startCount())
}

func TestRunSchedulesChecks(t *testing.T) {
	t.Parallel()

	playlist := filepath.Join(t.TempDir(), "index.m3u8")

	synctest.Test(t, func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		sup := &fakeSupervisor{}
		sink := &fakeSink{}
		m := NewMonitor(sup, playlist, testTiming, sink)

		done := make(chan error, 1)

		go func() {
			done <- m.Run(ctx)
		}()

		time.Sleep(10*time.Second - time.Millisecond)
		synctest.Wait()
		require.Empty(t, sink.all())

		time.Sleep(time.Millisecond)
		synctest.Wait()
		require.Len(t, sink.all(), 1)
		require.Equal(t, 1, sup.startCount())

		// Still no playlist: every period forces another restart.
		time.Sleep(20 * time.Second)
		synctest.Wait()
		require.Len(t, sink.all(), 3)
		require.Equal(t, 3, sup.startCount())

		cancel()
		require.NoError(t, <-done)
	})
}

func TestRunRearmsAfterFailedRestart(t *testing.T) {
	t.Parallel()

	playlist := filepath.Join(t.TempDir(), "index.m3u8")

	synctest.Test(t, func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		sup := &fakeSupervisor{startErr: errors.New("spawn ffmpeg: no such file")}
		sink := &fakeSink{}
		m := NewMonitor(sup, playlist, testTiming, sink)

		done := make(chan error, 1)

		go func() {
			done <- m.Run(ctx)
		}()

		time.Sleep(testTiming.Settle)
		synctest.Wait()
		require.Equal(t, 1, sup.startCount())
		require.True(t, m.Last().Restarted)

		time.Sleep(testTiming.Period - time.Millisecond)
		synctest.Wait()
		require.Equal(t, 1, sup.startCount())

		time.Sleep(time.Millisecond)
		synctest.Wait()
		require.Equal(t, 2, sup.startCount())
		require.Len(t, sink.all(), 2)
		require.False(t, m.Last().Running)

		cancel()
		require.NoError(t, <-done)
	})
}
