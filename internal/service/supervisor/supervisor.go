package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap/zapcore"

	"github.com/oshokin/lab-monitor/internal/config"
	"github.com/oshokin/lab-monitor/internal/logger"
)

// Status is a snapshot of the supervised process.
type Status struct {
	// Running is true strictly between a successful start and the matching exit or termination.
	Running bool
	// PID is the OS process ID of the running process.
	PID int
	// RunID identifies the running process across log lines.
	RunID string
	// StartedAt is when the running process was started.
	StartedAt time.Time
	// Restarts counts restarts scheduled after failures since boot.
	Restarts int
	// LastExit is the most recent exit of a supervised process, nil before the first one.
	LastExit *Exit
}

// Supervisor owns at most one transcoder process at a time.
type Supervisor struct {
	// launcher spawns processes.
	launcher Launcher
	// command is the fixed invocation.
	command Command
	// backoff decides restart delays.
	backoff BackoffPolicy
	// stopTimeout is the grace period between SIGTERM and SIGKILL in Stop.
	stopTimeout time.Duration
	// outputLevel is the minimum level at which process output is logged.
	outputLevel zapcore.Level

	// mu protects the fields below.
	mu sync.Mutex
	// current is the active run, nil when nothing is running.
	current *run
	// lastExit is the exit of the most recent run that owned the slot.
	lastExit *Exit
	// restartTimer is the pending backoff restart, if any.
	restartTimer *time.Timer
	// failures counts consecutive failed runs and feeds the backoff policy.
	failures int
	// restarts counts scheduled restarts.
	restarts int
	// stopped blocks scheduled restarts after Stop.
	stopped bool
}

// run is one spawned process.
type run struct {
	// id identifies the run in logs.
	id string
	// proc is the process handle.
	proc Process
	// startedAt is the spawn time.
	startedAt time.Time
	// stdout and stderr forward process output to the log.
	stdout, stderr *lineLogger
	// done is closed after exit is set.
	done chan struct{}
	// exit is valid once done is closed.
	exit Exit
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithBackoff sets the restart policy.
func WithBackoff(policy BackoffPolicy) Option {
	return func(s *Supervisor) {
		if policy != nil {
			s.backoff = policy
		}
	}
}

// WithStopTimeout sets the SIGTERM grace period used by Stop.
func WithStopTimeout(timeout time.Duration) Option {
	return func(s *Supervisor) {
		if timeout > 0 {
			s.stopTimeout = timeout
		}
	}
}

// WithOutputLevel sets the minimum level at which process output is logged.
func WithOutputLevel(level zapcore.Level) Option {
	return func(s *Supervisor) {
		s.outputLevel = level
	}
}

// stableRunTime is how long a run must last for its failure to reset the backoff.
const stableRunTime = time.Minute

var errStopTimeout = errors.New("process did not exit after termination signal")

// New creates a supervisor for command. Nothing runs until Start.
func New(launcher Launcher, command Command, opts ...Option) *Supervisor {
	s := &Supervisor{
		launcher:    launcher,
		command:     command,
		backoff:     FixedBackoff{Delay: config.DefaultRestartDelay},
		stopTimeout: config.DefaultStopTimeout,
		outputLevel: zapcore.InfoLevel,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start replaces the current process with a fresh one. A pending backoff restart is
// cancelled and the current process, if any, gets SIGTERM and leaves the slot before
// the new one is spawned. A spawn failure is returned and also scheduled for restart.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = false

	return s.startLocked(ctx)
}

// Stop terminates the current process and disables restarts. It waits for the exit
// until ctx ends or the stop timeout passes, then kills the process.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()

	s.stopped = true
	s.cancelRestartLocked()

	r := s.current
	s.current = nil

	s.mu.Unlock()

	if r == nil {
		return nil
	}

	runCtx := logger.WithKV(ctx, "run_id", r.id)
	logger.InfoKV(runCtx, "Stopping transcoder", "pid", r.proc.PID())

	if err := r.proc.Signal(terminationSignal); err != nil {
		logger.WarnKV(runCtx, "Failed to signal transcoder", "error", err)
	}

	grace := time.NewTimer(s.stopTimeout)
	defer grace.Stop()

	select {
	case <-r.done:
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	logger.WarnKV(runCtx, "Transcoder ignored termination signal, killing", "pid", r.proc.PID())

	if err := r.proc.Signal(killSignal); err != nil {
		return fmt.Errorf("kill transcoder: %w", err)
	}

	return errStopTimeout
}

// Running reports whether a process currently owns the slot.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.current != nil
}

// Status returns a snapshot of the supervised process.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := Status{
		Restarts: s.restarts,
	}

	if s.lastExit != nil {
		exit := *s.lastExit
		status.LastExit = &exit
	}

	if r := s.current; r != nil {
		status.Running = true
		status.PID = r.proc.PID()
		status.RunID = r.id
		status.StartedAt = r.startedAt
	}

	return status
}

// Wait blocks until the current process exits and returns its exit. When nothing is
// running it returns the last exit (zero Exit before the first one) immediately.
func (s *Supervisor) Wait(ctx context.Context) (Exit, error) {
	s.mu.Lock()

	r := s.current
	if r == nil {
		var exit Exit
		if s.lastExit != nil {
			exit = *s.lastExit
		}

		s.mu.Unlock()

		return exit, nil
	}

	s.mu.Unlock()

	select {
	case <-r.done:
		return r.exit, nil
	case <-ctx.Done():
		return Exit{}, ctx.Err()
	}
}

// startLocked terminates the current run and spawns a new one. s.mu must be held.
func (s *Supervisor) startLocked(ctx context.Context) error {
	s.cancelRestartLocked()

	if old := s.current; old != nil {
		logger.InfoKV(ctx, "Terminating existing transcoder", "run_id", old.id, "pid", old.proc.PID())

		if err := old.proc.Signal(terminationSignal); err != nil {
			logger.WarnKV(ctx, "Failed to signal transcoder", "run_id", old.id, "error", err)
		}

		s.current = nil
	}

	id := uuid.NewString()
	runCtx := logger.WithKV(ctx, "run_id", id)
	outputCtx := logger.WithOptions(runCtx, logger.WithLevel(s.outputLevel))

	r := &run{
		id:        id,
		startedAt: time.Now(),
		stdout:    newLineLogger(outputCtx, "stdout"),
		stderr:    newLineLogger(outputCtx, "stderr"),
		done:      make(chan struct{}),
	}

	proc, err := s.launcher.Launch(s.command, r.stdout, r.stderr)
	if err != nil {
		logger.ErrorKV(runCtx, "Failed to start transcoder", "path", s.command.Path, "error", err)

		s.lastExit = &Exit{Code: -1, Err: err, At: time.Now()}
		s.scheduleRestartLocked(ctx)

		return fmt.Errorf("start transcoder: %w", err)
	}

	r.proc = proc
	s.current = r

	logger.InfoKV(runCtx, "Transcoder started", "path", s.command.Path, "pid", proc.PID())

	go s.observe(ctx, r)

	return nil
}

// observe waits for r to exit and applies the restart policy.
func (s *Supervisor) observe(ctx context.Context, r *run) {
	exit := r.proc.Wait()
	if exit.At.IsZero() {
		exit.At = time.Now()
	}

	r.stdout.Flush()
	r.stderr.Flush()

	r.exit = exit
	close(r.done)

	runCtx := logger.WithKV(ctx, "run_id", r.id)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != r {
		// Replaced by Start or released by Stop: the slot belongs to someone else now.
		if s.current == nil {
			s.lastExit = &exit
		}

		logger.InfoKV(runCtx, "Replaced transcoder exited", "exit", exit.String())

		return
	}

	s.current = nil
	s.lastExit = &exit

	if exit.Intentional() {
		s.failures = 0

		logger.InfoKV(runCtx, "Transcoder exited, not restarting", "exit", exit.String())

		return
	}

	logger.WarnKV(runCtx, "Transcoder exited unexpectedly", "exit", exit.String(),
		"uptime", exit.At.Sub(r.startedAt).String())

	if exit.At.Sub(r.startedAt) >= stableRunTime {
		s.failures = 0
	}

	if s.stopped {
		return
	}

	s.scheduleRestartLocked(ctx)
}

// scheduleRestartLocked arms a backoff restart. s.mu must be held.
func (s *Supervisor) scheduleRestartLocked(ctx context.Context) {
	if s.stopped {
		return
	}

	delay, ok := s.backoff.Next(s.failures)
	s.failures++

	if !ok {
		logger.ErrorKV(ctx, "Giving up on transcoder restarts", "failures", s.failures)
		return
	}

	s.restarts++

	logger.InfoKV(ctx, "Restarting transcoder after backoff", "delay", delay.String(), "attempt", s.failures)

	var timer *time.Timer

	timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		// Cancelled or superseded while the callback was waiting for the lock.
		if s.stopped || s.restartTimer != timer {
			return
		}

		s.restartTimer = nil

		_ = s.startLocked(ctx) //nolint:errcheck // Failures are logged and rescheduled inside.
	})

	s.restartTimer = timer
}

// cancelRestartLocked drops a pending backoff restart. s.mu must be held.
func (s *Supervisor) cancelRestartLocked() {
	if s.restartTimer == nil {
		return
	}

	s.restartTimer.Stop()
	s.restartTimer = nil
}
