package supervisor

import (
	"time"

	"github.com/oshokin/lab-monitor/internal/config"
)

// BackoffPolicy decides how long to wait before restarting after a failure.
// failures is the number of consecutive failed runs before this one (0 for the first).
// Returning false stops restarting.
type BackoffPolicy interface {
	Next(failures int) (time.Duration, bool)
}

// FixedBackoff waits the same delay after every failure.
type FixedBackoff struct {
	// Delay is the wait before each restart.
	Delay time.Duration
	// MaxAttempts stops restarting after this many consecutive failures. Zero means never.
	MaxAttempts int
}

// Next returns Delay until MaxAttempts is reached.
func (b FixedBackoff) Next(failures int) (time.Duration, bool) {
	if b.MaxAttempts > 0 && failures >= b.MaxAttempts {
		return 0, false
	}

	return b.Delay, true
}

// ExponentialBackoff doubles the delay after each consecutive failure.
//
// Example with Initial=3s, Max=1m: 3s, 6s, 12s, 24s, 48s, 1m, 1m, ...
type ExponentialBackoff struct {
	// Initial is the first delay.
	Initial time.Duration
	// Max caps the delay.
	Max time.Duration
	// MaxAttempts stops restarting after this many consecutive failures. Zero means never.
	MaxAttempts int
}

// Next returns Initial * 2^failures capped at Max.
func (b ExponentialBackoff) Next(failures int) (time.Duration, bool) {
	if b.MaxAttempts > 0 && failures >= b.MaxAttempts {
		return 0, false
	}

	delay := b.Initial
	for range failures {
		if delay >= b.Max {
			break
		}

		delay *= 2
	}

	return min(delay, b.Max), true
}

// PolicyFromConfig builds the restart policy selected in settings.
//
//nolint:ireturn // Callers only need the policy behaviour.
func PolicyFromConfig(cfg config.Supervisor) BackoffPolicy {
	if cfg.Backoff == config.BackoffExponential {
		return ExponentialBackoff{
			Initial:     cfg.RestartDelay,
			Max:         cfg.MaxRestartDelay,
			MaxAttempts: cfg.MaxRestarts,
		}
	}

	return FixedBackoff{
		Delay:       cfg.RestartDelay,
		MaxAttempts: cfg.MaxRestarts,
	}
}
