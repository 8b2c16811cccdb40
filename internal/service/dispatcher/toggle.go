package dispatcher

import (
	"context"
	"time"

	"github.com/oshokin/lab-monitor/internal/logger"
	"github.com/oshokin/lab-monitor/internal/notify"
)

// ToggleRecording flips the recording gate and returns the new value.
// Turning recording off also asks the detection service to stop, best effort.
func (d *Dispatcher) ToggleRecording(ctx context.Context) bool {
	enabled := d.toggles.FlipRecording()

	logger.InfoKV(ctx, "Recording toggled", "enabled", enabled)

	if !enabled {
		if err := d.detector.StopRecording(ctx); err != nil {
			logger.WarnKV(ctx, "Failed to stop recording", "error", err)
		}
	}

	d.announce(ctx, "recording", "Recording", "Recording", enabled)

	return enabled
}

// ToggleSnapshot flips the snapshot gate and returns the new value.
func (d *Dispatcher) ToggleSnapshot(ctx context.Context) bool {
	enabled := d.toggles.FlipSnapshot()

	logger.InfoKV(ctx, "Snapshot toggled", "enabled", enabled)

	d.announce(ctx, "snapshot", "Snapshot", "Snapshot capture", enabled)

	return enabled
}

// Toggles returns the current gate values.
func (d *Dispatcher) Toggles() (recording, snapshot bool) {
	return d.toggles.Values()
}

// announce notifies about a gate change. Delivery errors are logged only.
func (d *Dispatcher) announce(ctx context.Context, topic, subject, feature string, enabled bool) {
	state, verb := "Disabled", "disabled"
	if enabled {
		state, verb = "Enabled", "enabled"
	}

	event := notify.Event{
		Topic:   topic,
		Subject: subject + " " + state + " Alert",
		Body:    feature + " has been " + verb + ".",
		Time:    time.Now(),
	}

	if err := d.notifier.Notify(ctx, event); err != nil {
		logger.WarnKV(ctx, "Failed to send toggle notification", "subject", event.Subject, "error", err)
	}
}
