package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/oshokin/lab-monitor/internal/logger"
)

// Event is one alert.
type Event struct {
	// Topic classifies the alert (a detection kind, "recording" or "snapshot").
	Topic string
	// Subject is the one-line summary.
	Subject string
	// Body is the plain-text message.
	Body string
	// Time is when the alert was raised.
	Time time.Time
}

// Notifier delivers alerts.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Multi delivers every event to all of its notifiers concurrently.
type Multi []Notifier

// Notify sends event through every notifier and combines their errors.
func (m Multi) Notify(ctx context.Context, event Event) error {
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		err error
	)

	for _, n := range m {
		wg.Go(func() {
			sendErr := n.Notify(ctx, event)

			mu.Lock()
			err = multierr.Append(err, sendErr)
			mu.Unlock()
		})
	}

	wg.Wait()

	return err
}

// Log writes alerts to the log instead of delivering them.
type Log struct{}

// Notify logs the event.
func (Log) Notify(ctx context.Context, event Event) error {
	logger.InfoKV(ctx, "Alert raised, no transport configured",
		"topic", event.Topic, "subject", event.Subject)

	return nil
}

// Combine returns the notifier to use for the given transports:
// Log when there are none, the notifier itself when there is one, Multi otherwise.
//
//nolint:ireturn // The concrete type depends on how many transports are configured.
func Combine(notifiers ...Notifier) Notifier {
	switch len(notifiers) {
	case 0:
		return Log{}
	case 1:
		return notifiers[0]
	default:
		return Multi(notifiers)
	}
}
