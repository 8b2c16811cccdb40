package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oshokin/lab-monitor/internal/domain/monitor"
	"github.com/oshokin/lab-monitor/internal/logger"
	"github.com/oshokin/lab-monitor/internal/notify"
	"github.com/oshokin/lab-monitor/internal/repository/journal"
)

// Detector is the detection service.
type Detector interface {
	Detect(ctx context.Context, kind monitor.Kind, body []byte) (json.RawMessage, error)
	StartRecording(ctx context.Context) error
	StopRecording(ctx context.Context) error
	CaptureSnapshot(ctx context.Context, imageBase64 string) error
}

// ErrDetectionUnavailable is returned when the detection service could not produce a result.
var ErrDetectionUnavailable = errors.New("detection service unavailable")

// Request is one inbound detection request.
type Request struct {
	// Kind selects the detector.
	Kind monitor.Kind
	// Body is forwarded to the detection service unchanged.
	Body []byte
	// ImageBase64 is the frame, reused by the snapshot action.
	ImageBase64 string
}

// Result is what Dispatch returns to the caller.
type Result struct {
	// Payload is the detection service response, unchanged.
	Payload json.RawMessage
	// HasDetections reports whether side actions were fired.
	HasDetections bool
	// OutcomeID identifies the dispatch in logs and the journal.
	OutcomeID string

	// done is closed when outcome is final.
	done chan struct{}
	// outcome is valid after done is closed.
	outcome *monitor.Outcome
}

// Wait blocks until every side action finished and returns the outcome.
func (r *Result) Wait(ctx context.Context) (*monitor.Outcome, error) {
	select {
	case <-r.done:
		return r.outcome.Clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dispatcher owns the detection flow and the operator gates.
type Dispatcher struct {
	// detector calls the detection service.
	detector Detector
	// notifier delivers alerts.
	notifier notify.Notifier
	// toggles gate the record and snapshot actions.
	toggles *monitor.Toggles
	// journal stores outcomes.
	journal journal.Repository

	// inflight tracks side actions that outlive their requests.
	inflight sync.WaitGroup
}

// New creates a dispatcher. A nil repository disables journaling.
func New(
	detector Detector,
	notifier notify.Notifier,
	toggles *monitor.Toggles,
	repository journal.Repository,
) *Dispatcher {
	if repository == nil {
		repository = journal.Disabled{}
	}

	if notifier == nil {
		notifier = notify.Log{}
	}

	return &Dispatcher{
		detector: detector,
		notifier: notifier,
		toggles:  toggles,
		journal:  repository,
	}
}

// Dispatch runs detection and fires the side actions when something was found.
// Actions are issued in the order notify, record, snapshot, and all of them are
// running before Dispatch returns. Their completion does not delay the result.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Result, error) {
	id := uuid.NewString()
	ctx = logger.WithKV(ctx, "outcome_id", id, "kind", string(req.Kind))

	payload, err := d.detector.Detect(ctx, req.Kind, req.Body)
	if err != nil {
		logger.ErrorKV(ctx, "Detection failed", "error", err)

		return nil, fmt.Errorf("%w: %w", ErrDetectionUnavailable, err)
	}

	outcome := &monitor.Outcome{
		ID:            id,
		Kind:          req.Kind,
		HasDetections: HasDetections(req.Kind, payload),
		StartedAt:     time.Now(),
		Notify:        monitor.Skipped(),
		Record:        monitor.Skipped(),
		Snapshot:      monitor.Skipped(),
	}

	result := &Result{
		Payload:       payload,
		HasDetections: outcome.HasDetections,
		OutcomeID:     id,
		done:          make(chan struct{}),
	}

	// Side actions must survive the request being answered.
	actionCtx := context.WithoutCancel(ctx)

	var actions sync.WaitGroup

	if outcome.HasDetections {
		logger.InfoKV(ctx, "Detections found, firing actions")

		recording, snapshot := d.toggles.Values()

		d.issue(actionCtx, &actions, "notify", &outcome.Notify, func() error {
			return d.notifier.Notify(actionCtx, detectionEvent(req.Kind, payload))
		})

		if recording {
			d.issue(actionCtx, &actions, "record", &outcome.Record, func() error {
				return d.detector.StartRecording(actionCtx)
			})
		}

		if snapshot {
			d.issue(actionCtx, &actions, "snapshot", &outcome.Snapshot, func() error {
				return d.detector.CaptureSnapshot(actionCtx, req.ImageBase64)
			})
		}
	}

	d.inflight.Go(func() {
		actions.Wait()

		d.finish(actionCtx, outcome)

		result.outcome = outcome
		close(result.done)
	})

	return result, nil
}

// Drain waits for in-flight side actions to finish or for ctx to end.
func (d *Dispatcher) Drain(ctx context.Context) error {
	done := make(chan struct{})

	go func() {
		d.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Outcomes lists recent journaled outcomes, newest first.
func (d *Dispatcher) Outcomes(ctx context.Context, limit int) ([]*monitor.Outcome, error) {
	return d.journal.List(ctx, limit)
}

// finish logs and journals a completed outcome.
func (d *Dispatcher) finish(ctx context.Context, outcome *monitor.Outcome) {
	kvs := []any{
		"has_detections", outcome.HasDetections,
		"notify", outcome.Notify.Status,
		"record", outcome.Record.Status,
		"snapshot", outcome.Snapshot.Status,
	}

	switch {
	case outcome.Failed():
		kvs = append(kvs,
			"notify_error", outcome.Notify.Error,
			"record_error", outcome.Record.Error,
			"snapshot_error", outcome.Snapshot.Error)

		logger.WarnKV(ctx, "Dispatch finished with failures", kvs...)
	case outcome.HasDetections:
		logger.InfoKV(ctx, "Dispatch finished", kvs...)
	default:
		logger.DebugKV(ctx, "Dispatch finished", kvs...)
	}

	if err := d.journal.Save(ctx, outcome); err != nil {
		logger.ErrorKV(ctx, "Failed to journal outcome", "error", err)
	}
}

// issue runs action on its own goroutine, storing its result in slot, and returns
// once the goroutine has taken it over.
func (d *Dispatcher) issue(
	ctx context.Context,
	actions *sync.WaitGroup,
	name string,
	slot *monitor.ActionResult,
	action func() error,
) {
	issued := make(chan struct{})

	actions.Go(func() {
		logger.DebugKV(ctx, "Side action issued", "action", name)
		close(issued)

		*slot = run(action)
	})

	<-issued
}

// run times an action.
func run(action func() error) monitor.ActionResult {
	started := time.Now()
	err := action()

	return monitor.ResultOf(err, time.Since(started))
}

// HasDetections reports whether payload lists at least one entity for kind:
// a non-empty "faces" array for faces, a non-empty "detections" array otherwise.
// Anything else, including malformed payloads and unknown kinds, is false.
func HasDetections(kind monitor.Kind, payload json.RawMessage) bool {
	entities, ok := entitiesOf(kind, payload)

	return ok && len(entities) > 0
}

func entitiesOf(kind monitor.Kind, payload json.RawMessage) ([]json.RawMessage, bool) {
	field := kind.ResultField()
	if field == "" {
		return nil, false
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, false
	}

	raw, ok := fields[field]
	if !ok {
		return nil, false
	}

	var entities []json.RawMessage
	if err := json.Unmarshal(raw, &entities); err != nil {
		return nil, false
	}

	return entities, entities != nil
}

// detectionEvent builds the alert for a positive detection.
func detectionEvent(kind monitor.Kind, payload json.RawMessage) notify.Event {
	var fields map[string]json.RawMessage

	_ = json.Unmarshal(payload, &fields) //nolint:errcheck // Already validated by HasDetections.

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, fields[kind.ResultField()], "", "  "); err != nil {
		pretty.Reset()
		pretty.Write(fields[kind.ResultField()])
	}

	return notify.Event{
		Topic:   string(kind),
		Subject: kind.Title() + " Detection Alert",
		Body:    "Detection event:\n\n" + pretty.String(),
		Time:    time.Now(),
	}
}
