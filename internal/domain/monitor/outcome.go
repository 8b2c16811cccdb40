package monitor

import "time"

// ActionStatus is the result of one side action of a dispatch.
type ActionStatus string

const (
	// ActionSkipped means the action was not attempted (no detections or gate off).
	ActionSkipped ActionStatus = "skipped"
	// ActionOK means the action completed.
	ActionOK ActionStatus = "ok"
	// ActionFailed means the action was attempted and failed.
	ActionFailed ActionStatus = "failed"
)

// ActionResult describes one side action.
type ActionResult struct {
	// Status is skipped, ok or failed.
	Status ActionStatus `json:"status"`
	// Error holds the failure message when Status is failed.
	Error string `json:"error,omitempty"`
	// Duration is how long the attempt took.
	Duration time.Duration `json:"duration"`
}

// Skipped returns a result for an action that was not attempted.
func Skipped() ActionResult {
	return ActionResult{Status: ActionSkipped}
}

// ResultOf builds a result from an attempt's error and duration.
func ResultOf(err error, took time.Duration) ActionResult {
	if err != nil {
		return ActionResult{Status: ActionFailed, Error: err.Error(), Duration: took}
	}

	return ActionResult{Status: ActionOK, Duration: took}
}

// Outcome records what one detection dispatch did.
type Outcome struct {
	// ID identifies the dispatch.
	ID string `json:"id"`
	// Kind is the detection kind requested.
	Kind Kind `json:"kind"`
	// HasDetections reports whether the result crossed the alert threshold.
	HasDetections bool `json:"has_detections"`
	// StartedAt is when the dispatch began.
	StartedAt time.Time `json:"started_at"`
	// Notify is the alert action result.
	Notify ActionResult `json:"notify"`
	// Record is the record-start action result.
	Record ActionResult `json:"record"`
	// Snapshot is the snapshot action result.
	Snapshot ActionResult `json:"snapshot"`
}

// Clone returns a copy of the outcome.
func (o *Outcome) Clone() *Outcome {
	if o == nil {
		return nil
	}

	cloned := *o

	return &cloned
}

// Failed reports whether any side action failed.
func (o *Outcome) Failed() bool {
	return o.Notify.Status == ActionFailed ||
		o.Record.Status == ActionFailed ||
		o.Snapshot.Status == ActionFailed
}
