// Package dispatcher turns detection requests into side effects.
//
// Dispatch forwards a frame to the detection service and, when something was
// found, fires the alert, record-start and snapshot actions concurrently on a
// context detached from the request. Each action's result is collected into a
// monitor.Outcome which is logged and journaled once all actions finish.
//
// ToggleRecording and ToggleSnapshot flip the operator gates and announce the
// change through the notifier.
package dispatcher
