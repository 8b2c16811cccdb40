// Package monitor contains the core domain types of the lab monitor.
//
// Toggles is the operator-controlled session state (recording and snapshot
// gates). Kind names a detection kind. Outcome records what one detection
// dispatch did, with Clone helpers to avoid leaking internal references.
package monitor
