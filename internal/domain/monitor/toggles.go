package monitor

import "sync"

// Toggles holds the operator gates for side effects fired on detection.
// Both start disabled and are never persisted.
type Toggles struct {
	// mu serialises flips against reads.
	mu sync.RWMutex
	// recording gates the record-start call on detection.
	recording bool
	// snapshot gates the snapshot call on detection.
	snapshot bool
}

// NewToggles returns toggles with both gates off.
func NewToggles() *Toggles {
	return new(Toggles)
}

// FlipRecording inverts the recording gate and returns the new value.
func (t *Toggles) FlipRecording() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.recording = !t.recording

	return t.recording
}

// FlipSnapshot inverts the snapshot gate and returns the new value.
func (t *Toggles) FlipSnapshot() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.snapshot = !t.snapshot

	return t.snapshot
}

// Recording reports the recording gate.
func (t *Toggles) Recording() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.recording
}

// Snapshot reports the snapshot gate.
func (t *Toggles) Snapshot() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.snapshot
}

// Values returns both gates read under one lock.
func (t *Toggles) Values() (recording, snapshot bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.recording, t.snapshot
}
