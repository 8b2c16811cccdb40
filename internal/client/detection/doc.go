// Package detection is the HTTP client for the external detection service.
//
// Detect forwards a frame for one detection kind and returns the raw JSON
// result. StartRecording, StopRecording and CaptureSnapshot are control calls
// with their own, shorter timeout.
package detection
