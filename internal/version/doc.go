// Package version exposes build metadata.
//
// Version, Commit and BuildTime are injected with -ldflags and default to
// local-build values.
package version
