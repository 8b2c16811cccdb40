// Package healthcheck is a small client for the standard gRPC health service
// exposed by a running monitor.
package healthcheck
