// Package probe asks a running monitor for its stream health over gRPC,
// once or on a fixed interval.
package probe
