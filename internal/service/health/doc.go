// Package health periodically verifies that the HLS stream is being produced
// and forces a transcoder restart when it is not. Each verdict is published to
// a serving status sink, normally the gRPC health server.
package health
