// Package monitor implements the HTTP transport of the lab monitor.
//
// It exposes detection, status, toggle and outcome endpoints plus the HLS
// output directory, and calls into a provided Service for everything that is
// not plain request handling. Toggle endpoints can be guarded by HS256 operator
// tokens.
package monitor
