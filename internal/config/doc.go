// Package config defines the monitor settings and helpers to load, validate
// and save them as YAML.
//
// Validate fills defaults in place, so a file only needs the stream source URL.
package config
