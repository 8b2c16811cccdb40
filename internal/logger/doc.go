// Package logger wraps zap to give the monitor:
//   - a global sugared logger with a console encoder,
//   - context helpers (ToContext/FromContext/WithName/WithKV),
//   - level parsing and runtime level changes,
//   - ctx-first convenience functions (Infof, WarnKV, ErrorKV, ...).
//
// Services never hold a logger field; they pull it out of the context so that
// names and key-value pairs attached upstream follow every log line.
package logger
