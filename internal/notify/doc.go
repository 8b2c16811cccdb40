// Package notify delivers operator alerts.
//
// A Notifier sends one Event. Mailer sends through SMTP, MQTTPublisher through
// an MQTT broker, Multi fans an event out to several transports and Log only
// writes the alert to the log. Callers treat delivery as best effort: errors
// are returned for logging and never retried.
package notify
