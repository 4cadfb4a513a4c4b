// Package handlers contains the HTTP handlers of the policy check server.
package handlers

import (
	"net/http"
)

// CheckHandler handles row-level security check requests.
type CheckHandler interface {
	// Check runs the check over the changes in the request body.
	Check(w http.ResponseWriter, r *http.Request)

	// Health reports that the server is able to accept checks.
	Health(w http.ResponseWriter, r *http.Request)

	// Routes returns the handler tree with request logging, metrics and
	// panic recovery applied.
	Routes() http.Handler
}

// Logger defines the logging interface.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// MetricsCollector defines the metrics interface.
type MetricsCollector interface {
	IncrementCounter(name string, tags ...string)
	RecordHistogram(name string, value float64, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
	StartTimer(name string) Timer
}

// Timer represents a timing measurement.
type Timer interface {
	Stop()
}
