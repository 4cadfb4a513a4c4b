// Package metrics records what the row-level security check does: which
// statements it evaluated, which of them fired, and how long each run took.
package metrics

import (
	"fmt"
	"time"
)

// descriptions holds the help text of every metric the check and its HTTP
// surface emit. Unknown names get a generic description.
var descriptions = map[string]string{
	"rls_statements_total":          "Statements evaluated by the row-level security check.",
	"rls_violations_total":          "Statements that fired the row-level security check.",
	"rls_skipped_total":             "Checks or changes skipped without evaluation.",
	"rls_strategy_fallbacks_total":  "Statements re-extracted lexically after a parse failure.",
	"rls_check_duration_seconds":    "Duration of a row-level security check run.",
	"rls_protected_tables":          "Protected tables configured for the most recent check run.",
	"rls_last_run_violations":       "Violations reported by the most recent check run.",
	"http_requests_total":           "HTTP requests served.",
	"http_request_duration_seconds": "Duration of HTTP requests.",
}

// Describe returns the help text for the named metric of the given kind.
func Describe(kind, name string) string {
	if d, ok := descriptions[name]; ok {
		return d
	}
	return fmt.Sprintf("%s for %s", kind, name)
}

// Collector receives check metrics. Labels are passed as alternating
// name/value pairs.
type Collector interface {
	IncrementCounter(name string, labels ...string)
	RecordHistogram(name string, value float64, labels ...string)
	// RecordGauge sets the current value of a gauge; the last call wins.
	RecordGauge(name string, value float64, labels ...string)
	StartTimer(name string) Timer
}

// Timer measures one operation.
type Timer interface {
	// Stop returns the elapsed time in seconds.
	Stop() float64
}

// NoOpCollector discards every metric. Its timers still measure, so a check
// run with metrics disabled reports a real duration.
type NoOpCollector struct{}

// NewNoOpCollector returns the collector used when metrics are disabled.
func NewNoOpCollector() Collector {
	return NoOpCollector{}
}

func (NoOpCollector) IncrementCounter(string, ...string)          {}
func (NoOpCollector) RecordHistogram(string, float64, ...string) {}
func (NoOpCollector) RecordGauge(string, float64, ...string)     {}

// StartTimer returns a stopwatch started now.
func (NoOpCollector) StartTimer(string) Timer {
	return stopwatch(time.Now())
}

type stopwatch time.Time

func (s stopwatch) Stop() float64 {
	return time.Since(time.Time(s)).Seconds()
}
