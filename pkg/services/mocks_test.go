package services

import (
	"sync"
	"time"

	"github.com/liquibase/custom-policychecks/pkg/models"
	"github.com/liquibase/custom-policychecks/pkg/parser"
)

// mockLogger implements Logger
type mockLogger struct {
	debugFunc func(msg string, keysAndValues ...interface{})
	infoFunc  func(msg string, keysAndValues ...interface{})
	warnFunc  func(msg string, keysAndValues ...interface{})
	errorFunc func(msg string, keysAndValues ...interface{})
}

func (m *mockLogger) Debug(msg string, keysAndValues ...interface{}) {
	if m.debugFunc != nil {
		m.debugFunc(msg, keysAndValues...)
	}
}

func (m *mockLogger) Info(msg string, keysAndValues ...interface{}) {
	if m.infoFunc != nil {
		m.infoFunc(msg, keysAndValues...)
	}
}

func (m *mockLogger) Warn(msg string, keysAndValues ...interface{}) {
	if m.warnFunc != nil {
		m.warnFunc(msg, keysAndValues...)
	}
}

func (m *mockLogger) Error(msg string, keysAndValues ...interface{}) {
	if m.errorFunc != nil {
		m.errorFunc(msg, keysAndValues...)
	}
}

// mockMetricsCollector implements MetricsCollector and counts increments by
// metric name.
type mockMetricsCollector struct {
	mu       sync.Mutex
	counters map[string]int

	recordHistogramFunc func(name string, value float64, labels ...string)
	recordGaugeFunc     func(name string, value float64, labels ...string)
	startTimerFunc      func(name string) Timer
}

func (m *mockMetricsCollector) IncrementCounter(name string, labels ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters == nil {
		m.counters = make(map[string]int)
	}
	m.counters[name]++
}

func (m *mockMetricsCollector) RecordHistogram(name string, value float64, labels ...string) {
	if m.recordHistogramFunc != nil {
		m.recordHistogramFunc(name, value, labels...)
	}
}

func (m *mockMetricsCollector) RecordGauge(name string, value float64, labels ...string) {
	if m.recordGaugeFunc != nil {
		m.recordGaugeFunc(name, value, labels...)
	}
}

func (m *mockMetricsCollector) StartTimer(name string) Timer {
	if m.startTimerFunc != nil {
		return m.startTimerFunc(name)
	}
	return &mockTimer{}
}

func (m *mockMetricsCollector) count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

// mockTimer implements Timer
type mockTimer struct {
	elapsed time.Duration
}

func (m *mockTimer) Stop() time.Duration {
	return m.elapsed
}

// mockExtractor implements Extractor
type mockExtractor struct {
	name        models.Strategy
	extractFunc func(stmt *parser.Statement) (*parser.DML, error)
	calls       int
}

func (m *mockExtractor) Name() models.Strategy {
	return m.name
}

func (m *mockExtractor) Extract(stmt *parser.Statement) (*parser.DML, error) {
	m.calls++
	return m.extractFunc(stmt)
}

func staticEnv(values map[string]string) EnvLookup {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}
