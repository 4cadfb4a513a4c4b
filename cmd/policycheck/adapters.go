package main

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/liquibase/custom-policychecks/pkg/handlers"
	"github.com/liquibase/custom-policychecks/pkg/infrastructure/metrics"
	"github.com/liquibase/custom-policychecks/pkg/services"
)

// loggerAdapter adapts zerolog to the handlers/services Logger interface.
type loggerAdapter struct {
	logger zerolog.Logger
}

func (l *loggerAdapter) Debug(msg string, keysAndValues ...interface{}) {
	event := l.logger.Debug()
	l.addFields(event, keysAndValues...)
	event.Msg(msg)
}

func (l *loggerAdapter) Info(msg string, keysAndValues ...interface{}) {
	event := l.logger.Info()
	l.addFields(event, keysAndValues...)
	event.Msg(msg)
}

func (l *loggerAdapter) Warn(msg string, keysAndValues ...interface{}) {
	event := l.logger.Warn()
	l.addFields(event, keysAndValues...)
	event.Msg(msg)
}

func (l *loggerAdapter) Error(msg string, keysAndValues ...interface{}) {
	event := l.logger.Error()
	l.addFields(event, keysAndValues...)
	event.Msg(msg)
}

func (l *loggerAdapter) addFields(event *zerolog.Event, keysAndValues ...interface{}) {
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprint(keysAndValues[i])
		}

		switch v := keysAndValues[i+1].(type) {
		case string:
			event.Str(key, v)
		case int:
			event.Int(key, v)
		case int64:
			event.Int64(key, v)
		case float64:
			event.Float64(key, v)
		case bool:
			event.Bool(key, v)
		case error:
			event.AnErr(key, v)
		case time.Duration:
			event.Dur(key, v)
		case time.Time:
			event.Time(key, v)
		case []string:
			event.Strs(key, v)
		default:
			event.Interface(key, v)
		}
	}
}

// handlerMetricsAdapter adapts metrics.Collector to the handlers.MetricsCollector interface.
type handlerMetricsAdapter struct {
	collector metrics.Collector
}

func (m *handlerMetricsAdapter) IncrementCounter(name string, tags ...string) {
	m.collector.IncrementCounter(name, tags...)
}

func (m *handlerMetricsAdapter) RecordHistogram(name string, value float64, tags ...string) {
	m.collector.RecordHistogram(name, value, tags...)
}

func (m *handlerMetricsAdapter) RecordGauge(name string, value float64, tags ...string) {
	m.collector.RecordGauge(name, value, tags...)
}

func (m *handlerMetricsAdapter) StartTimer(name string) handlers.Timer {
	return &handlerTimerAdapter{timer: m.collector.StartTimer(name)}
}

// handlerTimerAdapter adapts metrics.Timer to handlers.Timer interface.
type handlerTimerAdapter struct {
	timer metrics.Timer
}

func (t *handlerTimerAdapter) Stop() {
	t.timer.Stop()
}

// serviceMetricsAdapter adapts metrics.Collector to the services.MetricsCollector interface.
type serviceMetricsAdapter struct {
	collector metrics.Collector
}

func (m *serviceMetricsAdapter) IncrementCounter(name string, labels ...string) {
	m.collector.IncrementCounter(name, labels...)
}

func (m *serviceMetricsAdapter) RecordHistogram(name string, value float64, labels ...string) {
	m.collector.RecordHistogram(name, value, labels...)
}

func (m *serviceMetricsAdapter) RecordGauge(name string, value float64, labels ...string) {
	m.collector.RecordGauge(name, value, labels...)
}

func (m *serviceMetricsAdapter) StartTimer(name string) services.Timer {
	return &serviceTimerAdapter{timer: m.collector.StartTimer(name)}
}

// serviceTimerAdapter adapts metrics.Timer to services.Timer interface.
type serviceTimerAdapter struct {
	timer metrics.Timer
}

func (t *serviceTimerAdapter) Stop() time.Duration {
	seconds := t.timer.Stop()
	return time.Duration(seconds * float64(time.Second))
}
