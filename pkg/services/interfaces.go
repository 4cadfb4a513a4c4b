// Package services contains business logic implementations.
package services

import (
	"context"
	"time"

	"github.com/liquibase/custom-policychecks/pkg/models"
	"github.com/liquibase/custom-policychecks/pkg/parser"
)

// RowSecurityService runs the row-level security check over a set of changes.
type RowSecurityService interface {
	Check(ctx context.Context, req *models.CheckRequest) (*models.CheckResult, error)
}

// Extractor turns a classified statement into the structure the ownership
// rule evaluates.
type Extractor interface {
	Name() models.Strategy
	Extract(stmt *parser.Statement) (*parser.DML, error)
}

// OwnershipEvaluator decides whether a statement is scoped to the tenant.
type OwnershipEvaluator interface {
	Evaluate(dml *parser.DML, cfg models.PolicyConfig) models.Verdict
}

// EnvLookup resolves environment variables.
type EnvLookup func(key string) (string, bool)

// Logger defines logging interface.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// MetricsCollector defines metrics collection interface.
type MetricsCollector interface {
	IncrementCounter(name string, labels ...string)
	RecordHistogram(name string, value float64, labels ...string)
	RecordGauge(name string, value float64, labels ...string)
	StartTimer(name string) Timer
}

// Timer represents a timing measurement.
type Timer interface {
	Stop() time.Duration
}
