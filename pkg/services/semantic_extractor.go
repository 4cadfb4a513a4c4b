package services

import (
	"github.com/liquibase/custom-policychecks/pkg/models"
	"github.com/liquibase/custom-policychecks/pkg/parser"
)

// semanticExtractor implements Extractor over the token tree.
type semanticExtractor struct{}

// NewSemanticExtractor creates an extractor that analyzes the token tree.
func NewSemanticExtractor() Extractor {
	return &semanticExtractor{}
}

// Name returns the strategy implemented by the extractor.
func (e *semanticExtractor) Name() models.Strategy {
	return models.StrategySemantic
}

// Extract builds the DML description of stmt. Statements whose parentheses
// or CASE blocks do not balance fail with an UNPARSABLE error.
func (e *semanticExtractor) Extract(stmt *parser.Statement) (*parser.DML, error) {
	return parser.Analyze(stmt)
}
