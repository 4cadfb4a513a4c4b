package parser

import (
	"github.com/liquibase/custom-policychecks/pkg/errors"
)

// DML is the strategy-neutral description of a data-modifying statement
// handed to the ownership rule.
type DML struct {
	Kind      Kind
	Operation string
	Table     string
	Alias     string
	Raw       string

	// Insert is set for KindInsert.
	Insert *InsertExtraction
	// Predicate is the WHERE tree for KindUpdate and KindDelete; nil means
	// the statement touches every row.
	Predicate Predicate
	// Clauses holds one entry per actionable WHEN clause of a MERGE.
	Clauses []*DML
	// Unverifiable is a non-empty reason when the statement's shape cannot be
	// reasoned about at all.
	Unverifiable string
}

// Analyze builds the DML description of a classified statement using the
// token tree. KindOther statements are rejected with ErrUnsupportedKind.
func Analyze(stmt *Statement) (*DML, error) {
	if stmt == nil || stmt.Kind == KindOther {
		return nil, errors.ErrUnsupportedKind
	}
	dml := &DML{
		Kind:      stmt.Kind,
		Operation: stmt.Operation,
		Table:     stmt.Table,
		Alias:     stmt.Alias,
		Raw:       stmt.Raw,
	}

	switch stmt.Kind {
	case KindInsert:
		ext, err := ExtractInsert(stmt)
		if err != nil {
			return nil, err
		}
		dml.Insert = ext
	case KindUpdate, KindDelete:
		pred, err := BuildPredicate(stmt)
		if err != nil {
			return nil, err
		}
		dml.Predicate = pred
	case KindMerge:
		clauses, err := ExtractMerge(stmt)
		if err != nil {
			return nil, err
		}
		dml.Clauses = clauses
		if len(clauses) == 0 {
			dml.Unverifiable = "merge has no actionable WHEN clauses"
		}
	}
	return dml, nil
}
