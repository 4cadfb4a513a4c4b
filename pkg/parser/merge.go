package parser

import (
	"github.com/liquibase/custom-policychecks/pkg/errors"
)

// ExtractMerge reads the WHEN clauses of a MERGE statement. Each actionable
// clause becomes a DML of the kind it performs:
//
//	WHEN MATCHED [AND c] THEN UPDATE|DELETE        predicate: ON AND c
//	WHEN NOT MATCHED BY SOURCE [AND c] THEN ...    predicate: c
//	WHEN NOT MATCHED [BY TARGET] THEN INSERT ...   insert rows
//
// DO NOTHING clauses are dropped. A clause that cannot be read is returned
// with Unverifiable set.
func ExtractMerge(stmt *Statement) ([]*DML, error) {
	if stmt == nil || stmt.Kind != KindMerge {
		return nil, errors.ErrUnsupportedKind
	}
	if err := checkBalanced(stmt.tokens); err != nil {
		return nil, err
	}

	tokens := stmt.tokens
	using := indexTop(tokens, stmt.body, keyword("USING"))
	if using < 0 {
		return nil, errors.Wrap(errors.ErrUnsupportedKind, errors.CodeUnparsable, "merge has no USING clause")
	}
	on := indexTop(tokens, using+1, keyword("ON"))
	if on < 0 {
		return nil, errors.Wrap(errors.ErrUnsupportedKind, errors.CodeUnparsable, "merge has no ON condition")
	}
	when := indexTop(tokens, on+1, keyword("WHEN"))
	if when < 0 {
		return nil, nil
	}
	onPredicate := stmt.expression(tokens[on+1 : when])

	var clauses []*DML
	for _, clause := range splitTop(tokens[when+1:], keyword("WHEN")) {
		if dml := stmt.mergeClause(clause, onPredicate); dml != nil {
			clauses = append(clauses, dml)
		}
	}
	return clauses, nil
}

func (s *Statement) mergeClause(tokens []Token, on Predicate) *DML {
	dml := &DML{
		Operation: s.Operation,
		Table:     s.Table,
		Alias:     s.Alias,
		Raw:       "WHEN " + s.span(tokens),
	}

	i := 0
	notMatched, bySource := false, false
	if i < len(tokens) && tokens[i].Is("NOT") {
		notMatched = true
		i++
	}
	if i >= len(tokens) || !tokens[i].Is("MATCHED") {
		dml.Kind = KindMerge
		dml.Unverifiable = "WHEN clause does not start with MATCHED or NOT MATCHED"
		return dml
	}
	i++
	if i+1 < len(tokens) && tokens[i].Is("BY") {
		bySource = tokens[i+1].IsWord("SOURCE")
		i += 2
	}

	then := indexTop(tokens, i, keyword("THEN"))
	if then < 0 || then+1 >= len(tokens) {
		dml.Kind = KindMerge
		dml.Unverifiable = "WHEN clause has no THEN action"
		return dml
	}
	var condition Predicate
	if tokens[i].Is("AND") {
		condition = s.expression(tokens[i+1 : then])
	}

	action := tokens[then+1:]
	switch {
	case action[0].Is("DO"):
		return nil
	case action[0].Is("UPDATE"), action[0].Is("DELETE"):
		dml.Kind = KindUpdate
		if action[0].Is("DELETE") {
			dml.Kind = KindDelete
		}
		switch {
		case !notMatched:
			dml.Predicate = on
			if condition != nil {
				dml.Predicate = &And{Left: on, Right: condition}
			}
		case bySource:
			dml.Predicate = condition
		default:
			dml.Unverifiable = "NOT MATCHED clause cannot update or delete target rows"
		}
	case action[0].Is("INSERT"):
		dml.Kind = KindInsert
		if !notMatched || bySource {
			dml.Unverifiable = "INSERT is only valid for rows not matched by the target"
			break
		}
		dml.Insert = s.insertSource(action[1:])
	default:
		dml.Kind = KindMerge
		dml.Unverifiable = "unrecognised MERGE action"
	}
	return dml
}
