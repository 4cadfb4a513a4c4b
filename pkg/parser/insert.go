package parser

import (
	"github.com/liquibase/custom-policychecks/pkg/errors"
)

// InsertShape describes how an INSERT's columns could be matched to values.
type InsertShape int

const (
	// InsertPaired means every row was zipped against an explicit column list.
	InsertPaired InsertShape = iota
	// InsertUnpaired means no column list was available; rows cannot be zipped.
	InsertUnpaired
	// InsertMismatch means the column list and a row disagree in length, the
	// column list could not be read, or the insert rewrites existing rows on
	// conflict.
	InsertMismatch
)

// String returns the string representation of the shape.
func (s InsertShape) String() string {
	switch s {
	case InsertPaired:
		return "paired"
	case InsertUnpaired:
		return "unpaired"
	case InsertMismatch:
		return "mismatch"
	default:
		return "unknown"
	}
}

// ColumnValuePair is one column of an inserted row with the expression
// supplied for it.
type ColumnValuePair struct {
	// Column is the normalized column name.
	Column string `json:"column"`
	// Value is the expression text as written.
	Value string `json:"value"`
	// IsNull is set when the expression is the NULL keyword.
	IsNull bool `json:"is_null,omitempty"`
}

// Unquoted returns Value with one level of string or identifier quoting
// removed.
func (p ColumnValuePair) Unquoted() string {
	if p.Value == "" {
		return ""
	}
	tokens := Significant(Tokenize(p.Value))
	if len(tokens) != 1 {
		return p.Value
	}
	t := tokens[0]
	if t.Class == ClassLiteral {
		return t.LiteralValue()
	}
	if t.Class == ClassIdentifier {
		return Unquote(t.Text)
	}
	return p.Value
}

// Literal returns the value of a pair whose expression is a single string
// or numeric literal. ok is false for any other expression, a column
// reference included.
func (p ColumnValuePair) Literal() (value string, ok bool) {
	tokens := Significant(Tokenize(p.Value))
	if len(tokens) != 1 || tokens[0].Class != ClassLiteral {
		return "", false
	}
	return tokens[0].LiteralValue(), true
}

// InsertExtraction is the result of reading an INSERT's target columns and
// source rows.
type InsertExtraction struct {
	Shape   InsertShape
	Columns []string
	Rows    [][]ColumnValuePair
	// Reason explains an unpaired or mismatched shape.
	Reason string
}

// ExtractInsert reads the column list and rows of an INSERT or REPLACE
// statement. VALUES rows, INSERT ... SELECT select lists, MySQL
// INSERT ... SET assignments and DEFAULT VALUES are understood. An
// ON CONFLICT ... DO UPDATE or ON DUPLICATE KEY UPDATE tail is reported as
// a mismatch: the rows it rewrites were never matched against the tenant.
func ExtractInsert(stmt *Statement) (*InsertExtraction, error) {
	if stmt == nil || stmt.Kind != KindInsert {
		return nil, errors.ErrUnsupportedKind
	}
	if err := checkBalanced(stmt.tokens); err != nil {
		return nil, err
	}
	body := stmt.tokens[stmt.body:]
	if upsertsExisting(body) {
		return &InsertExtraction{Shape: InsertMismatch, Reason: "insert updates existing rows on conflict"}, nil
	}
	return stmt.insertSource(body), nil
}

// upsertsExisting reports whether tokens end in a top-level conflict clause
// that updates the conflicting row. ON CONFLICT ... DO NOTHING does not.
func upsertsExisting(tokens []Token) bool {
	for on := indexTop(tokens, 0, keyword("ON")); on >= 0; on = indexTop(tokens, on+1, keyword("ON")) {
		rest := tokens[on+1:]
		if len(rest) == 0 {
			return false
		}
		if rest[0].IsWord("DUPLICATE") {
			return true
		}
		if rest[0].IsWord("CONFLICT") {
			do := indexTop(rest, 1, keyword("DO"))
			return do >= 0 && do+1 < len(rest) && rest[do+1].Is("UPDATE")
		}
	}
	return false
}

// insertSource reads an optional column list followed by a row source.
func (s *Statement) insertSource(tokens []Token) *InsertExtraction {
	var columns []string
	hasColumns := false

	if len(tokens) > 0 && tokens[0].IsPunct("(") {
		end := closing(tokens, 0)
		if end < 0 {
			return &InsertExtraction{Shape: InsertMismatch, Reason: "column list is not closed"}
		}
		inner := tokens[1:end]
		if !startsQuery(inner) {
			cols, ok := columnList(inner)
			if !ok {
				return &InsertExtraction{Shape: InsertMismatch, Reason: "column list is not a list of plain column names"}
			}
			columns = cols
			hasColumns = true
			tokens = tokens[end+1:]
		}
	}

	switch {
	case len(tokens) == 0:
		return &InsertExtraction{Shape: InsertMismatch, Columns: columns, Reason: "statement has no row source"}

	case tokens[0].Is("DEFAULT") && len(tokens) > 1 && tokens[1].Is("VALUES"):
		return &InsertExtraction{Shape: InsertPaired, Columns: columns, Rows: [][]ColumnValuePair{{}}}

	case tokens[0].Is("VALUES") || tokens[0].IsWord("VALUE"):
		rows, ok := s.valueRows(tokens[1:])
		if !ok {
			return &InsertExtraction{Shape: InsertMismatch, Columns: columns, Reason: "VALUES rows could not be read"}
		}
		if !hasColumns {
			return &InsertExtraction{Shape: InsertUnpaired, Reason: "insert has no column list"}
		}
		return s.zipRows(columns, rows)

	case tokens[0].Is("SET"):
		return s.assignments(tokens[1:])

	case startsQuery(tokens) || tokens[0].IsPunct("("):
		if !hasColumns {
			return &InsertExtraction{Shape: InsertUnpaired, Reason: "insert has no column list"}
		}
		items, ok := s.selectList(tokens)
		if !ok {
			return &InsertExtraction{Shape: InsertUnpaired, Columns: columns, Reason: "select list cannot be paired with the column list"}
		}
		return s.zipRows(columns, [][][]Token{items})
	}

	return &InsertExtraction{Shape: InsertUnpaired, Columns: columns, Reason: "unrecognised row source"}
}

func (s *Statement) zipRows(columns []string, rows [][][]Token) *InsertExtraction {
	ext := &InsertExtraction{Shape: InsertPaired, Columns: columns}
	for _, row := range rows {
		if len(row) != len(columns) {
			return &InsertExtraction{Shape: InsertMismatch, Columns: columns, Reason: "column count does not match value count"}
		}
		pairs := make([]ColumnValuePair, len(row))
		for i, item := range row {
			pairs[i] = s.pair(columns[i], item)
		}
		ext.Rows = append(ext.Rows, pairs)
	}
	return ext
}

func (s *Statement) pair(column string, item []Token) ColumnValuePair {
	return ColumnValuePair{
		Column: column,
		Value:  s.span(item),
		IsNull: len(item) == 1 && item[0].Is("NULL"),
	}
}

func columnList(tokens []Token) ([]string, bool) {
	var columns []string
	for _, item := range splitTop(tokens, isComma) {
		parts, next := qualifiedName(item, 0)
		if len(parts) == 0 || next != len(item) {
			return nil, false
		}
		columns = append(columns, NormalizeIdentifier(parts[len(parts)-1]))
	}
	return columns, true
}

func (s *Statement) valueRows(tokens []Token) ([][][]Token, bool) {
	var rows [][][]Token
	i := 0
	for i < len(tokens) {
		if tokens[i].IsWord("ROW") {
			i++
		}
		if i >= len(tokens) || !tokens[i].IsPunct("(") {
			break
		}
		end := closing(tokens, i)
		if end < 0 {
			return nil, false
		}
		rows = append(rows, splitTop(tokens[i+1:end], isComma))
		i = end + 1
		if i < len(tokens) && tokens[i].IsPunct(",") {
			i++
			continue
		}
		break
	}
	return rows, len(rows) > 0
}

func (s *Statement) assignments(tokens []Token) *InsertExtraction {
	end := indexTop(tokens, 0, keyword("ON", "RETURNING"))
	if end < 0 {
		end = len(tokens)
	}
	var columns []string
	var row []ColumnValuePair
	for _, item := range splitTop(tokens[:end], isComma) {
		parts, next := qualifiedName(item, 0)
		if len(parts) == 0 || next >= len(item) || !item[next].IsPunct("=") {
			return &InsertExtraction{Shape: InsertMismatch, Reason: "SET assignment could not be read"}
		}
		column := NormalizeIdentifier(parts[len(parts)-1])
		columns = append(columns, column)
		row = append(row, s.pair(column, item[next+1:]))
	}
	return &InsertExtraction{Shape: InsertPaired, Columns: columns, Rows: [][]ColumnValuePair{row}}
}

var selectListEnd = keyword("FROM", "WHERE", "GROUP", "HAVING", "ORDER", "LIMIT", "OFFSET", "ON", "RETURNING", "UNION", "INTERSECT", "EXCEPT")

// selectList returns the projected expressions of an INSERT ... SELECT
// source with aliases removed. It fails for set operations and star
// projections.
func (s *Statement) selectList(tokens []Token) ([][]Token, bool) {
	if len(tokens) > 0 && tokens[0].IsPunct("(") {
		end := closing(tokens, 0)
		if end != len(tokens)-1 {
			return nil, false
		}
		return s.selectList(tokens[1:end])
	}
	if indexTop(tokens, 0, keyword("UNION", "INTERSECT", "EXCEPT")) >= 0 {
		return nil, false
	}

	sel := indexTop(tokens, 0, keyword("SELECT"))
	if sel < 0 {
		return nil, false
	}
	start := sel + 1
	for start < len(tokens) && (tokens[start].Is("DISTINCT") || tokens[start].Is("ALL")) {
		start++
	}
	end := indexTop(tokens, start, selectListEnd)
	if end < 0 {
		end = len(tokens)
	}

	items := splitTop(tokens[start:end], isComma)
	for i, item := range items {
		if len(item) == 0 {
			return nil, false
		}
		last := item[len(item)-1]
		if last.IsPunct("*") {
			return nil, false
		}
		items[i] = stripAlias(item)
	}
	return items, true
}

func stripAlias(item []Token) []Token {
	n := len(item)
	if n < 2 || item[n-1].Class != ClassIdentifier {
		return item
	}
	prev := item[n-2]
	if prev.Is("AS") {
		return item[:n-2]
	}
	if prev.Class != ClassPunctuation || prev.IsPunct(")") {
		return item[:n-1]
	}
	return item
}
