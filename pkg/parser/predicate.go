package parser

import (
	"fmt"
	"strings"

	"github.com/liquibase/custom-policychecks/pkg/errors"
)

// Predicate is a node of a WHERE clause tree. The set of node types is
// closed: *Comparison, *And, *Or and *Opaque.
type Predicate interface {
	fmt.Stringer
	predicate()
}

// Comparison is a column compared against literal operands.
type Comparison struct {
	// Qualifier is the normalized table or alias prefix, empty when unqualified.
	Qualifier string
	// Column is the normalized column name.
	Column string
	// Operator is the canonical upper-case operator, e.g. "=", "NOT IN", "IS NULL".
	Operator string
	// Literal is the unquoted right operand of a binary comparison.
	Literal *string
	// List holds the operands of IN and BETWEEN.
	List []string
}

// And is a conjunction.
type And struct {
	Left, Right Predicate
}

// Or is a disjunction.
type Or struct {
	Left, Right Predicate
}

// Opaque is any condition the builder does not interpret.
type Opaque struct {
	Text string
}

func (*Comparison) predicate() {}
func (*And) predicate()        {}
func (*Or) predicate()         {}
func (*Opaque) predicate()     {}

func (c *Comparison) String() string {
	col := c.Column
	if c.Qualifier != "" {
		col = c.Qualifier + "." + c.Column
	}
	switch {
	case c.Literal != nil:
		return fmt.Sprintf("%s %s '%s'", col, c.Operator, *c.Literal)
	case strings.HasSuffix(c.Operator, "BETWEEN") && len(c.List) == 2:
		return fmt.Sprintf("%s %s '%s' AND '%s'", col, c.Operator, c.List[0], c.List[1])
	case len(c.List) > 0:
		return fmt.Sprintf("%s %s ('%s')", col, c.Operator, strings.Join(c.List, "', '"))
	default:
		return col + " " + c.Operator
	}
}

func (a *And) String() string { return "(" + a.Left.String() + " AND " + a.Right.String() + ")" }

func (o *Or) String() string { return "(" + o.Left.String() + " OR " + o.Right.String() + ")" }

func (o *Opaque) String() string { return "OPAQUE[" + o.Text + "]" }

// caseFolders are single-argument functions that are transparent to a
// case-insensitive equality test.
var caseFolders = map[string]bool{"UPPER": true, "LOWER": true, "UCASE": true, "LCASE": true}

var whereEnd = keyword("RETURNING", "ORDER", "LIMIT", "OFFSET")

// BuildPredicate builds the predicate tree of the statement's top-level
// WHERE clause. It returns (nil, nil) when the statement has no WHERE and an
// UNPARSABLE error when parentheses or CASE blocks are unbalanced.
func BuildPredicate(stmt *Statement) (Predicate, error) {
	if stmt == nil {
		return nil, errors.ErrUnsupportedKind
	}
	if err := checkBalanced(stmt.tokens); err != nil {
		return nil, err
	}
	where := indexTop(stmt.tokens, stmt.body, keyword("WHERE"))
	if where < 0 {
		return nil, nil
	}
	clause := stmt.tokens[where+1:]
	if end := indexTop(clause, 0, whereEnd); end >= 0 {
		clause = clause[:end]
	}
	return stmt.expression(clause), nil
}

// expression folds depth-zero OR, then AND, left-associatively.
func (s *Statement) expression(tokens []Token) Predicate {
	if len(tokens) == 0 {
		return &Opaque{}
	}
	if ors := splitTop(tokens, keyword("OR")); len(ors) > 1 {
		var p Predicate
		for _, part := range ors {
			p = join(p, s.expression(part), false)
		}
		return p
	}
	if ands := s.splitAnd(tokens); len(ands) > 1 {
		var p Predicate
		for _, part := range ands {
			p = join(p, s.expression(part), true)
		}
		return p
	}
	return s.term(tokens)
}

func join(left, right Predicate, and bool) Predicate {
	if left == nil {
		return right
	}
	if and {
		return &And{Left: left, Right: right}
	}
	return &Or{Left: left, Right: right}
}

// splitAnd splits at depth-zero AND, leaving the AND of BETWEEN x AND y
// inside its term.
func (s *Statement) splitAnd(tokens []Token) [][]Token {
	between := false
	return splitTop(tokens, func(t Token) bool {
		if t.Is("BETWEEN") {
			between = true
			return false
		}
		if t.Is("AND") {
			if between {
				between = false
				return false
			}
			return true
		}
		return false
	})
}

func (s *Statement) opaque(tokens []Token) Predicate {
	return &Opaque{Text: s.span(tokens)}
}

// term interprets a single condition without top-level AND or OR.
func (s *Statement) term(tokens []Token) Predicate {
	if tokens[0].IsPunct("(") && closing(tokens, 0) == len(tokens)-1 {
		inner := tokens[1 : len(tokens)-1]
		if len(inner) == 0 || startsQuery(inner) {
			return s.opaque(tokens)
		}
		return s.expression(inner)
	}
	if tokens[0].Is("NOT") || tokens[0].Is("EXISTS") {
		return s.opaque(tokens)
	}

	left, next := operand(tokens, 0)
	if left.kind == operandNone || next >= len(tokens) {
		return s.opaque(tokens)
	}
	op, next := operator(tokens, next)
	if op == "" {
		return s.opaque(tokens)
	}
	rest := tokens[next:]

	switch op {
	case "IS NULL", "IS NOT NULL":
		if left.kind != operandColumn || len(rest) != 0 {
			return s.opaque(tokens)
		}
		return &Comparison{Qualifier: left.qualifier, Column: left.column, Operator: op}

	case "IN", "NOT IN":
		values, ok := literalList(rest)
		if left.kind != operandColumn || !ok {
			return s.opaque(tokens)
		}
		return &Comparison{Qualifier: left.qualifier, Column: left.column, Operator: op, List: values}

	case "BETWEEN", "NOT BETWEEN":
		low, i := operand(rest, 0)
		if left.kind != operandColumn || low.kind != operandLiteral || i >= len(rest) || !rest[i].Is("AND") {
			return s.opaque(tokens)
		}
		high, j := operand(rest, i+1)
		if high.kind != operandLiteral || j != len(rest) {
			return s.opaque(tokens)
		}
		return &Comparison{Qualifier: left.qualifier, Column: left.column, Operator: op, List: []string{low.value, high.value}}
	}

	right, end := operand(rest, 0)
	if end != len(rest) {
		return s.opaque(tokens)
	}
	switch {
	case left.kind == operandColumn && right.kind == operandLiteral:
		value := right.value
		return &Comparison{Qualifier: left.qualifier, Column: left.column, Operator: op, Literal: &value}
	case left.kind == operandLiteral && right.kind == operandColumn:
		flipped, ok := flip(op)
		if !ok {
			return s.opaque(tokens)
		}
		value := left.value
		return &Comparison{Qualifier: right.qualifier, Column: right.column, Operator: flipped, Literal: &value}
	}
	return s.opaque(tokens)
}

func flip(op string) (string, bool) {
	switch op {
	case "=", "!=", "<>":
		return op, true
	case "<":
		return ">", true
	case ">":
		return "<", true
	case "<=":
		return ">=", true
	case ">=":
		return "<=", true
	}
	return "", false
}

type operandKind int

const (
	operandNone operandKind = iota
	operandColumn
	operandLiteral
)

type operandInfo struct {
	kind      operandKind
	qualifier string
	column    string
	value     string
}

// operand reads a column reference, a case-folded column reference or a
// literal starting at i.
func operand(tokens []Token, i int) (operandInfo, int) {
	if i >= len(tokens) {
		return operandInfo{}, i
	}
	t := tokens[i]

	switch {
	case t.Class == ClassLiteral:
		return operandInfo{kind: operandLiteral, value: t.LiteralValue()}, i + 1
	case t.IsPunct("-") && i+1 < len(tokens) && tokens[i+1].Class == ClassLiteral && !tokens[i+1].IsString():
		return operandInfo{kind: operandLiteral, value: "-" + tokens[i+1].Text}, i + 2
	case t.Class == ClassIdentifier && caseFolders[strings.ToUpper(t.Text)] &&
		i+1 < len(tokens) && tokens[i+1].IsPunct("("):
		end := closing(tokens, i+1)
		if end < 0 {
			return operandInfo{}, i
		}
		inner, next := operand(tokens[i+2:end], 0)
		if inner.kind != operandColumn || next != end-(i+2) {
			return operandInfo{}, i
		}
		return inner, end + 1
	case t.Class == ClassIdentifier:
		parts, next := qualifiedName(tokens, i)
		if next < len(tokens) && (tokens[next].IsPunct("(") || tokens[next].IsPunct(".")) {
			return operandInfo{}, i
		}
		info := operandInfo{kind: operandColumn, column: NormalizeIdentifier(parts[len(parts)-1])}
		if len(parts) > 1 {
			info.qualifier = NormalizeTable(parts[len(parts)-2])
		}
		return info, next
	}
	return operandInfo{}, i
}

// operator reads a comparison operator starting at i and returns its
// canonical spelling.
func operator(tokens []Token, i int) (string, int) {
	t := tokens[i]
	if t.Class == ClassPunctuation {
		switch t.Text {
		case "=", "!=", "<>", "<", ">", "<=", ">=":
			return t.Text, i + 1
		}
		return "", i
	}

	word := func(j int) string {
		if j < len(tokens) && tokens[j].Class == ClassKeyword {
			return strings.ToUpper(tokens[j].Text)
		}
		return ""
	}
	switch word(i) {
	case "LIKE", "ILIKE", "IN", "BETWEEN":
		return word(i), i + 1
	case "NOT":
		switch next := word(i + 1); next {
		case "LIKE", "ILIKE", "IN", "BETWEEN":
			return "NOT " + next, i + 2
		}
	case "IS":
		switch {
		case word(i+1) == "NULL":
			return "IS NULL", i + 2
		case word(i+1) == "NOT" && word(i+2) == "NULL":
			return "IS NOT NULL", i + 3
		}
	}
	return "", i
}

// literalList reads "( literal, ... )" spanning all of tokens.
func literalList(tokens []Token) ([]string, bool) {
	if len(tokens) < 2 || !tokens[0].IsPunct("(") || closing(tokens, 0) != len(tokens)-1 {
		return nil, false
	}
	inner := tokens[1 : len(tokens)-1]
	if len(inner) == 0 || startsQuery(inner) {
		return nil, false
	}
	var values []string
	for _, item := range splitTop(inner, isComma) {
		v, next := operand(item, 0)
		if v.kind != operandLiteral || next != len(item) {
			return nil, false
		}
		values = append(values, v.value)
	}
	return values, true
}
