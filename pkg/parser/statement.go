package parser

import (
	"strings"
)

// Kind is the statement family relevant to row ownership.
type Kind int

const (
	KindOther Kind = iota
	KindInsert
	KindUpdate
	KindDelete
	KindMerge
)

// String returns the string representation of the statement kind.
func (k Kind) String() string {
	switch k {
	case KindInsert:
		return "INSERT"
	case KindUpdate:
		return "UPDATE"
	case KindDelete:
		return "DELETE"
	case KindMerge:
		return "MERGE"
	default:
		return "OTHER"
	}
}

// Statement is one classified SQL statement.
type Statement struct {
	// Kind is the statement family.
	Kind Kind
	// Operation is the leading verb as written (INSERT, REPLACE, UPDATE, DELETE, MERGE).
	Operation string
	// Table is the normalized target table, empty for KindOther.
	Table string
	// Alias is the normalized target alias, if one was given.
	Alias string
	// Raw is the statement text, without the terminating semicolon.
	Raw string

	// tokens are the significant tokens; positions are relative to Raw.
	tokens []Token
	// verb indexes the leading verb in tokens.
	verb int
	// body indexes the first token after the target reference and alias.
	body int
}

// Tokens returns the significant tokens of the statement.
func (s *Statement) Tokens() []Token {
	return s.tokens
}

// span returns the source text covering a run of the statement's tokens.
func (s *Statement) span(tokens []Token) string {
	if len(tokens) == 0 {
		return ""
	}
	return s.Raw[tokens[0].Pos:tokens[len(tokens)-1].End()]
}

// Parse splits text into statements at semicolons outside parentheses,
// literals and comments, and classifies each one. Empty statements are
// dropped. A data-modifying statement written as the body of a WITH clause
// is returned as a statement of its own, ahead of the statement holding it.
// Parse never fails.
func Parse(text string) []*Statement {
	all := Tokenize(text)

	var statements []*Statement
	depth := 0
	start := 0
	flush := func(end int) {
		statements = append(statements, nestedStatements(text, all[start:end])...)
		if stmt := newStatement(text, all[start:end]); stmt != nil {
			statements = append(statements, stmt)
		}
		start = end + 1
	}

	for i, t := range all {
		switch {
		case t.IsPunct("("):
			depth++
		case t.IsPunct(")"):
			if depth > 0 {
				depth--
			}
		case t.IsPunct(";") && depth == 0:
			flush(i)
		}
	}
	if start < len(all) {
		flush(len(all))
	}
	return statements
}

// ParseStatement classifies text as a single statement. A trailing semicolon
// is ignored. It returns nil when text holds no significant tokens.
func ParseStatement(text string) *Statement {
	tokens := Tokenize(text)
	for len(tokens) > 0 {
		last := tokens[len(tokens)-1]
		if last.Significant() && !last.IsPunct(";") {
			break
		}
		tokens = tokens[:len(tokens)-1]
	}
	return newStatement(text, tokens)
}

// nestedStatements returns the data-modifying WITH clause bodies that come
// before the main verb of raw, innermost first.
func nestedStatements(src string, raw []Token) []*Statement {
	first := 0
	for first < len(raw) && !raw[first].Significant() {
		first++
	}
	if first == len(raw) || !raw[first].Is("WITH") {
		return nil
	}

	var nested []*Statement
	depth, open := 0, -1
	for i := first + 1; i < len(raw); i++ {
		t := raw[i]
		switch {
		case t.IsPunct("("):
			if depth == 0 {
				open = i
			}
			depth++
		case t.IsPunct(")"):
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && open >= 0 {
				body := raw[open+1 : i]
				nested = append(nested, nestedStatements(src, body)...)
				if stmt := newStatement(src, body); stmt != nil && stmt.Kind != KindOther {
					nested = append(nested, stmt)
				}
				open = -1
			}
		case depth == 0 && t.Class == ClassKeyword && verbs[strings.ToUpper(t.Text)]:
			return nested
		}
	}
	return nested
}

func newStatement(src string, raw []Token) *Statement {
	first, last := -1, -1
	for i, t := range raw {
		if t.Significant() {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 {
		return nil
	}

	begin := raw[first].Pos
	stmt := &Statement{Raw: src[begin:raw[last].End()]}
	for _, t := range raw[first : last+1] {
		if t.Significant() {
			t.Pos -= begin
			stmt.tokens = append(stmt.tokens, t)
		}
	}
	stmt.classify()
	return stmt
}

// Classify reports the statement kind and normalized target table of the
// given tokens. It is total: anything unrecognised is (KindOther, "").
func Classify(tokens []Token) (Kind, string) {
	stmt := &Statement{tokens: Significant(tokens)}
	stmt.classify()
	return stmt.Kind, stmt.Table
}

var (
	insertModifiers = map[string]bool{"IGNORE": true, "LOW_PRIORITY": true, "HIGH_PRIORITY": true, "DELAYED": true, "OR": true, "REPLACE": true, "ROLLBACK": true, "ABORT": true, "FAIL": true}
	updateModifiers = map[string]bool{"ONLY": true, "LOW_PRIORITY": true, "IGNORE": true}
	deleteModifiers = map[string]bool{"ONLY": true}
	verbs           = map[string]bool{"INSERT": true, "REPLACE": true, "UPDATE": true, "DELETE": true, "MERGE": true, "SELECT": true}
)

func (s *Statement) classify() {
	s.Kind, s.Table, s.Alias, s.Operation = KindOther, "", "", ""

	v := s.findVerb()
	if v < 0 {
		return
	}
	s.verb = v
	verb := strings.ToUpper(s.tokens[v].Text)

	var kind Kind
	var ref int
	switch verb {
	case "INSERT", "REPLACE":
		kind = KindInsert
		ref = s.expect(v+1, "INTO", insertModifiers)
	case "UPDATE":
		kind = KindUpdate
		ref = s.skipTop(s.skip(v+1, updateModifiers))
	case "DELETE":
		kind = KindDelete
		ref = s.findFrom(v + 1)
		if ref >= 0 {
			ref = s.skip(ref, deleteModifiers)
		} else {
			// Oracle and SQL Server allow DELETE [TOP (n)] t WHERE ...
			ref = s.skipTop(v + 1)
		}
	case "MERGE":
		kind = KindMerge
		ref = v + 1
		if ref < len(s.tokens) && s.tokens[ref].Is("INTO") {
			ref++
		}
	default:
		return
	}
	if ref < 0 || ref >= len(s.tokens) {
		return
	}

	name, next := qualifiedName(s.tokens, ref)
	if len(name) == 0 {
		return
	}
	table := NormalizeTable(name[len(name)-1])
	if table == "" {
		return
	}

	alias, next := s.alias(next, kind)
	if kind == KindUpdate && alias == "" && len(name) == 1 {
		if resolved, ok := s.fromAlias(next, table); ok {
			table, alias = resolved, table
		}
	}

	s.Kind = kind
	s.Operation = verb
	s.Table = table
	s.Alias = alias
	s.body = next
}

// findVerb locates the leading DML verb, looking past a WITH prefix.
func (s *Statement) findVerb() int {
	if len(s.tokens) == 0 {
		return -1
	}
	first := s.tokens[0]
	if !first.Is("WITH") {
		if first.Class == ClassKeyword && verbs[strings.ToUpper(first.Text)] {
			return 0
		}
		return -1
	}
	depth := 0
	for i := 1; i < len(s.tokens); i++ {
		t := s.tokens[i]
		switch {
		case t.IsPunct("("):
			depth++
		case t.IsPunct(")"):
			depth--
		case depth == 0 && t.Class == ClassKeyword && verbs[strings.ToUpper(t.Text)]:
			return i
		}
	}
	return -1
}

// expect returns the index after keyword, allowing only modifier words
// between start and keyword.
func (s *Statement) expect(start int, keyword string, modifiers map[string]bool) int {
	for i := start; i < len(s.tokens); i++ {
		t := s.tokens[i]
		if t.Is(keyword) {
			return i + 1
		}
		if !modifiers[strings.ToUpper(t.Text)] || t.Class == ClassLiteral {
			return -1
		}
	}
	return -1
}

func (s *Statement) skip(start int, modifiers map[string]bool) int {
	i := start
	for i < len(s.tokens) && s.tokens[i].Class != ClassLiteral && modifiers[strings.ToUpper(s.tokens[i].Text)] {
		i++
	}
	return i
}

// skipTop steps over a SQL Server TOP (n) [PERCENT] clause at i. It returns
// -1 when the clause is not closed.
func (s *Statement) skipTop(i int) int {
	if i+1 >= len(s.tokens) || !s.tokens[i].IsWord("TOP") || !s.tokens[i+1].IsPunct("(") {
		return i
	}
	end := closing(s.tokens, i+1)
	if end < 0 {
		return -1
	}
	i = end + 1
	if i < len(s.tokens) && s.tokens[i].IsWord("PERCENT") {
		i++
	}
	return i
}

// fromAlias resolves an UPDATE target that names an alias declared in the
// statement's FROM clause, as in UPDATE fc SET ... FROM t fc.
func (s *Statement) fromAlias(start int, alias string) (string, bool) {
	from := indexTop(s.tokens, start, keyword("FROM", "WHERE"))
	if from < 0 || !s.tokens[from].Is("FROM") {
		return "", false
	}
	var n nesting
	for i := from + 1; i < len(s.tokens); i++ {
		t := s.tokens[i]
		if !n.step(t) {
			continue
		}
		if t.Is("WHERE") {
			break
		}
		if t.Class != ClassIdentifier {
			continue
		}
		parts, next := qualifiedName(s.tokens, i)
		at := next
		if at < len(s.tokens) && s.tokens[at].Is("AS") {
			at++
		}
		if at < len(s.tokens) && s.tokens[at].Class == ClassIdentifier && NormalizeIdentifier(s.tokens[at].Text) == alias {
			return NormalizeTable(parts[len(parts)-1]), true
		}
		i = next - 1
	}
	return "", false
}

// findFrom returns the index after the first FROM at parenthesis depth zero.
func (s *Statement) findFrom(start int) int {
	depth := 0
	for i := start; i < len(s.tokens); i++ {
		t := s.tokens[i]
		switch {
		case t.IsPunct("("):
			depth++
		case t.IsPunct(")"):
			depth--
		case depth == 0 && t.Is("FROM"):
			return i + 1
		case depth == 0 && (t.Is("WHERE") || t.Is("USING")):
			return -1
		}
	}
	return -1
}

// alias reads an optional target alias at i. INSERT only takes an alias
// introduced by AS.
func (s *Statement) alias(i int, kind Kind) (string, int) {
	if i >= len(s.tokens) {
		return "", i
	}
	if s.tokens[i].Is("AS") {
		if i+1 < len(s.tokens) && s.tokens[i+1].Class == ClassIdentifier {
			return NormalizeIdentifier(s.tokens[i+1].Text), i + 2
		}
		return "", i + 1
	}
	if kind != KindInsert && s.tokens[i].Class == ClassIdentifier {
		return NormalizeIdentifier(s.tokens[i].Text), i + 1
	}
	return "", i
}

// qualifiedName reads identifiers joined by dots starting at i and returns
// the raw parts and the index after the name.
func qualifiedName(tokens []Token, i int) ([]string, int) {
	var parts []string
	for i < len(tokens) && tokens[i].Class == ClassIdentifier {
		parts = append(parts, tokens[i].Text)
		i++
		if i+1 < len(tokens) && tokens[i].IsPunct(".") && tokens[i+1].Class == ClassIdentifier {
			i++
			continue
		}
		break
	}
	return parts, i
}
