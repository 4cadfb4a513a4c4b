package services

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/liquibase/custom-policychecks/pkg/errors"
	"github.com/liquibase/custom-policychecks/pkg/models"
	"github.com/liquibase/custom-policychecks/pkg/parser"
)

// statementPattern recognises one statement family. The pattern is anchored
// at the verb and captures the target name and, where the family allows
// one, the target alias.
type statementPattern struct {
	kind      parser.Kind
	operation string
	pattern   *regexp.Regexp
}

// StatementClassifier is the lexical extraction strategy. It works on
// statement text with literals and comments masked out and never needs the
// statement to be well formed.
type StatementClassifier struct {
	// Compiled regex patterns for statement families
	statementPatterns []statementPattern
	verbPattern       *regexp.Regexp

	// Masking patterns
	maskPattern        *regexp.Regexp
	placeholderPattern *regexp.Regexp
	caseEndPattern     *regexp.Regexp

	// UPDATE ... FROM patterns
	fromPattern *regexp.Regexp

	// WHERE clause patterns
	wherePattern    *regexp.Regexp
	whereEndPattern *regexp.Regexp
	orPattern       *regexp.Regexp
	notPattern      *regexp.Regexp
	equalityPattern *regexp.Regexp

	// INSERT patterns
	valuesPattern      *regexp.Regexp
	upsertPattern      *regexp.Regexp
	querySourcePattern *regexp.Regexp
	columnPattern      *regexp.Regexp
}

const (
	namePart    = "(?:[\\w$#]+|\"[^\"]*\"|`[^`]*`|\\[[^\\]]*\\])"
	namePattern = "(" + namePart + "(?:\\s*\\.\\s*" + namePart + ")*)"
	aliasSuffix = "(?:\\s+(?:AS\\s+)?([\\w$#]+))?"
	topClause   = "(?:TOP\\s*\\([^)]*\\)\\s*(?:PERCENT\\s+)?)?"
)

// NewStatementClassifier creates the lexical statement classifier.
func NewStatementClassifier() *StatementClassifier {
	sc := &StatementClassifier{}
	sc.initializePatterns()
	return sc
}

// initializePatterns compiles all regex patterns used for extraction.
func (sc *StatementClassifier) initializePatterns() {
	sc.statementPatterns = []statementPattern{
		{parser.KindInsert, "INSERT", regexp.MustCompile(`(?is)^INSERT\s+(?:(?:IGNORE|LOW_PRIORITY|HIGH_PRIORITY|DELAYED|OR\s+\w+)\s+)*INTO\s+` + namePattern)},
		{parser.KindInsert, "REPLACE", regexp.MustCompile(`(?is)^REPLACE\s+(?:(?:LOW_PRIORITY|DELAYED)\s+)?INTO\s+` + namePattern)},
		{parser.KindUpdate, "UPDATE", regexp.MustCompile(`(?is)^UPDATE\s+(?:(?:ONLY|LOW_PRIORITY|IGNORE)\s+)*` + topClause + namePattern + aliasSuffix)},
		{parser.KindDelete, "DELETE", regexp.MustCompile(`(?is)^DELETE\s+` + topClause + `(?:[\w$#.]+\s+)?FROM\s+(?:ONLY\s+)?` + namePattern + aliasSuffix)},
		{parser.KindDelete, "DELETE", regexp.MustCompile(`(?is)^DELETE\s+` + topClause + namePattern + aliasSuffix)},
		{parser.KindMerge, "MERGE", regexp.MustCompile(`(?is)^MERGE\s+(?:INTO\s+)?` + namePattern + aliasSuffix)},
	}
	sc.verbPattern = regexp.MustCompile(`(?i)\b(?:INSERT|REPLACE|UPDATE|DELETE|MERGE|SELECT)\b`)

	sc.maskPattern = regexp.MustCompile(`'(?:[^']|'')*(?:'|$)|--[^\n]*|(?s:/\*.*?\*/)|(?s:/\*.*$)`)
	sc.placeholderPattern = regexp.MustCompile(`'#(\d+)'`)
	sc.caseEndPattern = regexp.MustCompile(`(?i)\b(?:CASE|END)\b`)

	sc.fromPattern = regexp.MustCompile(`(?i)\b(?:FROM|WHERE)\b`)

	sc.wherePattern = regexp.MustCompile(`(?i)\bWHERE\b`)
	sc.whereEndPattern = regexp.MustCompile(`(?i)\b(?:RETURNING|ORDER\s+BY|LIMIT)\b`)
	sc.orPattern = regexp.MustCompile(`(?i)\bOR\b`)
	sc.notPattern = regexp.MustCompile(`(?i)\bNOT\s*$`)
	sc.equalityPattern = regexp.MustCompile(`(?:([\w$#]+|"[^"]*")\s*\.\s*)?([\w$#]+|"[^"]*")\s*=\s*('#\d+'|-?\d+(?:\.\d+)?)`)

	sc.valuesPattern = regexp.MustCompile(`(?is)^\s*VALUES?\s*`)
	sc.upsertPattern = regexp.MustCompile(`(?is)\bON\s+(?:DUPLICATE\s+KEY\s+UPDATE|CONFLICT\b.*?\bDO\s+UPDATE)\b`)
	sc.querySourcePattern = regexp.MustCompile(`(?is)^\s*(?:SELECT|WITH)\b`)
	sc.columnPattern = regexp.MustCompile("^(?:[\\w$#]+|\"[^\"]*\"|`[^`]*`|\\[[^\\]]*\\])$")
}

// Name returns the strategy implemented by the classifier.
func (sc *StatementClassifier) Name() models.Strategy {
	return models.StrategyLexical
}

// maskedStatement is statement text with every string literal replaced by a
// numbered placeholder and every comment replaced by a space.
type maskedStatement struct {
	text     string
	literals []string
	depth    []int
}

func (sc *StatementClassifier) mask(raw string) *maskedStatement {
	m := &maskedStatement{}
	m.text = strings.TrimSpace(sc.maskPattern.ReplaceAllStringFunc(raw, func(s string) string {
		if strings.HasPrefix(s, "'") {
			m.literals = append(m.literals, s)
			return "'#" + strconv.Itoa(len(m.literals)-1) + "'"
		}
		return " "
	}))
	m.depth = sc.nestingDepths(m.text)
	return m
}

// nestingDepths returns the combined parenthesis and CASE nesting for every
// byte of text.
func (sc *StatementClassifier) nestingDepths(text string) []int {
	depths := make([]int, len(text)+1)
	words := sc.caseEndPattern.FindAllStringIndex(text, -1)
	parens, cases, next := 0, 0, 0
	for i := 0; i < len(text); i++ {
		if next < len(words) && words[next][0] == i {
			if strings.EqualFold(text[i:words[next][1]], "CASE") {
				cases++
			} else if cases > 0 {
				cases--
			}
			next++
		}
		switch text[i] {
		case '(':
			parens++
		case ')':
			parens--
		}
		depths[i] = parens + cases
	}
	depths[len(text)] = parens + cases
	return depths
}

// topLevel returns the location of the first match of re in text[from:]
// that starts at nesting depth zero.
func (m *maskedStatement) topLevel(re *regexp.Regexp, from int) []int {
	if from > len(m.text) {
		return nil
	}
	for _, loc := range re.FindAllStringIndex(m.text[from:], -1) {
		start := loc[0] + from
		if m.depth[start] == 0 {
			return []int{start, loc[1] + from}
		}
	}
	return nil
}

// unmask restores the literals hidden in s.
func (sc *StatementClassifier) unmask(s string, m *maskedStatement) string {
	return sc.placeholderPattern.ReplaceAllStringFunc(s, func(p string) string {
		if lit, ok := m.literal(p); ok {
			return lit
		}
		return p
	})
}

func (m *maskedStatement) literal(placeholder string) (string, bool) {
	n, err := strconv.Atoi(strings.Trim(placeholder, "'#"))
	if err != nil || n < 0 || n >= len(m.literals) {
		return "", false
	}
	return m.literals[n], true
}

// Extract classifies stmt with regular expressions and builds a DML
// description for the ownership rule. WHERE clauses are reduced to their
// top-level equality comparisons; any OR makes the clause opaque.
func (sc *StatementClassifier) Extract(stmt *parser.Statement) (*parser.DML, error) {
	if stmt == nil {
		return nil, errors.ErrUnsupportedKind
	}
	m := sc.mask(stmt.Raw)

	body := 0
	if len(m.text) >= 4 && strings.EqualFold(m.text[:4], "WITH") {
		loc := m.topLevel(sc.verbPattern, 4)
		if loc == nil {
			return nil, errors.ErrUnsupportedKind
		}
		body = loc[0]
	}

	for _, sp := range sc.statementPatterns {
		match := sp.pattern.FindStringSubmatchIndex(m.text[body:])
		if match == nil {
			continue
		}
		name := m.text[body+match[2] : body+match[3]]
		if parser.IsKeyword(name) {
			continue
		}
		dml := &parser.DML{
			Kind:      sp.kind,
			Operation: sp.operation,
			Table:     parser.NormalizeTable(name),
			Raw:       sc.unmask(m.text, m),
		}
		rest := body + match[3]
		if len(match) > 4 && match[4] >= 0 {
			if alias := m.text[body+match[4] : body+match[5]]; !isReservedAlias(alias) {
				dml.Alias = parser.NormalizeIdentifier(alias)
				rest = body + match[5]
			}
		}
		if dml.Table == "" {
			return nil, errors.ErrUnsupportedKind
		}
		if sp.kind == parser.KindUpdate && dml.Alias == "" {
			if table, ok := sc.fromAlias(m, rest, dml.Table); ok {
				dml.Table, dml.Alias = table, dml.Table
			}
		}

		switch sp.kind {
		case parser.KindInsert:
			dml.Insert = sc.extractInsert(m, rest)
		case parser.KindUpdate, parser.KindDelete:
			dml.Predicate = sc.extractPredicate(m, rest)
		case parser.KindMerge:
			dml.Unverifiable = errors.ErrUnverifiableMerge.Message
		}
		return dml, nil
	}
	return nil, errors.ErrUnsupportedKind
}

func isReservedAlias(word string) bool {
	switch strings.ToUpper(word) {
	case "ONLY", "IGNORE", "STRAIGHT_JOIN":
		return true
	}
	return parser.IsKeyword(word)
}

// fromAlias resolves an UPDATE target that names an alias declared in the
// statement's top-level FROM clause.
func (sc *StatementClassifier) fromAlias(m *maskedStatement, from int, alias string) (string, bool) {
	loc := m.topLevel(sc.fromPattern, from)
	if loc == nil || !strings.EqualFold(m.text[loc[0]:loc[1]], "FROM") {
		return "", false
	}
	end := len(m.text)
	if where := m.topLevel(sc.wherePattern, loc[1]); where != nil {
		end = where[0]
	}
	item := regexp.MustCompile(`(?is)` + namePattern + `\s+(?:AS\s+)?` + regexp.QuoteMeta(alias) + `(?:[^\w$#]|$)`)
	match := item.FindStringSubmatch(m.text[loc[1]:end])
	if match == nil {
		return "", false
	}
	return parser.NormalizeTable(match[1]), true
}

func (sc *StatementClassifier) extractPredicate(m *maskedStatement, from int) parser.Predicate {
	where := m.topLevel(sc.wherePattern, from)
	if where == nil {
		return nil
	}
	start, end := where[1], len(m.text)
	if loc := m.topLevel(sc.whereEndPattern, start); loc != nil {
		end = loc[0]
	}
	clause := m.text[start:end]
	opaque := &parser.Opaque{Text: strings.TrimSpace(sc.unmask(clause, m))}

	if sc.orPattern.MatchString(clause) {
		return opaque
	}

	var pred parser.Predicate
	for _, loc := range sc.equalityPattern.FindAllStringSubmatchIndex(clause, -1) {
		if m.depth[start+loc[0]] != 0 || !sc.standalone(clause, loc[0], loc[1]) {
			continue
		}
		cmp := &parser.Comparison{
			Column:   parser.NormalizeIdentifier(clause[loc[4]:loc[5]]),
			Operator: "=",
		}
		if loc[2] >= 0 {
			cmp.Qualifier = parser.NormalizeTable(clause[loc[2]:loc[3]])
		}
		value := clause[loc[6]:loc[7]]
		if strings.HasPrefix(value, "'") {
			if lit, ok := m.literal(value); ok {
				value = parser.Unquote(lit)
			}
		}
		cmp.Literal = &value

		if pred == nil {
			pred = cmp
		} else {
			pred = &parser.And{Left: pred, Right: cmp}
		}
	}
	if pred == nil {
		return opaque
	}
	return &parser.And{Left: pred, Right: opaque}
}

// standalone reports whether the comparison at clause[start:end] is a whole
// conjunct rather than part of a larger expression.
func (sc *StatementClassifier) standalone(clause string, start, end int) bool {
	before := strings.TrimRight(clause[:start], " \t\r\n")
	if sc.notPattern.MatchString(before) {
		return false
	}
	if before != "" && strings.ContainsRune("|+-*/%<>=!.", rune(before[len(before)-1])) {
		return false
	}
	after := strings.TrimLeft(clause[end:], " \t\r\n")
	if after != "" && strings.ContainsRune("|+-*/%:[.", rune(after[0])) {
		return false
	}
	return true
}

func (sc *StatementClassifier) extractInsert(m *maskedStatement, from int) *parser.InsertExtraction {
	if m.topLevel(sc.upsertPattern, from) != nil {
		return &parser.InsertExtraction{Shape: parser.InsertMismatch, Reason: "insert updates existing rows on conflict"}
	}
	rest := strings.TrimLeft(m.text[from:], " \t\r\n")
	if !strings.HasPrefix(rest, "(") {
		return &parser.InsertExtraction{Shape: parser.InsertUnpaired, Reason: "insert has no column list"}
	}
	offset := len(m.text) - len(rest)
	closeAt := m.closing(offset)
	if closeAt < 0 {
		return &parser.InsertExtraction{Shape: parser.InsertMismatch, Reason: "column list is not closed"}
	}
	inner := m.text[offset+1 : closeAt]
	if sc.querySourcePattern.MatchString(inner) {
		return &parser.InsertExtraction{Shape: parser.InsertUnpaired, Reason: "insert has no column list"}
	}

	var columns []string
	for _, c := range strings.Split(inner, ",") {
		c = strings.TrimSpace(c)
		if i := strings.LastIndexByte(c, '.'); i >= 0 {
			c = strings.TrimSpace(c[i+1:])
		}
		if !sc.columnPattern.MatchString(c) {
			return &parser.InsertExtraction{Shape: parser.InsertMismatch, Reason: "column list is not a list of plain column names"}
		}
		columns = append(columns, parser.NormalizeIdentifier(c))
	}

	source := m.text[closeAt+1:]
	loc := sc.valuesPattern.FindStringIndex(source)
	if loc == nil {
		return &parser.InsertExtraction{Shape: parser.InsertUnpaired, Columns: columns, Reason: "lexical strategy only pairs VALUES rows"}
	}

	ext := &parser.InsertExtraction{Shape: parser.InsertPaired, Columns: columns}
	pos := closeAt + 1 + loc[1]
	for pos < len(m.text) && m.text[pos] == '(' {
		end := m.closing(pos)
		if end < 0 {
			return &parser.InsertExtraction{Shape: parser.InsertMismatch, Columns: columns, Reason: "VALUES row is not closed"}
		}
		values := m.splitTop(pos+1, end)
		if len(values) != len(columns) {
			return &parser.InsertExtraction{Shape: parser.InsertMismatch, Columns: columns, Reason: "column count does not match value count"}
		}
		row := make([]parser.ColumnValuePair, len(values))
		for i, v := range values {
			value := strings.TrimSpace(sc.unmask(v, m))
			row[i] = parser.ColumnValuePair{Column: columns[i], Value: value, IsNull: strings.EqualFold(value, "NULL")}
		}
		ext.Rows = append(ext.Rows, row)

		pos = end + 1
		for pos < len(m.text) && strings.ContainsRune(" \t\r\n", rune(m.text[pos])) {
			pos++
		}
		if pos >= len(m.text) || m.text[pos] != ',' {
			break
		}
		pos++
		for pos < len(m.text) && strings.ContainsRune(" \t\r\n", rune(m.text[pos])) {
			pos++
		}
	}
	if len(ext.Rows) == 0 {
		return &parser.InsertExtraction{Shape: parser.InsertMismatch, Columns: columns, Reason: "VALUES rows could not be read"}
	}
	return ext
}

// closing returns the offset of the parenthesis matching the one at open.
func (m *maskedStatement) closing(open int) int {
	depth := 0
	for i := open; i < len(m.text); i++ {
		switch m.text[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// splitTop splits text[from:to] at commas not nested in parentheses.
func (m *maskedStatement) splitTop(from, to int) []string {
	var parts []string
	depth, start := 0, from
	for i := from; i < to; i++ {
		switch m.text[i] {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, m.text[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, m.text[start:to])
}
