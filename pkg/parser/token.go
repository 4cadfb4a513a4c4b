// Package parser splits migration SQL into statements and builds the
// structures the ownership rule reasons about: statement kind and target
// table, INSERT column/value pairs, and a predicate tree for WHERE clauses.
//
// Nothing in this package is a general SQL parser. Every stage is total over
// its input: text that cannot be understood is reported as KindOther or as an
// Opaque predicate, never as a panic.
package parser

import "strings"

// TokenClass is the closed set of lexical classes produced by Tokenize.
type TokenClass int

const (
	ClassWhitespace TokenClass = iota
	ClassComment
	ClassKeyword
	ClassIdentifier
	ClassLiteral
	ClassPunctuation
)

// String returns the string representation of the token class.
func (c TokenClass) String() string {
	switch c {
	case ClassWhitespace:
		return "WHITESPACE"
	case ClassComment:
		return "COMMENT"
	case ClassKeyword:
		return "KEYWORD"
	case ClassIdentifier:
		return "IDENTIFIER"
	case ClassLiteral:
		return "LITERAL"
	case ClassPunctuation:
		return "PUNCTUATION"
	default:
		return "UNKNOWN"
	}
}

// Token is a single lexical unit. Pos is the byte offset of Text in the
// source the token was read from.
type Token struct {
	Text  string
	Class TokenClass
	Pos   int
}

// End returns the byte offset just past the token.
func (t Token) End() int {
	return t.Pos + len(t.Text)
}

// Is reports whether the token is the given keyword.
func (t Token) Is(keyword string) bool {
	return t.Class == ClassKeyword && strings.EqualFold(t.Text, keyword)
}

// IsPunct reports whether the token is the given punctuation.
func (t Token) IsPunct(p string) bool {
	return t.Class == ClassPunctuation && t.Text == p
}

// IsWord reports whether the token is a keyword or identifier spelled word,
// ignoring case. Quoted identifiers never match.
func (t Token) IsWord(word string) bool {
	if t.Class != ClassKeyword && t.Class != ClassIdentifier {
		return false
	}
	return strings.EqualFold(t.Text, word)
}

// Significant reports whether the token carries meaning for the grammar.
func (t Token) Significant() bool {
	return t.Class != ClassWhitespace && t.Class != ClassComment
}

// IsString reports whether the token is a quoted string literal.
func (t Token) IsString() bool {
	if t.Class != ClassLiteral || t.Text == "" {
		return false
	}
	switch t.Text[0] {
	case '\'', '$':
		return true
	case 'N', 'n', 'E', 'e':
		return len(t.Text) > 1 && t.Text[1] == '\''
	}
	return false
}

// LiteralValue returns the content of a literal token with quoting removed.
func (t Token) LiteralValue() string {
	if t.Class != ClassLiteral {
		return t.Text
	}
	text := t.Text
	if len(text) > 1 && text[1] == '\'' && strings.ContainsRune("NnEe", rune(text[0])) {
		text = text[1:]
	}
	if strings.HasPrefix(text, "$") {
		return unquoteDollar(text)
	}
	return Unquote(text)
}

// Unquote strips one level of SQL quoting from s. Single and double quotes
// and back-ticks unescape doubled delimiters; brackets are stripped as-is.
// Unterminated quoting is stripped from the left only.
func Unquote(s string) string {
	if s == "" {
		return s
	}
	var closing byte
	switch s[0] {
	case '\'':
		closing = '\''
	case '"':
		closing = '"'
	case '`':
		closing = '`'
	case '[':
		if strings.HasSuffix(s, "]") && len(s) > 1 {
			return s[1 : len(s)-1]
		}
		return s[1:]
	default:
		return s
	}
	body := s[1:]
	if len(body) > 0 && body[len(body)-1] == closing {
		body = body[:len(body)-1]
	}
	delim := string(closing)
	return strings.ReplaceAll(body, delim+delim, delim)
}

func unquoteDollar(s string) string {
	end := strings.IndexByte(s[1:], '$')
	if end < 0 {
		return s
	}
	tag := s[:end+2]
	body := s[len(tag):]
	return strings.TrimSuffix(body, tag)
}

const tableCutset = "\"`[]'( \t\r\n"

// NormalizeTable reduces a possibly qualified, quoted table reference to the
// form used for comparisons: the last dotted component, unquoted, upper-cased.
// NormalizeTable(NormalizeTable(x)) == NormalizeTable(x).
func NormalizeTable(name string) string {
	name = strings.Trim(name, tableCutset)
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	return strings.ToUpper(strings.Trim(name, tableCutset))
}

// NormalizeIdentifier upper-cases an unqualified column or alias name and
// removes its quoting.
func NormalizeIdentifier(name string) string {
	return strings.ToUpper(Unquote(strings.TrimSpace(name)))
}
