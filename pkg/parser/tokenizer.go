package parser

import (
	"strings"
	"unicode/utf8"

	"github.com/oarkflow/squealx/sqltoken"
)

// keywords holds the words the grammar relies on. Column names that are
// keywords in some dialects (SOURCE, STATUS, NAME, VALUE, KEY) are kept out
// so they always tokenize as identifiers.
var keywords = map[string]bool{
	"ALL": true, "AND": true, "AS": true, "BETWEEN": true, "BY": true,
	"CASE": true, "CROSS": true, "DEFAULT": true, "DELETE": true, "DISTINCT": true,
	"DO": true, "ELSE": true, "END": true, "EXCEPT": true, "EXISTS": true,
	"FALSE": true, "FROM": true, "FULL": true, "GROUP": true, "HAVING": true,
	"ILIKE": true, "IN": true, "INNER": true, "INSERT": true, "INTERSECT": true,
	"INTO": true, "IS": true, "JOIN": true, "LEFT": true, "LIKE": true,
	"LIMIT": true, "MATCHED": true, "MERGE": true, "NOT": true, "NOTHING": true,
	"NULL": true, "OFFSET": true, "ON": true, "OR": true, "ORDER": true,
	"OUTER": true, "RECURSIVE": true, "REPLACE": true, "RETURNING": true,
	"RIGHT": true, "SELECT": true, "SET": true, "THEN": true, "TRUE": true,
	"UNION": true, "UPDATE": true, "USING": true, "VALUES": true, "WHEN": true,
	"WHERE": true, "WITH": true,
}

// IsKeyword reports whether word is tokenized as a keyword.
func IsKeyword(word string) bool {
	return keywords[strings.ToUpper(word)]
}

var multiCharPunctuation = []string{"<=", ">=", "<>", "!=", "||", "::", "=>"}

// tokenizerConfig turns on every dialect feature sqltoken knows about:
// migrations for any supported database go through the same tokenizer.
var tokenizerConfig = sqltoken.Config{
	NoticeQuestionMark:       true,
	NoticeDollarNumber:       true,
	NoticeColonWord:          true,
	ColonWordIncludesUnicode: true,
	NoticeHashComment:        true,
	NoticeDollarQuotes:       true,
	NoticeHexNumbers:         true,
	NoticeBinaryNumbers:      true,
	NoticeUAmpPrefix:         true,
	NoticeCharsetLiteral:     true,
	NoticeNotionalStrings:    true,
	NoticeDeliminatedStrings: true,
	NoticeTypedNumbers:       true,
	NoticeMoneyConstants:     true,
	NoticeAtWord:             true,
	NoticeIdentifiers:        true,
}

// Tokenize splits text into tokens covering every byte of the input. It never
// fails: an unterminated literal, quoted identifier or block comment extends
// to the end of the text.
func Tokenize(text string) []Token {
	tokens := make([]Token, 0, len(text)/4)
	for pos := 0; pos < len(text); {
		tokens, pos = appendTokens(tokens, text, pos)
	}
	return mergeStringPrefixes(tokens)
}

// appendTokens converts the sqltoken stream for text[pos:]. sqltoken treats
// back-ticks and brackets as punctuation, so when one opens a quoted
// identifier the identifier is cut here and the caller resumes after it.
func appendTokens(tokens []Token, text string, pos int) ([]Token, int) {
	for _, t := range sqltoken.Tokenize(text[pos:], tokenizerConfig) {
		switch t.Type {
		case sqltoken.Punctuation, sqltoken.Semicolon, sqltoken.Other:
			for i := 0; i < len(t.Text); {
				start := pos + i
				if c := t.Text[i]; c == '`' || c == '[' {
					end := quotedIdentifierEnd(text, start)
					return append(tokens, Token{Text: text[start:end], Class: ClassIdentifier, Pos: start}), end
				}
				n := punctuationLen(t.Text[i:])
				tokens = append(tokens, Token{Text: t.Text[i : i+n], Class: ClassPunctuation, Pos: start})
				i += n
			}
		case sqltoken.Comment:
			body := t.Text
			if !strings.HasPrefix(body, "/*") && strings.HasSuffix(body, "\n") {
				body = body[:len(body)-1]
			}
			tokens = append(tokens, Token{Text: body, Class: ClassComment, Pos: pos})
			if len(body) < len(t.Text) {
				tokens = append(tokens, Token{Text: "\n", Class: ClassWhitespace, Pos: pos + len(body)})
			}
		default:
			tokens = append(tokens, Token{Text: t.Text, Class: classOf(t), Pos: pos})
		}
		pos += len(t.Text)
	}
	return tokens, pos
}

func classOf(t sqltoken.Token) TokenClass {
	switch t.Type {
	case sqltoken.Whitespace:
		return ClassWhitespace
	case sqltoken.Word:
		if keywords[strings.ToUpper(t.Text)] {
			return ClassKeyword
		}
		return ClassIdentifier
	case sqltoken.Literal:
		// Double quotes delimit identifiers in standard SQL.
		if strings.HasPrefix(t.Text, `"`) {
			return ClassIdentifier
		}
		return ClassLiteral
	case sqltoken.Number:
		return ClassLiteral
	case sqltoken.Identifier, sqltoken.AtWord, sqltoken.AtSign,
		sqltoken.QuestionMark, sqltoken.DollarNumber, sqltoken.ColonWord:
		return ClassIdentifier
	default:
		return ClassPunctuation
	}
}

func punctuationLen(s string) int {
	for _, op := range multiCharPunctuation {
		if strings.HasPrefix(s, op) {
			return len(op)
		}
	}
	_, size := utf8.DecodeRuneInString(s)
	return size
}

// quotedIdentifierEnd returns the offset just past the back-tick or bracket
// identifier opened at text[i]. Doubled back-ticks are escapes.
func quotedIdentifierEnd(text string, i int) int {
	if text[i] == '[' {
		if end := strings.IndexByte(text[i:], ']'); end >= 0 {
			return i + end + 1
		}
		return len(text)
	}
	for j := i + 1; j < len(text); j++ {
		if text[j] != '`' {
			continue
		}
		if j+1 < len(text) && text[j+1] == '`' {
			j++
			continue
		}
		return j + 1
	}
	return len(text)
}

// mergeStringPrefixes folds a PostgreSQL E prefix into the string literal
// that directly follows it. sqltoken already does this for N.
func mergeStringPrefixes(tokens []Token) []Token {
	out := tokens[:0]
	for i := 0; i < len(tokens); i++ {
		t := tokens[i]
		if i+1 < len(tokens) && strings.EqualFold(t.Text, "E") && t.Class == ClassIdentifier {
			next := tokens[i+1]
			if next.Class == ClassLiteral && next.Pos == t.End() && strings.HasPrefix(next.Text, "'") {
				out = append(out, Token{Text: t.Text + next.Text, Class: ClassLiteral, Pos: t.Pos})
				i++
				continue
			}
		}
		out = append(out, t)
	}
	return out
}

// Significant filters out whitespace and comment tokens.
func Significant(tokens []Token) []Token {
	out := make([]Token, 0, len(tokens))
	for _, t := range tokens {
		if t.Significant() {
			out = append(out, t)
		}
	}
	return out
}

// StripComments returns text with every comment replaced by a single space.
// Comment markers inside literals and quoted identifiers are preserved.
func StripComments(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, t := range Tokenize(text) {
		if t.Class == ClassComment {
			b.WriteByte(' ')
			continue
		}
		b.WriteString(t.Text)
	}
	return b.String()
}
