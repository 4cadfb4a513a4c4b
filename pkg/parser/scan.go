package parser

import (
	"github.com/liquibase/custom-policychecks/pkg/errors"
)

// nesting tracks parenthesis and CASE ... END depth while walking tokens.
type nesting struct {
	parens int
	cases  int
}

// step updates the depth for t and reports whether t is an ordinary token
// at depth zero. Parentheses, CASE and END never are.
func (n *nesting) step(t Token) bool {
	switch {
	case t.IsPunct("("):
		n.parens++
	case t.IsPunct(")"):
		n.parens--
	case t.Is("CASE"):
		n.cases++
	case t.Is("END"):
		if n.cases > 0 {
			n.cases--
		}
	default:
		return n.parens == 0 && n.cases == 0
	}
	return false
}

// checkBalanced reports an error when parentheses or CASE ... END blocks do
// not close in order.
func checkBalanced(tokens []Token) error {
	parens, cases := 0, 0
	for _, t := range tokens {
		switch {
		case t.IsPunct("("):
			parens++
		case t.IsPunct(")"):
			parens--
			if parens < 0 {
				return errors.Wrap(errors.ErrUnbalanced, errors.CodeUnparsable, "unexpected closing parenthesis")
			}
		case t.Is("CASE"):
			cases++
		case t.Is("END"):
			// END also closes BEGIN blocks; only CASE nesting is tracked.
			if cases > 0 {
				cases--
			}
		}
	}
	if parens != 0 {
		return errors.Wrap(errors.ErrUnbalanced, errors.CodeUnparsable, "unclosed parenthesis")
	}
	if cases != 0 {
		return errors.Wrap(errors.ErrUnbalanced, errors.CodeUnparsable, "unclosed CASE expression")
	}
	return nil
}

// indexTop returns the index of the first token in tokens[from:] at depth
// zero for which match is true, or -1.
func indexTop(tokens []Token, from int, match func(Token) bool) int {
	var n nesting
	for i := 0; i < len(tokens); i++ {
		top := n.step(tokens[i])
		if i >= from && top && match(tokens[i]) {
			return i
		}
	}
	return -1
}

// splitTop splits tokens at depth-zero tokens for which match is true. The
// separators are dropped.
func splitTop(tokens []Token, match func(Token) bool) [][]Token {
	var parts [][]Token
	var n nesting
	start := 0
	for i, t := range tokens {
		if n.step(t) && match(t) {
			parts = append(parts, tokens[start:i])
			start = i + 1
		}
	}
	return append(parts, tokens[start:])
}

// closing returns the index of the parenthesis matching the one at
// tokens[open], or -1.
func closing(tokens []Token, open int) int {
	depth := 0
	for i := open; i < len(tokens); i++ {
		switch {
		case tokens[i].IsPunct("("):
			depth++
		case tokens[i].IsPunct(")"):
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func isComma(t Token) bool { return t.IsPunct(",") }

func keyword(words ...string) func(Token) bool {
	return func(t Token) bool {
		for _, w := range words {
			if t.Is(w) {
				return true
			}
		}
		return false
	}
}

func startsQuery(tokens []Token) bool {
	return len(tokens) > 0 && (tokens[0].Is("SELECT") || tokens[0].Is("WITH") || tokens[0].IsWord("VALUES"))
}
