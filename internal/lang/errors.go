package lang

import "fmt"

// LexicalError reports a character the tokenizer cannot accept: an unknown
// character, an unterminated string or an invalid date literal.
type LexicalError struct {
	Offset int
	Char   rune
	Msg    string
}

func (e *LexicalError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("lexical error at offset %d: %s", e.Offset, e.Msg)
	}
	return fmt.Sprintf("lexical error at offset %d: unexpected character %q", e.Offset, e.Char)
}

// SyntaxError reports a malformed construct. Token is the text of the
// offending token as it appeared in the source.
type SyntaxError struct {
	Offset   int
	Token    string
	Expected string
}

func (e *SyntaxError) Error() string {
	if e.Expected != "" {
		return fmt.Sprintf("syntax error at offset %d: unexpected token %q, expected %s", e.Offset, e.Token, e.Expected)
	}
	return fmt.Sprintf("syntax error at offset %d: unexpected token %q", e.Offset, e.Token)
}
