package lang

import (
	"fmt"
	"strings"
)

// TokenKind classifies a lexeme.
type TokenKind int

const (
	EOF TokenKind = iota
	Ident
	Keyword
	Number
	String
	DateTok

	// operators and punctuation
	Eq      // ==
	Neq     // !=
	Lt      // <
	Gt      // >
	Lte     // <=
	Gte     // >=
	Plus    // +
	Minus   // -
	Star    // *
	Slash   // /
	DotDot  // ..
	Percent // %
	LParen  // (
	RParen  // )
	Comma   // ,
)

var tokenNames = map[TokenKind]string{
	EOF:     "end of input",
	Ident:   "identifier",
	Keyword: "keyword",
	Number:  "number",
	String:  "string",
	DateTok: "date",
	Eq:      "==",
	Neq:     "!=",
	Lt:      "<",
	Gt:      ">",
	Lte:     "<=",
	Gte:     ">=",
	Plus:    "+",
	Minus:   "-",
	Star:    "*",
	Slash:   "/",
	DotDot:  "..",
	Percent: "%",
	LParen:  "(",
	RParen:  ")",
	Comma:   ",",
}

func (k TokenKind) String() string {
	if s, ok := tokenNames[k]; ok {
		return s
	}
	return fmt.Sprintf("token(%d)", int(k))
}

// Token is a classified lexeme. Literal holds the decoded value for strings
// and the lower-cased word for keywords; Offset is the byte offset of the
// first character in the source.
type Token struct {
	Kind    TokenKind
	Literal string
	Offset  int
}

// Is reports whether the token is the given keyword.
func (t Token) Is(keyword string) bool {
	return t.Kind == Keyword && t.Literal == keyword
}

func (t Token) String() string {
	switch t.Kind {
	case EOF:
		return "end of input"
	case String:
		return fmt.Sprintf("'%s'", t.Literal)
	case Ident, Keyword, Number, DateTok:
		return t.Literal
	default:
		return t.Kind.String()
	}
}

var keywords = map[string]bool{
	"between":  true,
	"and":      true,
	"or":       true,
	"in":       true,
	"required": true,
	"unless":   true,
	"if":       true,
	"then":     true,
	"else":     true,
	"endif":    true,
	"within":   true,
	"days":     true,
	"of":       true,
	"today":    true,
	"true":     true,
	"false":    true,
}

// IsKeyword reports whether word is reserved. Keywords are case-insensitive.
func IsKeyword(word string) bool {
	return keywords[strings.ToLower(word)]
}
