package lang

import (
	"strings"
	"unicode/utf8"

	"clinrule/internal/value"
)

// Tokenize turns rule source text into a token stream terminated by an EOF
// token. Whitespace is insignificant; any character that cannot start a
// token is a *LexicalError, never skipped.
func Tokenize(src string) ([]Token, error) {
	lx := lexer{src: src}
	var toks []Token
	for {
		tok, err := lx.next()
		if err != nil {
			return nil, err
		}
		toks = append(toks, tok)
		if tok.Kind == EOF {
			return toks, nil
		}
	}
}

type lexer struct {
	src string
	pos int
}

func (lx *lexer) peekByte(off int) byte {
	if lx.pos+off < len(lx.src) {
		return lx.src[lx.pos+off]
	}
	return 0
}

func (lx *lexer) next() (Token, error) {
	for lx.pos < len(lx.src) && isSpace(lx.src[lx.pos]) {
		lx.pos++
	}
	if lx.pos >= len(lx.src) {
		return Token{Kind: EOF, Offset: len(lx.src)}, nil
	}

	start := lx.pos
	c := lx.src[lx.pos]

	switch {
	case isDigit(c):
		return lx.number()
	case isIdentStart(c):
		return lx.word(), nil
	case c == '\'' || c == '"':
		return lx.quoted(c)
	}

	single := func(kind TokenKind) (Token, error) {
		lx.pos++
		return Token{Kind: kind, Literal: kind.String(), Offset: start}, nil
	}
	double := func(kind TokenKind) (Token, error) {
		lx.pos += 2
		return Token{Kind: kind, Literal: kind.String(), Offset: start}, nil
	}

	switch c {
	case '(':
		return single(LParen)
	case ')':
		return single(RParen)
	case ',':
		return single(Comma)
	case '+':
		return single(Plus)
	case '-':
		return single(Minus)
	case '*':
		return single(Star)
	case '/':
		return single(Slash)
	case '%':
		return single(Percent)
	case '<':
		if lx.peekByte(1) == '=' {
			return double(Lte)
		}
		return single(Lt)
	case '>':
		if lx.peekByte(1) == '=' {
			return double(Gte)
		}
		return single(Gt)
	case '=':
		if lx.peekByte(1) == '=' {
			return double(Eq)
		}
		return Token{}, &LexicalError{Offset: start, Char: '=', Msg: "unexpected character '=' (use '==' for equality)"}
	case '!':
		if lx.peekByte(1) == '=' {
			return double(Neq)
		}
	case '.':
		if lx.peekByte(1) == '.' {
			return double(DotDot)
		}
	}

	r, _ := utf8.DecodeRuneInString(lx.src[lx.pos:])
	return Token{}, &LexicalError{Offset: start, Char: r}
}

// number scans an integer, a decimal or an ISO date literal. A digit run of
// the shape YYYY-MM-DD is always a date; "1..5" is a range, not a decimal.
func (lx *lexer) number() (Token, error) {
	start := lx.pos
	if d, ok := lx.dateShape(); ok {
		if _, err := value.ParseDate(d); err != nil {
			return Token{}, &LexicalError{Offset: start, Char: rune(d[0]), Msg: "invalid date literal " + d}
		}
		lx.pos += len(d)
		return Token{Kind: DateTok, Literal: d, Offset: start}, nil
	}

	for lx.pos < len(lx.src) && isDigit(lx.src[lx.pos]) {
		lx.pos++
	}
	if lx.peekByte(0) == '.' && isDigit(lx.peekByte(1)) {
		lx.pos++
		for lx.pos < len(lx.src) && isDigit(lx.src[lx.pos]) {
			lx.pos++
		}
	}
	if lx.pos < len(lx.src) && isIdentStart(lx.src[lx.pos]) {
		r, _ := utf8.DecodeRuneInString(lx.src[lx.pos:])
		return Token{}, &LexicalError{Offset: lx.pos, Char: r, Msg: "malformed number " + lx.src[start:lx.pos+1]}
	}
	return Token{Kind: Number, Literal: lx.src[start:lx.pos], Offset: start}, nil
}

func (lx *lexer) dateShape() (string, bool) {
	const n = len(value.DateLayout)
	if lx.pos+n > len(lx.src) {
		return "", false
	}
	s := lx.src[lx.pos : lx.pos+n]
	for i := 0; i < n; i++ {
		if i == 4 || i == 7 {
			if s[i] != '-' {
				return "", false
			}
			continue
		}
		if !isDigit(s[i]) {
			return "", false
		}
	}
	if lx.pos+n < len(lx.src) {
		next := lx.src[lx.pos+n]
		if isDigit(next) || isIdentStart(next) {
			return "", false
		}
	}
	return s, true
}

func (lx *lexer) word() Token {
	start := lx.pos
	for lx.pos < len(lx.src) && isIdentPart(lx.src[lx.pos]) {
		lx.pos++
	}
	text := lx.src[start:lx.pos]
	if IsKeyword(text) {
		return Token{Kind: Keyword, Literal: strings.ToLower(text), Offset: start}
	}
	return Token{Kind: Ident, Literal: text, Offset: start}
}

func (lx *lexer) quoted(quote byte) (Token, error) {
	start := lx.pos
	lx.pos++
	var b strings.Builder
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		switch {
		case c == quote:
			lx.pos++
			return Token{Kind: String, Literal: b.String(), Offset: start}, nil
		case c == '\\' && lx.pos+1 < len(lx.src):
			esc := lx.src[lx.pos+1]
			switch esc {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(esc)
			}
			lx.pos += 2
		default:
			b.WriteByte(c)
			lx.pos++
		}
	}
	return Token{}, &LexicalError{Offset: start, Char: rune(quote), Msg: "unterminated string literal"}
}

func isSpace(c byte) bool      { return c == ' ' || c == '\t' || c == '\n' || c == '\r' }
func isDigit(c byte) bool      { return c >= '0' && c <= '9' }
func isIdentStart(c byte) bool { return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
func isIdentPart(c byte) bool  { return isIdentStart(c) || isDigit(c) }
