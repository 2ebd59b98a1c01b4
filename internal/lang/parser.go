package lang

import (
	"strconv"
	"strings"

	"clinrule/internal/value"
)

// Parse builds the AST for one rule. A rule is exactly one top-level
// construct, in increasing binding strength:
//
//	rule      = "if" cond "then" rule ["else" rule] ["endif"]
//	          | [field] "required" ["unless" cond]
//	          | cond
//	cond      = conj {"or" conj}
//	conj      = predicate {"and" predicate}
//	predicate = "(" cond ")" | [operand] tail | operand ".." operand
//	tail      = cmpop operand | "between" operand "and" operand
//	          | "in" (list | operand [".." operand])
//	          | "within" number ("days" | "%") "of" operand
//	operand   = term {("+" | "-") term}
//	term      = unary {("*" | "/") unary}
//	unary     = "-" unary | primary
//	primary   = number | string | date | "true" | "false" | "today" "(" ")"
//	          | field | "(" operand ")"
//
// A predicate without a leading operand applies to the rule's target field.
// "endif" may be omitted when the conditional ends the input.
func Parse(src string) (Node, error) {
	toks, err := Tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	n, err := p.parseRule()
	if err != nil {
		return nil, err
	}
	if t := p.cur(); t.Kind != EOF {
		return nil, p.unexpected(t, "end of rule")
	}
	return n, nil
}

type parser struct {
	toks []Token
	pos  int
}

func (p *parser) cur() Token { return p.toks[p.pos] }

func (p *parser) peek(n int) Token {
	if p.pos+n < len(p.toks) {
		return p.toks[p.pos+n]
	}
	return p.toks[len(p.toks)-1]
}

func (p *parser) advance() Token {
	t := p.toks[p.pos]
	if t.Kind != EOF {
		p.pos++
	}
	return t
}

func (p *parser) unexpected(t Token, expected string) *SyntaxError {
	return &SyntaxError{Offset: t.Offset, Token: t.String(), Expected: expected}
}

func (p *parser) expectKeyword(kw string) (Token, error) {
	t := p.cur()
	if !t.Is(kw) {
		return t, p.unexpected(t, strconv.Quote(kw))
	}
	return p.advance(), nil
}

func (p *parser) expect(kind TokenKind) (Token, error) {
	t := p.cur()
	if t.Kind != kind {
		return t, p.unexpected(t, strconv.Quote(kind.String()))
	}
	return p.advance(), nil
}

func (p *parser) parseRule() (Node, error) {
	t := p.cur()
	switch {
	case t.Is("if"):
		return p.parseIf()
	case t.Is("required"):
		return p.parseRequired(nil)
	case t.Kind == Ident && p.peek(1).Is("required"):
		p.advance()
		return p.parseRequired(&FieldRef{Offset: t.Offset, Name: t.Literal})
	}
	return p.parseCondition()
}

func (p *parser) parseIf() (Node, error) {
	start := p.advance()
	cond, err := p.parseCondition()
	if err != nil {
		return nil, err
	}
	if _, err := p.expectKeyword("then"); err != nil {
		return nil, err
	}
	then, err := p.parseRule()
	if err != nil {
		return nil, err
	}
	n := &If{Offset: start.Offset, Cond: cond, Then: then}
	if p.cur().Is("else") {
		p.advance()
		els, err := p.parseRule()
		if err != nil {
			return nil, err
		}
		n.Else = els
	}
	switch t := p.cur(); {
	case t.Is("endif"):
		p.advance()
	case t.Kind != EOF:
		return nil, p.unexpected(t, `"endif"`)
	}
	return n, nil
}

func (p *parser) parseRequired(field *FieldRef) (Node, error) {
	t := p.advance()
	n := &Required{Offset: t.Offset, Field: field}
	if field != nil {
		n.Offset = field.Offset
	}
	if p.cur().Is("unless") {
		p.advance()
		cond, err := p.parseCondition()
		if err != nil {
			return nil, err
		}
		n.Unless = cond
	}
	return n, nil
}

func (p *parser) parseCondition() (Node, error) {
	left, err := p.parseConjunction()
	if err != nil {
		return nil, err
	}
	for p.cur().Is("or") {
		op := p.advance()
		right, err := p.parseConjunction()
		if err != nil {
			return nil, err
		}
		left = &Logical{Offset: op.Offset, Op: OpOr, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseConjunction() (Node, error) {
	left, err := p.parsePredicate()
	if err != nil {
		return nil, err
	}
	for p.cur().Is("and") {
		op := p.advance()
		right, err := p.parsePredicate()
		if err != nil {
			return nil, err
		}
		left = &Logical{Offset: op.Offset, Op: OpAnd, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parsePredicate() (Node, error) {
	t := p.cur()
	if startsTail(t) {
		return p.parseTail(nil, t)
	}

	if t.Kind == LParen {
		// "(cond)" and "(operand) op ..." both start with a parenthesis;
		// try the condition first and fall back to the operand reading.
		save := p.pos
		p.advance()
		if cond, err := p.parseCondition(); err == nil && p.cur().Kind == RParen {
			p.advance()
			if !startsTail(p.cur()) && p.cur().Kind != DotDot {
				return cond, nil
			}
		}
		p.pos = save
	}

	subject, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	if p.cur().Kind == DotDot {
		p.advance()
		high, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return &Range{Offset: t.Offset, Low: subject, High: high, DotDot: true}, nil
	}
	if !startsTail(p.cur()) {
		// A lone identifier is most likely a misspelt keyword; name it
		// rather than the token that follows.
		if _, ok := subject.(*FieldRef); ok {
			return nil, p.unexpected(t, "an operator after field reference")
		}
		return nil, p.unexpected(p.cur(), "comparison, between, in or within")
	}
	return p.parseTail(subject, t)
}

func startsTail(t Token) bool {
	switch t.Kind {
	case Eq, Neq, Lt, Gt, Lte, Gte:
		return true
	}
	return t.Is("between") || t.Is("in") || t.Is("within")
}

func (p *parser) parseTail(subject Node, start Token) (Node, error) {
	t := p.advance()
	switch {
	case t.Is("between"):
		low, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		if _, err := p.expectKeyword("and"); err != nil {
			return nil, err
		}
		high, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return &Range{Offset: start.Offset, Subject: subject, Low: low, High: high}, nil

	case t.Is("in"):
		return p.parseIn(subject, start)

	case t.Is("within"):
		return p.parseWithin(subject, start)
	}

	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return &Compare{Offset: start.Offset, Op: compareOp(t.Kind), Left: subject, Right: right}, nil
}

func compareOp(k TokenKind) CompareOp {
	switch k {
	case Neq:
		return OpNeq
	case Lt:
		return OpLt
	case Gt:
		return OpGt
	case Lte:
		return OpLte
	case Gte:
		return OpGte
	default:
		return OpEq
	}
}

func (p *parser) parseIn(subject Node, start Token) (Node, error) {
	if p.cur().Kind == LParen {
		list, err := p.parseList()
		if err != nil {
			return nil, err
		}
		return &In{Offset: start.Offset, Subject: subject, Set: list}, nil
	}

	low, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	if p.cur().Kind == DotDot {
		p.advance()
		high, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return &Range{Offset: start.Offset, Subject: subject, Low: low, High: high, DotDot: true}, nil
	}
	return &In{Offset: start.Offset, Subject: subject, Set: low}, nil
}

func (p *parser) parseList() (*ListLit, error) {
	open := p.advance()
	list := &ListLit{Offset: open.Offset}
	for {
		item, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		list.Items = append(list.Items, item)
		if p.cur().Kind != Comma {
			break
		}
		p.advance()
	}
	if _, err := p.expect(RParen); err != nil {
		return nil, err
	}
	return list, nil
}

func (p *parser) parseWithin(subject Node, start Token) (Node, error) {
	amountTok, err := p.expect(Number)
	if err != nil {
		return nil, err
	}
	amount, err := numberLit(amountTok)
	if err != nil {
		return nil, err
	}

	n := &Within{Offset: start.Offset, Subject: subject, Amount: amount}
	switch t := p.cur(); {
	case t.Kind == Percent:
		n.Unit = UnitPercent
	case t.Is("days"):
		n.Unit = UnitDays
	default:
		return nil, p.unexpected(t, `"days" or "%"`)
	}
	p.advance()

	if _, err := p.expectKeyword("of"); err != nil {
		return nil, err
	}
	ref, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	n.Ref = ref
	return n, nil
}

func (p *parser) parseOperand() (Node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		t := p.cur()
		var op ArithOp
		switch t.Kind {
		case Plus:
			op = OpAdd
		case Minus:
			op = OpSub
		default:
			return left, nil
		}
		p.advance()
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = &Arith{Offset: t.Offset, Op: op, Left: left, Right: right}
	}
}

func (p *parser) parseTerm() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.cur()
		var op ArithOp
		switch t.Kind {
		case Star:
			op = OpMul
		case Slash:
			op = OpDiv
		default:
			return left, nil
		}
		p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &Arith{Offset: t.Offset, Op: op, Left: left, Right: right}
	}
}

func (p *parser) parseUnary() (Node, error) {
	t := p.cur()
	if t.Kind != Minus {
		return p.parsePrimary()
	}
	p.advance()
	x, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	if num, ok := x.(*NumberLit); ok {
		raw := "-" + num.Raw
		if strings.HasPrefix(num.Raw, "-") {
			raw = num.Raw[1:]
		}
		return &NumberLit{Offset: t.Offset, Raw: raw, Value: -num.Value}, nil
	}
	return &Negate{Offset: t.Offset, X: x}, nil
}

func (p *parser) parsePrimary() (Node, error) {
	t := p.cur()
	switch t.Kind {
	case Number:
		p.advance()
		return numberLit(t)
	case String:
		p.advance()
		return &StringLit{Offset: t.Offset, Value: t.Literal}, nil
	case DateTok:
		p.advance()
		d, err := value.ParseDate(t.Literal)
		if err != nil {
			return nil, &LexicalError{Offset: t.Offset, Char: rune(t.Literal[0]), Msg: "invalid date literal " + t.Literal}
		}
		return &DateLit{Offset: t.Offset, Value: d}, nil
	case Ident:
		if p.peek(1).Kind == LParen {
			return nil, p.unexpected(t, "a known function")
		}
		p.advance()
		return &FieldRef{Offset: t.Offset, Name: t.Literal}, nil
	case LParen:
		p.advance()
		x, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(RParen); err != nil {
			return nil, err
		}
		return x, nil
	case Keyword:
		switch t.Literal {
		case "true", "false":
			p.advance()
			return &BoolLit{Offset: t.Offset, Value: t.Literal == "true"}, nil
		case "today":
			p.advance()
			if _, err := p.expect(LParen); err != nil {
				return nil, err
			}
			if _, err := p.expect(RParen); err != nil {
				return nil, err
			}
			return &Call{Offset: t.Offset, Name: "today"}, nil
		}
	}
	return nil, p.unexpected(t, "a value")
}

func numberLit(t Token) (*NumberLit, error) {
	f, err := strconv.ParseFloat(t.Literal, 64)
	if err != nil {
		return nil, &SyntaxError{Offset: t.Offset, Token: t.Literal, Expected: "a number"}
	}
	return &NumberLit{Offset: t.Offset, Raw: t.Literal, Value: f}, nil
}
