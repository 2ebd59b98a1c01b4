package lang

import (
	"strings"

	"clinrule/internal/value"
)

// Format renders a tree as canonical rule text: lower-case keywords,
// single-quoted strings, single spaces and only the parentheses needed to
// keep the tree's shape. Parsing the result yields an equivalent tree.
func Format(n Node) string {
	var b strings.Builder
	writeNode(&b, n)
	return b.String()
}

func writeNode(b *strings.Builder, n Node) {
	switch x := n.(type) {
	case *NumberLit:
		b.WriteString(x.Raw)
	case *StringLit:
		b.WriteString(quote(x.Value))
	case *DateLit:
		b.WriteString(x.Value.Format(value.DateLayout))
	case *BoolLit:
		if x.Value {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case *FieldRef:
		b.WriteString(x.Name)
	case *Call:
		b.WriteString(x.Name)
		b.WriteString("()")
	case *ListLit:
		b.WriteByte('(')
		for i, it := range x.Items {
			if i > 0 {
				b.WriteString(", ")
			}
			writeNode(b, it)
		}
		b.WriteByte(')')
	case *Negate:
		b.WriteByte('-')
		writeOperand(b, x.X, precUnary, false)
	case *Arith:
		prec := arithPrec(x.Op)
		writeOperand(b, x.Left, prec, false)
		b.WriteByte(' ')
		b.WriteString(x.Op.String())
		b.WriteByte(' ')
		writeOperand(b, x.Right, prec, true)
	case *Compare:
		writeSubject(b, x.Left)
		b.WriteString(x.Op.String())
		b.WriteByte(' ')
		writeNode(b, x.Right)
	case *Range:
		if x.DotDot {
			if x.Subject != nil {
				writeNode(b, x.Subject)
				b.WriteString(" in ")
			}
			writeNode(b, x.Low)
			b.WriteString("..")
			writeNode(b, x.High)
			return
		}
		writeSubject(b, x.Subject)
		b.WriteString("between ")
		writeNode(b, x.Low)
		b.WriteString(" and ")
		writeNode(b, x.High)
	case *In:
		writeSubject(b, x.Subject)
		b.WriteString("in ")
		writeNode(b, x.Set)
	case *Within:
		writeSubject(b, x.Subject)
		b.WriteString("within ")
		b.WriteString(x.Amount.Raw)
		if x.Unit == UnitPercent {
			b.WriteString("%")
		} else {
			b.WriteString(" days")
		}
		b.WriteString(" of ")
		writeNode(b, x.Ref)
	case *Logical:
		writeCondition(b, x.Left, x.Op, false)
		b.WriteByte(' ')
		b.WriteString(x.Op.String())
		b.WriteByte(' ')
		writeCondition(b, x.Right, x.Op, true)
	case *Required:
		if x.Field != nil {
			b.WriteString(x.Field.Name)
			b.WriteByte(' ')
		}
		b.WriteString("required")
		if x.Unless != nil {
			b.WriteString(" unless ")
			writeNode(b, x.Unless)
		}
	case *If:
		b.WriteString("if ")
		writeNode(b, x.Cond)
		b.WriteString(" then ")
		writeNode(b, x.Then)
		if x.Else != nil {
			b.WriteString(" else ")
			writeNode(b, x.Else)
		}
		b.WriteString(" endif")
	}
}

func writeSubject(b *strings.Builder, n Node) {
	if n == nil {
		return
	}
	writeNode(b, n)
	b.WriteByte(' ')
}

const (
	precAdd = iota + 1
	precMul
	precUnary
)

func arithPrec(op ArithOp) int {
	if op == OpMul || op == OpDiv {
		return precMul
	}
	return precAdd
}

// writeOperand parenthesises a child expression that binds looser than its
// parent, or equally on the right of a left-associative operator.
func writeOperand(b *strings.Builder, n Node, parent int, right bool) {
	child := precUnary + 1
	switch x := n.(type) {
	case *Arith:
		child = arithPrec(x.Op)
	case *Negate:
		child = precUnary
	case *NumberLit:
		if strings.HasPrefix(x.Raw, "-") && parent == precUnary {
			child = precAdd
		}
	}
	if child < parent || (right && child == parent) {
		b.WriteByte('(')
		writeNode(b, n)
		b.WriteByte(')')
		return
	}
	writeNode(b, n)
}

func writeCondition(b *strings.Builder, n Node, parent LogicOp, right bool) {
	if x, ok := n.(*Logical); ok && ((x.Op == OpOr && parent == OpAnd) || (x.Op == parent && right)) {
		b.WriteByte('(')
		writeNode(b, n)
		b.WriteByte(')')
		return
	}
	writeNode(b, n)
}

func quote(s string) string {
	var b strings.Builder
	b.WriteByte('\'')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\'', '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('\'')
	return b.String()
}
