// Package engine evaluates compiled rules against a record snapshot. It is
// the only execution surface for rule text: a compiled rule is walked by the
// interpreter here and never turned into host code.
package engine

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"clinrule/internal/compile"
	"clinrule/internal/lang"
	"clinrule/internal/value"
)

// truth is the outcome of a condition. Unknown means referenced data is
// missing; mismatch means a value had the wrong kind.
type truth int

const (
	truthFalse truth = iota
	truthTrue
	truthUnknown
	truthMismatch
)

// Evaluate runs rule against ctx. The result depends only on the rule and the
// context.
func Evaluate(rule *compile.Rule, ctx *Context) Verdict {
	e := &evaluator{ctx: ctx}
	v := e.check(rule.Root)
	v.Field = rule.Field
	v.Value, _ = ctx.Lookup(rule.Field)
	return v
}

type evaluator struct {
	ctx      *Context
	missing  []string
	reason   string
	mismatch string
}

func (e *evaluator) verdict(t truth) Verdict {
	switch t {
	case truthTrue:
		return Verdict{Valid: true}
	case truthFalse:
		return Verdict{Message: e.reason}
	case truthUnknown:
		return Verdict{Valid: true, Indeterminate: true, Missing: e.missing}
	default:
		return Verdict{Mismatch: true, Message: e.mismatch}
	}
}

func (e *evaluator) check(c compile.Check) Verdict {
	switch x := c.(type) {
	case *compile.Assert:
		return e.verdict(e.cond(x.Cond))

	case *compile.Required:
		if v, ok := e.ctx.Lookup(x.Field.Name); ok && !v.IsEmpty() {
			return Verdict{Valid: true}
		}
		reason := x.Field.Name + " is required"
		if x.Unless == nil {
			e.reason = reason
			return e.verdict(truthFalse)
		}
		t := e.cond(x.Unless)
		if t == truthFalse {
			e.reason = reason
		}
		if t == truthTrue {
			return Verdict{Valid: true}
		}
		return e.verdict(t)

	case *compile.IfThen:
		switch t := e.cond(x.Cond); t {
		case truthTrue:
			e.missing, e.reason = nil, ""
			return e.check(x.Then)
		case truthFalse:
			if x.Else == nil {
				return Verdict{Valid: true}
			}
			e.missing, e.reason = nil, ""
			return e.check(x.Else)
		default:
			return e.verdict(t)
		}
	}
	return Verdict{Valid: true}
}

func (e *evaluator) cond(c compile.Cond) truth {
	switch x := c.(type) {
	case *compile.Logic:
		return e.logic(x)
	case *compile.Compare:
		return e.compare(x)
	case *compile.Range:
		return e.between(x)
	case *compile.Member:
		return e.member(x)
	}
	return truthTrue
}

func (e *evaluator) logic(x *compile.Logic) truth {
	left := e.cond(x.Left)
	if left == truthMismatch {
		return left
	}

	if x.Op == lang.OpAnd {
		if left == truthFalse {
			return truthFalse
		}
		right := e.cond(x.Right)
		if right == truthMismatch || right == truthFalse {
			return right
		}
		if left == truthUnknown || right == truthUnknown {
			return truthUnknown
		}
		return truthTrue
	}

	if left == truthTrue {
		return truthTrue
	}
	leftReason := e.reason
	right := e.cond(x.Right)
	if right == truthMismatch || right == truthTrue {
		return right
	}
	if left == truthUnknown || right == truthUnknown {
		return truthUnknown
	}
	e.reason = leftReason + " or " + e.reason
	return truthFalse
}

var comparePhrase = map[lang.CompareOp]string{
	lang.OpEq:  "equal to",
	lang.OpNeq: "different from",
	lang.OpLt:  "less than",
	lang.OpGt:  "greater than",
	lang.OpLte: "at most",
	lang.OpGte: "at least",
}

func (e *evaluator) compare(x *compile.Compare) truth {
	l, lt := e.operand(x.Left)
	r, rt := e.operand(x.Right)
	if t := combine(lt, rt); t != truthTrue {
		return t
	}
	if l.Kind() != r.Kind() {
		return e.fail("type mismatch: %s is a %s value, compared with a %s", x.Label, l.Kind(), r.Kind())
	}
	if x.Op != lang.OpEq && x.Op != lang.OpNeq && !l.Kind().Ordered() {
		return e.fail("type mismatch: operator %s is not defined for %s values", x.Op, l.Kind())
	}

	c := x.Cmp(l, r)
	var ok bool
	switch x.Op {
	case lang.OpEq:
		ok = c == 0
	case lang.OpNeq:
		ok = c != 0
	case lang.OpLt:
		ok = c < 0
	case lang.OpGt:
		ok = c > 0
	case lang.OpLte:
		ok = c <= 0
	case lang.OpGte:
		ok = c >= 0
	}
	if ok {
		return truthTrue
	}
	e.reason = fmt.Sprintf("%s must be %s %s (was %s)", x.Label, comparePhrase[x.Op], r, l)
	return truthFalse
}

func (e *evaluator) between(x *compile.Range) truth {
	v, vt := e.operand(x.Subject)
	lo, lt := e.operand(x.Low)
	hi, ht := e.operand(x.High)
	if t := combine(vt, lt, ht); t != truthTrue {
		return t
	}
	if v.Kind() != lo.Kind() || v.Kind() != hi.Kind() {
		return e.fail("type mismatch: %s is a %s value, bounds are %s and %s", x.Label, v.Kind(), lo.Kind(), hi.Kind())
	}
	if !v.Kind().Ordered() {
		return e.fail("type mismatch: %s values have no order", v.Kind())
	}
	if x.Cmp(lo, v) <= 0 && x.Cmp(v, hi) <= 0 {
		return truthTrue
	}
	e.reason = fmt.Sprintf("%s must be between %s and %s (was %s)", x.Label, lo, hi, v)
	return truthFalse
}

func (e *evaluator) member(x *compile.Member) truth {
	v, t := e.operand(x.Subject)
	if t != truthTrue {
		return t
	}
	if len(x.Set) > 0 && v.Kind() != x.Set[0].Kind() {
		return e.fail("type mismatch: %s is a %s value, list holds %s values", x.Label, v.Kind(), x.Set[0].Kind())
	}
	if slices.ContainsFunc(x.Set, func(m value.Value) bool { return value.Equal(m, v) }) {
		return truthTrue
	}
	items := make([]string, len(x.Set))
	for i, m := range x.Set {
		items[i] = m.String()
	}
	e.reason = fmt.Sprintf("%s must be one of (%s) (was %s)", x.Label, strings.Join(items, ", "), v)
	return truthFalse
}

func (e *evaluator) fail(format string, args ...any) truth {
	if e.mismatch == "" {
		e.mismatch = fmt.Sprintf(format, args...)
	}
	return truthMismatch
}

func (e *evaluator) addMissing(name string) {
	if !slices.Contains(e.missing, name) {
		e.missing = append(e.missing, name)
	}
}

// combine merges operand outcomes: a mismatch dominates missing data.
func combine(ts ...truth) truth {
	out := truthTrue
	for _, t := range ts {
		switch {
		case t == truthMismatch:
			return truthMismatch
		case t == truthUnknown:
			out = truthUnknown
		}
	}
	return out
}

func (e *evaluator) operand(op compile.Operand) (value.Value, truth) {
	switch x := op.(type) {
	case *compile.Const:
		return x.Value, truthTrue

	case *compile.Field:
		v, ok := e.ctx.Lookup(x.Name)
		if !ok || v.IsEmpty() {
			e.addMissing(x.Name)
			return value.Value{}, truthUnknown
		}
		if x.Type != value.KindAny && v.Kind() != x.Type {
			return value.Value{}, e.fail("type mismatch: %s expects a %s value, got %s", x.Name, x.Type, v)
		}
		return v, truthTrue

	case *compile.Today:
		return value.Date(e.ctx.Today()), truthTrue

	case *compile.Neg:
		v, t := e.operand(x.X)
		if t != truthTrue {
			return v, t
		}
		if v.Kind() != value.KindNumber {
			return value.Value{}, e.fail("type mismatch: cannot negate %s", v)
		}
		return value.Number(-v.Num()), truthTrue

	case *compile.Arith:
		l, lt := e.operand(x.Left)
		r, rt := e.operand(x.Right)
		if t := combine(lt, rt); t != truthTrue {
			return value.Value{}, t
		}
		return e.arith(x.Op, l, r)

	case *compile.Shift:
		ref, t := e.operand(x.Ref)
		if t != truthTrue {
			return ref, t
		}
		sign := float64(x.Sign)
		if x.Percent {
			if ref.Kind() != value.KindNumber {
				return value.Value{}, e.fail("type mismatch: percent proximity needs a number, got %s", ref)
			}
			delta := math.Abs(ref.Num()) * x.Amount / 100
			return value.Number(ref.Num() + sign*delta), truthTrue
		}
		if ref.Kind() != value.KindDate {
			return value.Value{}, e.fail("type mismatch: day proximity needs a date, got %s", ref)
		}
		return value.Date(value.AddDays(ref.Time(), sign*x.Amount)), truthTrue
	}
	return value.Value{}, e.fail("unsupported operand %T", op)
}

func (e *evaluator) arith(op lang.ArithOp, l, r value.Value) (value.Value, truth) {
	lk, rk := l.Kind(), r.Kind()
	switch {
	case lk == value.KindNumber && rk == value.KindNumber:
		switch op {
		case lang.OpAdd:
			return value.Number(l.Num() + r.Num()), truthTrue
		case lang.OpSub:
			return value.Number(l.Num() - r.Num()), truthTrue
		case lang.OpMul:
			return value.Number(l.Num() * r.Num()), truthTrue
		default:
			if r.Num() == 0 {
				return value.Value{}, e.fail("division by zero")
			}
			return value.Number(l.Num() / r.Num()), truthTrue
		}
	case lk == value.KindDate && rk == value.KindNumber && op == lang.OpAdd:
		return value.Date(value.AddDays(l.Time(), r.Num())), truthTrue
	case lk == value.KindDate && rk == value.KindNumber && op == lang.OpSub:
		return value.Date(value.AddDays(l.Time(), -r.Num())), truthTrue
	case lk == value.KindNumber && rk == value.KindDate && op == lang.OpAdd:
		return value.Date(value.AddDays(r.Time(), l.Num())), truthTrue
	case lk == value.KindDate && rk == value.KindDate && op == lang.OpSub:
		return value.Number(value.DaysBetween(r.Time(), l.Time())), truthTrue
	}
	return value.Value{}, e.fail("type mismatch: operator %s is not defined for %s and %s", op, lk, rk)
}
