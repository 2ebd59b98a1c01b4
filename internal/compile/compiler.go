package compile

import (
	"math"
	"sort"

	"clinrule/internal/lang"
	"clinrule/internal/value"
)

// Compile parses source and compiles it for the target field. The result is
// either a rule or a *lang.LexicalError, *lang.SyntaxError,
// *UnknownFieldError or *TypeError.
func Compile(target, source string, catalog Catalog) (*Rule, error) {
	node, err := lang.Parse(source)
	if err != nil {
		return nil, err
	}
	return CompileNode(target, source, node, catalog)
}

// CompileNode compiles an already parsed tree. Constructs without an explicit
// subject apply to target.
func CompileNode(target, source string, node lang.Node, catalog Catalog) (*Rule, error) {
	kind, ok := catalog[target]
	if !ok {
		return nil, &UnknownFieldError{Name: target, Target: true}
	}

	c := &compiler{
		catalog: catalog,
		target:  &Field{Name: target, Type: kind},
		refs:    map[string]bool{target: true},
	}
	root, err := c.check(node)
	if err != nil {
		return nil, err
	}

	refs := make([]string, 0, len(c.refs))
	for name := range c.refs {
		refs = append(refs, name)
	}
	sort.Strings(refs)

	return &Rule{
		Field:     target,
		Source:    source,
		Canonical: lang.Format(node),
		Root:      root,
		Refs:      refs,
	}, nil
}

type compiler struct {
	catalog Catalog
	target  *Field
	refs    map[string]bool
}

func (c *compiler) check(n lang.Node) (Check, error) {
	switch x := n.(type) {
	case *lang.Required:
		out := &Required{Field: c.target}
		if x.Field != nil {
			f, err := c.field(x.Field)
			if err != nil {
				return nil, err
			}
			out.Field = f
		}
		if x.Unless != nil {
			cond, err := c.cond(x.Unless)
			if err != nil {
				return nil, err
			}
			out.Unless = cond
		}
		return out, nil

	case *lang.If:
		cond, err := c.cond(x.Cond)
		if err != nil {
			return nil, err
		}
		then, err := c.check(x.Then)
		if err != nil {
			return nil, err
		}
		out := &IfThen{Cond: cond, Then: then}
		if x.Else != nil {
			els, err := c.check(x.Else)
			if err != nil {
				return nil, err
			}
			out.Else = els
		}
		return out, nil
	}

	cond, err := c.cond(n)
	if err != nil {
		return nil, err
	}
	return &Assert{Cond: cond}, nil
}

func (c *compiler) cond(n lang.Node) (Cond, error) {
	switch x := n.(type) {
	case *lang.Logical:
		left, err := c.cond(x.Left)
		if err != nil {
			return nil, err
		}
		right, err := c.cond(x.Right)
		if err != nil {
			return nil, err
		}
		return &Logic{Op: x.Op, Left: left, Right: right}, nil
	case *lang.Compare:
		return c.compare(x)
	case *lang.Range:
		return c.rangeCheck(x)
	case *lang.In:
		return c.member(x)
	case *lang.Within:
		return c.within(x)
	case *lang.Required, *lang.If:
		return nil, typeErrorf(n.Pos(), "%s cannot be used inside a condition", constructName(n))
	case nil:
		return nil, typeErrorf(0, "missing condition")
	}
	return nil, typeErrorf(n.Pos(), "expected a condition, got %s", lang.Format(n))
}

func constructName(n lang.Node) string {
	if _, ok := n.(*lang.If); ok {
		return "if"
	}
	return "required"
}

// subject resolves the left-hand side of a predicate; nil means the target.
func (c *compiler) subject(n lang.Node) (Operand, string, error) {
	if n == nil {
		return c.target, c.target.Name, nil
	}
	op, err := c.operand(n)
	if err != nil {
		return nil, "", err
	}
	return op, lang.Format(n), nil
}

func (c *compiler) operand(n lang.Node) (Operand, error) {
	switch x := n.(type) {
	case *lang.NumberLit:
		return &Const{Value: value.Number(x.Value)}, nil
	case *lang.StringLit:
		return &Const{Value: value.String(x.Value)}, nil
	case *lang.DateLit:
		return &Const{Value: value.Date(x.Value)}, nil
	case *lang.BoolLit:
		return &Const{Value: value.Bool(x.Value)}, nil
	case *lang.FieldRef:
		return c.field(x)
	case *lang.Call:
		if x.Name != "today" {
			return nil, typeErrorf(x.Offset, "unknown function %s()", x.Name)
		}
		return &Today{}, nil
	case *lang.Negate:
		inner, err := c.operand(x.X)
		if err != nil {
			return nil, err
		}
		if k := inner.Kind(); k != value.KindNumber && k != value.KindAny {
			return nil, typeErrorf(x.Offset, "cannot negate a %s", k)
		}
		return &Neg{X: inner}, nil
	case *lang.Arith:
		return c.arith(x)
	case *lang.ListLit:
		return nil, typeErrorf(x.Offset, "a list is only valid after in")
	case nil:
		return nil, typeErrorf(0, "missing operand")
	}
	return nil, typeErrorf(n.Pos(), "expected a value, got %s", lang.Format(n))
}

func (c *compiler) field(ref *lang.FieldRef) (*Field, error) {
	kind, ok := c.catalog[ref.Name]
	if !ok {
		return nil, &UnknownFieldError{Name: ref.Name, Offset: ref.Offset}
	}
	c.refs[ref.Name] = true
	return &Field{Name: ref.Name, Type: kind}, nil
}

func (c *compiler) arith(x *lang.Arith) (Operand, error) {
	left, err := c.operand(x.Left)
	if err != nil {
		return nil, err
	}
	right, err := c.operand(x.Right)
	if err != nil {
		return nil, err
	}

	lk, rk := left.Kind(), right.Kind()
	for _, k := range []value.Kind{lk, rk} {
		if k == value.KindString || k == value.KindBool {
			return nil, typeErrorf(x.Offset, "arithmetic is not defined for %s values", k)
		}
	}

	additive := x.Op == lang.OpAdd || x.Op == lang.OpSub
	var kind value.Kind
	switch {
	case lk == value.KindAny || rk == value.KindAny:
		if !additive && (lk == value.KindDate || rk == value.KindDate) {
			return nil, typeErrorf(x.Offset, "operator %s is not defined for dates", x.Op)
		}
		kind = value.KindAny
	case lk == value.KindNumber && rk == value.KindNumber:
		kind = value.KindNumber
	case lk == value.KindDate && rk == value.KindNumber && additive:
		kind = value.KindDate
	case lk == value.KindNumber && rk == value.KindDate && x.Op == lang.OpAdd:
		kind = value.KindDate
	case lk == value.KindDate && rk == value.KindDate && x.Op == lang.OpSub:
		kind = value.KindNumber
	default:
		return nil, typeErrorf(x.Offset, "operator %s is not defined for %s and %s", x.Op, lk, rk)
	}
	return &Arith{Op: x.Op, Left: left, Right: right, Type: kind}, nil
}

// unify returns the single concrete kind shared by kinds, KindAny if none is
// known, or a TypeError if two known kinds differ.
func unify(offset int, verb string, kinds ...value.Kind) (value.Kind, error) {
	out := value.KindAny
	for _, k := range kinds {
		switch {
		case k == value.KindAny:
		case out == value.KindAny:
			out = k
		case out != k:
			return value.KindAny, typeErrorf(offset, "cannot %s %s with %s", verb, out, k)
		}
	}
	return out, nil
}

func ordering(op lang.CompareOp) bool {
	return op != lang.OpEq && op != lang.OpNeq
}

func (c *compiler) compare(x *lang.Compare) (Cond, error) {
	left, label, err := c.subject(x.Left)
	if err != nil {
		return nil, err
	}
	right, err := c.operand(x.Right)
	if err != nil {
		return nil, err
	}
	kind, err := unify(x.Offset, "compare", left.Kind(), right.Kind())
	if err != nil {
		return nil, err
	}
	if ordering(x.Op) && kind != value.KindAny && !kind.Ordered() {
		return nil, typeErrorf(x.Offset, "operator %s is not defined for %s values", x.Op, kind)
	}
	return &Compare{
		Op:    x.Op,
		Left:  left,
		Right: right,
		Type:  kind,
		Cmp:   value.Comparator(kind),
		Label: label,
	}, nil
}

func (c *compiler) rangeCheck(x *lang.Range) (Cond, error) {
	subject, label, err := c.subject(x.Subject)
	if err != nil {
		return nil, err
	}
	low, err := c.operand(x.Low)
	if err != nil {
		return nil, err
	}
	high, err := c.operand(x.High)
	if err != nil {
		return nil, err
	}
	kind, err := unify(x.Offset, "range-check", subject.Kind(), low.Kind(), high.Kind())
	if err != nil {
		return nil, err
	}
	if kind != value.KindAny && !kind.Ordered() {
		return nil, typeErrorf(x.Offset, "between requires numbers or dates, got %s", kind)
	}
	return &Range{
		Subject: subject,
		Low:     low,
		High:    high,
		Type:    kind,
		Cmp:     value.Comparator(kind),
		Label:   label,
	}, nil
}

func (c *compiler) within(x *lang.Within) (Cond, error) {
	subject, label, err := c.subject(x.Subject)
	if err != nil {
		return nil, err
	}
	ref, err := c.operand(x.Ref)
	if err != nil {
		return nil, err
	}
	if x.Amount == nil || x.Amount.Value < 0 {
		return nil, typeErrorf(x.Offset, "proximity amount must be a non-negative number")
	}
	kind, err := unify(x.Offset, "compare", subject.Kind(), ref.Kind())
	if err != nil {
		return nil, err
	}

	percent := x.Unit == lang.UnitPercent
	switch {
	case percent && kind != value.KindNumber && kind != value.KindAny:
		return nil, typeErrorf(x.Offset, "percent proximity requires numbers, got %s", kind)
	case !percent && kind != value.KindDate && kind != value.KindAny:
		return nil, typeErrorf(x.Offset, "day proximity requires dates, got %s", kind)
	case !percent && x.Amount.Value != math.Trunc(x.Amount.Value):
		return nil, typeErrorf(x.Amount.Offset, "day proximity requires a whole number of days, got %s", lang.Format(x.Amount))
	}

	kind = value.KindDate
	if percent {
		kind = value.KindNumber
	}
	return &Range{
		Subject: subject,
		Low:     &Shift{Ref: ref, Amount: x.Amount.Value, Percent: percent, Sign: -1},
		High:    &Shift{Ref: ref, Amount: x.Amount.Value, Percent: percent, Sign: 1},
		Type:    kind,
		Cmp:     value.Comparator(kind),
		Label:   label,
	}, nil
}

func (c *compiler) member(x *lang.In) (Cond, error) {
	subject, label, err := c.subject(x.Subject)
	if err != nil {
		return nil, err
	}
	list, ok := x.Set.(*lang.ListLit)
	if !ok {
		return nil, typeErrorf(x.Offset, "in requires a parenthesised list, got %s", lang.Format(x.Set))
	}

	set := make([]value.Value, 0, len(list.Items))
	setKind := value.KindAny
	for _, item := range list.Items {
		v, err := listItem(item)
		if err != nil {
			return nil, err
		}
		switch {
		case setKind == value.KindAny:
			setKind = v.Kind()
		case v.Kind() != setKind:
			return nil, typeErrorf(item.Pos(), "mixed-kind list: %s and %s", setKind, v.Kind())
		}
		set = append(set, v)
	}

	kind, err := unify(x.Offset, "match", subject.Kind(), setKind)
	if err != nil {
		return nil, err
	}
	return &Member{Subject: subject, Set: set, Type: kind, Label: label}, nil
}

// listItem converts a list element to a constant. Bare identifiers inside a
// list are symbolic codes, not field references.
func listItem(n lang.Node) (value.Value, error) {
	switch x := n.(type) {
	case *lang.NumberLit:
		return value.Number(x.Value), nil
	case *lang.StringLit:
		return value.String(x.Value), nil
	case *lang.DateLit:
		return value.Date(x.Value), nil
	case *lang.BoolLit:
		return value.Bool(x.Value), nil
	case *lang.FieldRef:
		return value.String(x.Name), nil
	}
	return value.Value{}, typeErrorf(n.Pos(), "list items must be literals, got %s", lang.Format(n))
}
