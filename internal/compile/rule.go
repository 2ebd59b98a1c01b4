// Package compile turns rule ASTs into immutable, type-resolved programs.
// Operand kinds and comparison strategies are fixed here so the evaluator
// never dispatches on literal types at run time.
package compile

import (
	"clinrule/internal/lang"
	"clinrule/internal/value"
)

// Catalog maps known field names to their declared kinds.
type Catalog map[string]value.Kind

// Rule is a compiled rule bound to its target field. It is immutable and safe
// to share between goroutines.
type Rule struct {
	Field     string
	Source    string
	Canonical string
	Root      Check
	// Refs lists every field the rule reads, target included, sorted.
	Refs []string
}

// Check is a top-level rule construct producing a verdict.
type Check interface{ check() }

// Cond is a boolean condition.
type Cond interface{ cond() }

// Operand yields a value at evaluation time.
type Operand interface {
	Kind() value.Kind
	operand()
}

type (
	// Assert passes when Cond holds.
	Assert struct {
		Cond Cond
	}

	// Required fails when Field is absent or empty, unless Unless holds.
	Required struct {
		Field  *Field
		Unless Cond
	}

	// IfThen passes vacuously when Cond is false and Else is nil.
	IfThen struct {
		Cond Cond
		Then Check
		Else Check
	}
)

func (*Assert) check()   {}
func (*Required) check() {}
func (*IfThen) check()   {}

type (
	Compare struct {
		Op    lang.CompareOp
		Left  Operand
		Right Operand
		Type  value.Kind
		Cmp   value.CompareFunc
		Label string
	}

	// Range is an inclusive bounds check. Proximity rules compile to a Range
	// whose bounds are Shift operands.
	Range struct {
		Subject   Operand
		Low, High Operand
		Type      value.Kind
		Cmp       value.CompareFunc
		Label     string
	}

	// Member is exact, case-sensitive set membership.
	Member struct {
		Subject Operand
		Set     []value.Value
		Type    value.Kind
		Label   string
	}

	Logic struct {
		Op          lang.LogicOp
		Left, Right Cond
	}
)

func (*Compare) cond() {}
func (*Range) cond()   {}
func (*Member) cond()  {}
func (*Logic) cond()   {}

type (
	Const struct {
		Value value.Value
	}

	// Field reads a context value. Type is the catalog kind; a context value
	// of any other kind is a type mismatch.
	Field struct {
		Name string
		Type value.Kind
	}

	// Today is the evaluation context's reference date.
	Today struct{}

	// Arith covers number arithmetic, date +/- days and date - date (days).
	Arith struct {
		Op          lang.ArithOp
		Left, Right Operand
		Type        value.Kind
	}

	Neg struct {
		X Operand
	}

	// Shift moves Ref by Amount days (dates) or Amount percent of |Ref|
	// (numbers). Sign is -1 or +1.
	Shift struct {
		Ref     Operand
		Amount  float64
		Percent bool
		Sign    int
	}
)

func (c *Const) Kind() value.Kind { return c.Value.Kind() }
func (f *Field) Kind() value.Kind { return f.Type }
func (*Today) Kind() value.Kind   { return value.KindDate }
func (a *Arith) Kind() value.Kind { return a.Type }
func (n *Neg) Kind() value.Kind   { return value.KindNumber }
func (s *Shift) Kind() value.Kind {
	if s.Percent {
		return value.KindNumber
	}
	return value.KindDate
}

func (*Const) operand() {}
func (*Field) operand() {}
func (*Today) operand() {}
func (*Arith) operand() {}
func (*Neg) operand()   {}
func (*Shift) operand() {}
