package lang

import "time"

// Node is an element of a rule's abstract syntax tree. Trees are finite and
// acyclic; FieldRef names are not resolved until compilation.
type Node interface {
	Pos() int
	node()
}

// CompareOp is a comparison operator.
type CompareOp int

const (
	OpEq CompareOp = iota
	OpNeq
	OpLt
	OpGt
	OpLte
	OpGte
)

var compareOpText = [...]string{"==", "!=", "<", ">", "<=", ">="}

func (op CompareOp) String() string { return compareOpText[op] }

// ArithOp is an arithmetic operator.
type ArithOp int

const (
	OpAdd ArithOp = iota
	OpSub
	OpMul
	OpDiv
)

var arithOpText = [...]string{"+", "-", "*", "/"}

func (op ArithOp) String() string { return arithOpText[op] }

// LogicOp joins two conditions.
type LogicOp int

const (
	OpAnd LogicOp = iota
	OpOr
)

func (op LogicOp) String() string {
	if op == OpOr {
		return "or"
	}
	return "and"
}

// ProximityUnit is the unit of a within construct.
type ProximityUnit int

const (
	UnitDays ProximityUnit = iota
	UnitPercent
)

type (
	NumberLit struct {
		Offset int
		Raw    string
		Value  float64
	}

	StringLit struct {
		Offset int
		Value  string
	}

	DateLit struct {
		Offset int
		Value  time.Time
	}

	BoolLit struct {
		Offset int
		Value  bool
	}

	FieldRef struct {
		Offset int
		Name   string
	}

	// Call is a function call; today() is the only function.
	Call struct {
		Offset int
		Name   string
	}

	// ListLit is the parenthesised operand of in.
	ListLit struct {
		Offset int
		Items  []Node
	}

	Negate struct {
		Offset int
		X      Node
	}

	Arith struct {
		Offset      int
		Op          ArithOp
		Left, Right Node
	}

	// Compare with a nil Left applies to the rule's target field.
	Compare struct {
		Offset int
		Op     CompareOp
		Left   Node
		Right  Node
	}

	// Range is "between Low and High" or "Low..High". Bounds are inclusive.
	Range struct {
		Offset    int
		Subject   Node
		Low, High Node
		DotDot    bool
	}

	In struct {
		Offset  int
		Subject Node
		Set     Node
	}

	Within struct {
		Offset  int
		Subject Node
		Amount  *NumberLit
		Unit    ProximityUnit
		Ref     Node
	}

	Logical struct {
		Offset      int
		Op          LogicOp
		Left, Right Node
	}

	// Required with a nil Field applies to the rule's target field.
	Required struct {
		Offset int
		Field  *FieldRef
		Unless Node
	}

	If struct {
		Offset int
		Cond   Node
		Then   Node
		Else   Node
	}
)

func (n *NumberLit) Pos() int { return n.Offset }
func (n *StringLit) Pos() int { return n.Offset }
func (n *DateLit) Pos() int   { return n.Offset }
func (n *BoolLit) Pos() int   { return n.Offset }
func (n *FieldRef) Pos() int  { return n.Offset }
func (n *Call) Pos() int      { return n.Offset }
func (n *ListLit) Pos() int   { return n.Offset }
func (n *Negate) Pos() int    { return n.Offset }
func (n *Arith) Pos() int     { return n.Offset }
func (n *Compare) Pos() int   { return n.Offset }
func (n *Range) Pos() int     { return n.Offset }
func (n *In) Pos() int        { return n.Offset }
func (n *Within) Pos() int    { return n.Offset }
func (n *Logical) Pos() int   { return n.Offset }
func (n *Required) Pos() int  { return n.Offset }
func (n *If) Pos() int        { return n.Offset }

func (*NumberLit) node() {}
func (*StringLit) node() {}
func (*DateLit) node()   {}
func (*BoolLit) node()   {}
func (*FieldRef) node()  {}
func (*Call) node()      {}
func (*ListLit) node()   {}
func (*Negate) node()    {}
func (*Arith) node()     {}
func (*Compare) node()   {}
func (*Range) node()     {}
func (*In) node()        {}
func (*Within) node()    {}
func (*Logical) node()   {}
func (*Required) node()  {}
func (*If) node()        {}

// Walk calls fn for n and every descendant in depth-first order. Nil
// children (implicit subjects, missing else branches) are skipped.
func Walk(n Node, fn func(Node)) {
	if n == nil {
		return
	}
	fn(n)
	switch x := n.(type) {
	case *ListLit:
		for _, it := range x.Items {
			Walk(it, fn)
		}
	case *Negate:
		Walk(x.X, fn)
	case *Arith:
		Walk(x.Left, fn)
		Walk(x.Right, fn)
	case *Compare:
		Walk(x.Left, fn)
		Walk(x.Right, fn)
	case *Range:
		Walk(x.Subject, fn)
		Walk(x.Low, fn)
		Walk(x.High, fn)
	case *In:
		Walk(x.Subject, fn)
		Walk(x.Set, fn)
	case *Within:
		Walk(x.Subject, fn)
		if x.Amount != nil {
			Walk(x.Amount, fn)
		}
		Walk(x.Ref, fn)
	case *Logical:
		Walk(x.Left, fn)
		Walk(x.Right, fn)
	case *Required:
		if x.Field != nil {
			Walk(x.Field, fn)
		}
		Walk(x.Unless, fn)
	case *If:
		Walk(x.Cond, fn)
		Walk(x.Then, fn)
		Walk(x.Else, fn)
	}
}
