// Package value holds the typed scalar values that flow through rule
// compilation and evaluation.
package value

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind is the type of a scalar. KindAny is only used for catalog fields whose
// type is not declared and for compile-time inference that has to be settled
// at evaluation time.
type Kind int

const (
	KindAny Kind = iota
	KindNumber
	KindString
	KindDate
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindDate:
		return "date"
	case KindBool:
		return "boolean"
	default:
		return "any"
	}
}

// Ordered reports whether values of this kind support <, >, between.
func (k Kind) Ordered() bool {
	return k == KindNumber || k == KindDate
}

// ParseKind maps a catalog type name to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "any":
		return KindAny, nil
	case "number", "int", "integer", "decimal", "float":
		return KindNumber, nil
	case "string", "text":
		return KindString, nil
	case "date":
		return KindDate, nil
	case "bool", "boolean":
		return KindBool, nil
	default:
		return KindAny, fmt.Errorf("unknown field type %q", s)
	}
}

// DateLayout is the ISO calendar date layout used by date literals and
// date-typed field values.
const DateLayout = "2006-01-02"

// Value is an immutable tagged scalar. The zero Value is empty.
type Value struct {
	kind  Kind
	empty bool
	num   float64
	str   string
	date  time.Time
	b     bool
}

func Number(f float64) Value { return Value{kind: KindNumber, num: f} }
func String(s string) Value  { return Value{kind: KindString, str: s} }
func Bool(b bool) Value      { return Value{kind: KindBool, b: b} }
func Date(t time.Time) Value { return Value{kind: KindDate, date: Day(t)} }
func Empty() Value           { return Value{empty: true} }

func (v Value) Kind() Kind      { return v.kind }
func (v Value) Num() float64    { return v.num }
func (v Value) Str() string     { return v.str }
func (v Value) Time() time.Time { return v.date }
func (v Value) Truth() bool     { return v.b }

// IsEmpty reports whether the value carries no data (absent, null or blank).
func (v Value) IsEmpty() bool {
	return v.empty || v.kind == KindAny
}

// Day truncates t to a UTC calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses an ISO calendar date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// AddDays shifts a date by a number of days. A fractional amount, which only
// a computed value can produce, is truncated toward zero.
func AddDays(t time.Time, days float64) time.Time {
	return t.AddDate(0, 0, int(days))
}

// DaysBetween returns b - a in whole days.
func DaysBetween(a, b time.Time) float64 {
	return float64(Day(b).Sub(Day(a)) / (24 * time.Hour))
}

// String renders the value the way it appears in messages.
func (v Value) String() string {
	if v.IsEmpty() {
		return "<empty>"
	}
	switch v.kind {
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindString:
		return strconv.Quote(v.str)
	case KindDate:
		return v.date.Format(DateLayout)
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return "<any>"
	}
}

// Raw returns the value as a plain Go value suitable for JSON encoding.
func (v Value) Raw() any {
	if v.IsEmpty() {
		return nil
	}
	switch v.kind {
	case KindNumber:
		return v.num
	case KindString:
		return v.str
	case KindDate:
		return v.date.Format(DateLayout)
	case KindBool:
		return v.b
	default:
		return nil
	}
}

// Equal reports exact equality: same kind and same payload. Strings compare
// case-sensitively.
func Equal(a, b Value) bool {
	if a.kind != b.kind || a.IsEmpty() != b.IsEmpty() {
		return false
	}
	switch a.kind {
	case KindNumber:
		return a.num == b.num
	case KindString:
		return a.str == b.str
	case KindDate:
		return a.date.Equal(b.date)
	case KindBool:
		return a.b == b.b
	default:
		return true
	}
}

// CompareFunc orders two values of the same kind: negative, zero or positive.
type CompareFunc func(a, b Value) int

// Comparator returns the ordering strategy for a kind. The result is chosen
// once when a rule is compiled; KindAny yields a strategy that dispatches on
// the operands' own kind and is only used when neither side is typed.
func Comparator(k Kind) CompareFunc {
	switch k {
	case KindNumber:
		return compareNumber
	case KindDate:
		return compareDate
	case KindString:
		return compareString
	case KindBool:
		return compareBool
	default:
		return compareDynamic
	}
}

func compareNumber(a, b Value) int {
	switch {
	case a.num < b.num:
		return -1
	case a.num > b.num:
		return 1
	}
	return 0
}

func compareDate(a, b Value) int {
	return a.date.Compare(b.date)
}

func compareString(a, b Value) int {
	return strings.Compare(a.str, b.str)
}

func compareBool(a, b Value) int {
	if a.b == b.b {
		return 0
	}
	if !a.b {
		return -1
	}
	return 1
}

func compareDynamic(a, b Value) int {
	return Comparator(a.kind)(a, b)
}

// FromRaw converts a value arriving from a form or the store into a typed
// Value, guided by the declared catalog kind. Text that does not parse as the
// declared kind is kept as a string so that evaluation reports a type
// mismatch instead of silently coercing it. Composite values are rejected.
func FromRaw(kind Kind, raw any) (Value, error) {
	switch x := raw.(type) {
	case nil:
		return Empty(), nil
	case Value:
		return x, nil
	case string:
		return fromText(kind, x), nil
	case []byte:
		return fromText(kind, string(x)), nil
	case bool:
		if kind == KindString {
			return String(strconv.FormatBool(x)), nil
		}
		return Bool(x), nil
	case time.Time:
		if x.IsZero() {
			return Empty(), nil
		}
		if kind == KindString {
			return String(x.Format(DateLayout)), nil
		}
		return Date(x), nil
	case json.Number:
		return fromText(kind, x.String()), nil
	}

	if f, ok := toFloat64(raw); ok {
		if kind == KindString {
			return String(strconv.FormatFloat(f, 'f', -1, 64)), nil
		}
		return Number(f), nil
	}
	return Value{}, fmt.Errorf("unsupported value of type %T", raw)
}

func fromText(kind Kind, s string) Value {
	s = strings.TrimSpace(s)
	if s == "" {
		return Empty()
	}
	switch kind {
	case KindAny:
		// ISO dates are unambiguous even without a declared type.
		if len(s) == len(DateLayout) {
			if t, err := ParseDate(s); err == nil {
				return Date(t)
			}
		}
	case KindNumber:
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return Number(f)
		}
	case KindDate:
		if t, err := ParseDate(s); err == nil {
			return Date(t)
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return Date(t)
		}
	case KindBool:
		switch strings.ToLower(s) {
		case "true", "yes", "y", "1":
			return Bool(true)
		case "false", "no", "n", "0":
			return Bool(false)
		}
	}
	return String(s)
}

// toFloat64 converts numeric types to float64.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
