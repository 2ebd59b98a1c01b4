package compile

import (
	"errors"
	"fmt"

	"clinrule/internal/lang"
)

// UnknownFieldError reports a field reference, or a rule target, that is not
// in the catalog.
type UnknownFieldError struct {
	Name   string
	Offset int
	Target bool
}

func (e *UnknownFieldError) Error() string {
	if e.Target {
		return fmt.Sprintf("unknown target field %q", e.Name)
	}
	return fmt.Sprintf("unknown field %q at offset %d", e.Name, e.Offset)
}

// TypeError reports a construct whose operand kinds cannot be combined.
type TypeError struct {
	Offset int
	Msg    string
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("type error at offset %d: %s", e.Offset, e.Msg)
}

func typeErrorf(offset int, format string, args ...any) *TypeError {
	return &TypeError{Offset: offset, Msg: fmt.Sprintf(format, args...)}
}

// Error kinds reported by Describe.
const (
	ErrKindLexical      = "lexical"
	ErrKindSyntax       = "syntax"
	ErrKindUnknownField = "unknown_field"
	ErrKindType         = "type"
	ErrKindInternal     = "internal"
)

// Describe classifies a compile error and returns the byte offset it points
// at, or -1 when the error carries none.
func Describe(err error) (kind string, offset int) {
	var (
		lexErr     *lang.LexicalError
		synErr     *lang.SyntaxError
		unknownErr *UnknownFieldError
		typeErr    *TypeError
	)
	switch {
	case errors.As(err, &lexErr):
		return ErrKindLexical, lexErr.Offset
	case errors.As(err, &synErr):
		return ErrKindSyntax, synErr.Offset
	case errors.As(err, &unknownErr):
		if unknownErr.Target {
			return ErrKindUnknownField, -1
		}
		return ErrKindUnknownField, unknownErr.Offset
	case errors.As(err, &typeErr):
		return ErrKindType, typeErr.Offset
	}
	return ErrKindInternal, -1
}
