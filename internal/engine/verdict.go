package engine

import (
	"strings"

	"clinrule/internal/value"
)

// Verdict is the outcome of evaluating one rule.
//
// An indeterminate verdict is always valid: a rule that could not be decided
// because referenced data is missing never blocks entry. A mismatch verdict is
// always invalid and its message describes the type problem rather than the
// rule.
type Verdict struct {
	Valid         bool
	Indeterminate bool
	Mismatch      bool
	Message       string
	Missing       []string

	// Field and Value identify the rule's target and its value at evaluation.
	Field string
	Value value.Value
}

// RenderMessage fills a rule's message template. Supported placeholders are
// {field}, {value}, {rule} and {message}. An empty template, a passing verdict
// or a type mismatch keep the evaluator's own message.
func RenderMessage(template string, v Verdict, rule string) string {
	if template == "" || v.Valid || v.Mismatch {
		return v.Message
	}
	r := strings.NewReplacer(
		"{field}", v.Field,
		"{value}", display(v.Value),
		"{rule}", rule,
		"{message}", v.Message,
	)
	return r.Replace(template)
}

func display(v value.Value) string {
	switch {
	case v.IsEmpty():
		return ""
	case v.Kind() == value.KindString:
		return v.Str()
	default:
		return v.String()
	}
}
