package metadata

import (
	"errors"
	"fmt"
	"strings"
)

// Severity routes a rule between execution modes: blocking rules run in the
// real-time validator, every severity runs in batch QC.
type Severity string

const (
	SeverityBlocking Severity = "blocking"
	SeverityError    Severity = "error"
	SeverityWarning  Severity = "warning"
)

// ParseSeverity normalises a severity name. The empty string defaults to
// error.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityBlocking:
		return SeverityBlocking, nil
	case SeverityError, "":
		return SeverityError, nil
	case SeverityWarning:
		return SeverityWarning, nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// Rule is a stored rule definition: the source text for one target field plus
// how its failures are reported.
type Rule struct {
	ID       string   `json:"id"`
	Field    string   `json:"field"`
	Source   string   `json:"source"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message,omitempty"`
	Priority int      `json:"priority"`
	Active   bool     `json:"active"`
}

// Validate checks the definition's shape; the rule text itself is checked by
// compiling it.
func (r *Rule) Validate() error {
	var errs []error
	if strings.TrimSpace(r.Field) == "" {
		errs = append(errs, errors.New("field is required"))
	}
	if strings.TrimSpace(r.Source) == "" {
		errs = append(errs, errors.New("source is required"))
	}
	sev, err := ParseSeverity(string(r.Severity))
	if err != nil {
		errs = append(errs, err)
	} else {
		r.Severity = sev
	}
	return errors.Join(errs...)
}
