package qc

import (
	"context"
	"time"
)

// ViolationState is the lifecycle state of a violation.
type ViolationState string

const (
	ViolationOpen     ViolationState = "open"
	ViolationResolved ViolationState = "resolved"
)

// SystemResolver is recorded as the resolver of auto-resolved violations.
const SystemResolver = "system"

// AllRecords selects every stored record.
const AllRecords = "all"

// Violation is a persisted failure of one rule on one record.
type Violation struct {
	ID         string         `json:"id"`
	RecordID   string         `json:"record_id"`
	Field      string         `json:"field"`
	RuleID     string         `json:"rule_id"`
	Severity   string         `json:"severity"`
	Message    string         `json:"message"`
	DetectedAt time.Time      `json:"detected_at"`
	State      ViolationState `json:"state"`
	ResolvedBy string         `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
	Note       string         `json:"note,omitempty"`
	RunID      string         `json:"run_id,omitempty"`
}

// IsOpen reports whether the violation still needs attention.
func (v *Violation) IsOpen() bool { return v.State == ViolationOpen }

// ResolvedManually reports whether a person closed the violation.
func (v *Violation) ResolvedManually() bool {
	return v.State == ViolationResolved && v.ResolvedBy != SystemResolver
}

// Record is one stored data record scanned by a run.
type Record struct {
	ID   string
	Set  string
	Data map[string]any
	// Err is set when the stored data could not be decoded.
	Err error
}

// RecordError is a record skipped because its data could not be evaluated.
type RecordError struct {
	RecordID string `json:"record_id"`
	Error    string `json:"error"`
}

// RuleError is a rule skipped because it does not compile.
type RuleError struct {
	RuleID string `json:"rule_id"`
	Field  string `json:"field"`
	Kind   string `json:"kind"`
	Offset int    `json:"offset"`
	Error  string `json:"error"`
}

// RunSummary reports one batch run.
type RunSummary struct {
	ID             string        `json:"id"`
	RecordSet      string        `json:"record_set"`
	StartedAt      time.Time     `json:"started_at"`
	FinishedAt     time.Time     `json:"finished_at"`
	Rules          int           `json:"rules"`
	Scanned        int           `json:"scanned"`
	Opened         int           `json:"opened"`
	AutoResolved   int           `json:"auto_resolved"`
	SkippedWithErr int           `json:"skipped_with_error"`
	Cancelled      bool          `json:"cancelled"`
	RecordErrors   []RecordError `json:"record_errors,omitempty"`
	RuleErrors     []RuleError   `json:"rule_errors,omitempty"`
	Updated        []*Violation  `json:"updated,omitempty"`
}

// ViolationFilter narrows a violation listing. Empty fields match everything.
type ViolationFilter struct {
	State    ViolationState
	RecordID string
	Field    string
	RuleID   string
}

// RecordSource lists the records of a record set; AllRecords lists every record.
type RecordSource interface {
	ListRecords(ctx context.Context, recordSet string) ([]Record, error)
}

// ViolationStore persists violations and run summaries.
type ViolationStore interface {
	ListViolations(ctx context.Context, filter ViolationFilter) ([]*Violation, error)
	GetViolation(ctx context.Context, id string) (*Violation, error)
	SaveViolation(ctx context.Context, v *Violation) error
	// ResolveViolation closes v only while its stored row is still open,
	// reporting false when another resolution got there first.
	ResolveViolation(ctx context.Context, v *Violation) (bool, error)
	SaveRun(ctx context.Context, run *RunSummary) error
	ListRuns(ctx context.Context, limit int) ([]*RunSummary, error)
}

// Notifier announces finished runs to interested parties.
type Notifier interface {
	PublishRun(ctx context.Context, run *RunSummary) error
}
