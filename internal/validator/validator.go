// Package validator answers interactive per-field validation calls. It only
// reads precompiled rules from the cache and never touches storage, so a call
// costs one context build plus the evaluation of the field's blocking rules.
package validator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"clinrule/internal/compile"
	"clinrule/internal/engine"
	"clinrule/internal/metadata"
	"clinrule/internal/metrics"
	"clinrule/internal/rulecache"
	"clinrule/internal/value"
)

// DefaultBudget is the latency target for one validation call.
const DefaultBudget = 5 * time.Millisecond

// RuleSource lists the active rules targeting a field.
type RuleSource interface {
	RulesForField(field string) []*metadata.Rule
}

// Cache is the compiled rule cache as seen by the validator.
type Cache interface {
	Peek(field, source string) (rulecache.Compiled, bool)
	Get(field, source string) (*compile.Rule, error)
	Catalog() compile.Catalog
}

// Request is one field edit: the candidate value plus the rest of the
// in-progress record.
type Request struct {
	Field  string
	Value  any
	Record map[string]any
	// Today overrides the reference date for today(); zero means the clock.
	Today time.Time
}

// Failure is one failed blocking rule.
type Failure struct {
	RuleID   string `json:"rule_id"`
	Message  string `json:"message"`
	Mismatch bool   `json:"mismatch,omitempty"`
}

// Result is the combined verdict of a field's blocking rules. Indeterminate
// results are valid; they flag rules that could not be decided.
type Result struct {
	Valid         bool          `json:"valid"`
	Indeterminate bool          `json:"indeterminate"`
	Message       string        `json:"message,omitempty"`
	Failures      []Failure     `json:"failures,omitempty"`
	Missing       []string      `json:"missing,omitempty"`
	Elapsed       time.Duration `json:"-"`
}

type Validator struct {
	rules   RuleSource
	cache   Cache
	budget  time.Duration
	clock   func() time.Time
	logger  *slog.Logger
	warming sync.Map
}

type Option func(*Validator)

// WithBudget sets the latency budget; calls slower than it are logged.
func WithBudget(d time.Duration) Option {
	return func(v *Validator) {
		if d > 0 {
			v.budget = d
		}
	}
}

// WithClock sets the source of the default reference date.
func WithClock(clock func() time.Time) Option {
	return func(v *Validator) { v.clock = clock }
}

func New(rules RuleSource, cache Cache, logger *slog.Logger, opts ...Option) *Validator {
	v := &Validator{
		rules:  rules,
		cache:  cache,
		budget: DefaultBudget,
		clock:  time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate evaluates the field's active blocking rules against the candidate
// value. A rule missing from the cache is a configuration error: it is
// logged, reported as indeterminate and warmed in the background.
func (v *Validator) Validate(ctx context.Context, req Request) Result {
	start := time.Now()
	res := v.validate(req)
	res.Elapsed = time.Since(start)
	v.observe(ctx, req, res)
	return res
}

func (v *Validator) validate(req Request) Result {
	today := req.Today
	if today.IsZero() {
		today = v.clock()
	}
	catalog := v.cache.Catalog()

	candidate, err := value.FromRaw(catalog[req.Field], req.Value)
	if err != nil {
		msg := "type mismatch: " + req.Field + " must be a single value"
		return Result{Message: msg, Failures: []Failure{{Message: msg, Mismatch: true}}}
	}

	base, err := engine.BuildContext(withoutField(req.Record, req.Field), catalog, today)
	if err != nil {
		// Bad data elsewhere in the record must not block this field.
		v.logger.Warn("record context unreadable", "field", req.Field, "error", err)
		return Result{Valid: true, Indeterminate: true}
	}
	evalCtx := base.With(req.Field, candidate)

	res := Result{Valid: true}
	for _, rule := range v.rules.RulesForField(req.Field) {
		if rule.Severity != metadata.SeverityBlocking {
			continue
		}
		compiled, ok := v.cache.Peek(rule.Field, rule.Source)
		if !ok {
			v.logger.Error("blocking rule not precompiled", "rule_id", rule.ID, "field", rule.Field)
			res.Indeterminate = true
			v.warm(rule)
			continue
		}
		if compiled.Err != nil {
			continue
		}

		verdict := engine.Evaluate(compiled.Rule, evalCtx)
		if verdict.Indeterminate {
			res.Indeterminate = true
			res.Missing = appendUnique(res.Missing, verdict.Missing...)
		}
		if !verdict.Valid {
			res.Failures = append(res.Failures, Failure{
				RuleID:   rule.ID,
				Message:  engine.RenderMessage(rule.Message, verdict, compiled.Rule.Canonical),
				Mismatch: verdict.Mismatch,
			})
		}
	}

	if len(res.Failures) > 0 {
		res.Valid = false
		res.Message = res.Failures[0].Message
	}
	return res
}

// warm compiles a missing rule off the request path, once per text at a time.
func (v *Validator) warm(rule *metadata.Rule) {
	k := rule.Field + "\x00" + rule.Source
	if _, busy := v.warming.LoadOrStore(k, struct{}{}); busy {
		return
	}
	go func() {
		defer v.warming.Delete(k)
		if _, err := v.cache.Get(rule.Field, rule.Source); err != nil {
			kind, offset := compile.Describe(err)
			v.logger.Error("rule does not compile", "rule_id", rule.ID, "kind", kind, "offset", offset, "error", err)
		}
	}()
}

func (v *Validator) observe(ctx context.Context, req Request, res Result) {
	metrics.ValidationDuration.Observe(res.Elapsed.Seconds())
	outcome := "valid"
	switch {
	case !res.Valid:
		outcome = "invalid"
	case res.Indeterminate:
		outcome = "indeterminate"
	}
	metrics.ValidationsTotal.WithLabelValues(outcome).Inc()

	if v.budget > 0 && res.Elapsed > v.budget {
		metrics.ValidationBudgetExceededTotal.Inc()
		v.logger.WarnContext(ctx, "validation exceeded latency budget",
			"field", req.Field, "elapsed", res.Elapsed, "budget", v.budget)
	}
}

func withoutField(record map[string]any, field string) map[string]any {
	if _, ok := record[field]; !ok {
		return record
	}
	out := make(map[string]any, len(record))
	for k, val := range record {
		if k != field {
			out[k] = val
		}
	}
	return out
}

func appendUnique(dst []string, names ...string) []string {
	for _, n := range names {
		found := false
		for _, d := range dst {
			if d == n {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, n)
		}
	}
	return dst
}
