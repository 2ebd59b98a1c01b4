// Package qc runs batch quality control: every active rule against every
// stored record of a record set, with violations opened, left alone or
// auto-resolved so that re-running over unchanged data changes nothing.
package qc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"clinrule/internal/compile"
	"clinrule/internal/engine"
	"clinrule/internal/metadata"
	"clinrule/internal/metrics"
)

var (
	ErrAlreadyResolved  = errors.New("violation already resolved")
	ErrResolverRequired = errors.New("resolver is required")
)

// RuleSource exposes the registry's active and broken rules.
type RuleSource interface {
	ActiveRules() []*metadata.Rule
	Broken() map[string]error
	GetRule(id string) *metadata.Rule
}

// Compiler is the rule cache as seen by the batch engine, which may compile.
type Compiler interface {
	Get(field, source string) (*compile.Rule, error)
	Catalog() compile.Catalog
}

type Engine struct {
	rules    RuleSource
	cache    Compiler
	records  RecordSource
	store    ViolationStore
	notifier Notifier
	workers  int
	clock    func() time.Time
	logger   *slog.Logger
	machine  *machine
}

type Option func(*Engine)

// WithWorkers sets how many records are evaluated concurrently.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithClock sets the clock used for timestamps and the today() reference date.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

func NewEngine(rules RuleSource, cache Compiler, records RecordSource, store ViolationStore, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		rules:   rules,
		cache:   cache,
		records: records,
		store:   store,
		workers: 1,
		clock:   time.Now,
		logger:  logger,
		machine: newMachine(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns the current phase of the engine.
func (e *Engine) State() State {
	return e.machine.current()
}

type plan struct {
	rule     *metadata.Rule
	compiled *compile.Rule
}

type ruleResult struct {
	plan    *plan
	verdict engine.Verdict
}

type recordOutcome struct {
	record  Record
	err     error
	results []ruleResult
}

// Run scans one record set. Only one run may be active at a time. A
// cancelled context stops the scan between records; outcomes already
// evaluated are still aggregated and the partial run is reported.
func (e *Engine) Run(ctx context.Context, recordSet string) (*RunSummary, error) {
	if recordSet == "" {
		recordSet = AllRecords
	}
	if err := e.machine.begin(); err != nil {
		return nil, err
	}
	defer e.machine.reset()

	start := time.Now()
	run := &RunSummary{
		ID:        uuid.NewString(),
		RecordSet: recordSet,
		StartedAt: e.clock().UTC(),
	}
	logger := e.logger.With("run_id", run.ID, "record_set", recordSet)
	logger.Info("qc run started")

	err := e.run(ctx, run, logger)
	metrics.QCRunDuration.Observe(time.Since(start).Seconds())
	switch {
	case err != nil:
		metrics.QCRunsTotal.WithLabelValues("failed").Inc()
		logger.Error("qc run failed", "error", err)
		return nil, err
	case run.Cancelled:
		metrics.QCRunsTotal.WithLabelValues("cancelled").Inc()
	default:
		metrics.QCRunsTotal.WithLabelValues("success").Inc()
		metrics.QCRunLastSuccessTimestamp.SetToCurrentTime()
	}

	logger.Info("qc run finished",
		"scanned", run.Scanned,
		"opened", run.Opened,
		"auto_resolved", run.AutoResolved,
		"skipped_with_error", run.SkippedWithErr,
		"rule_errors", len(run.RuleErrors),
		"cancelled", run.Cancelled,
	)
	return run, nil
}

func (e *Engine) run(ctx context.Context, run *RunSummary, logger *slog.Logger) error {
	plans := e.loadRules(run, logger)
	run.Rules = len(plans)

	if err := e.machine.advance(StateScanningRecords); err != nil {
		return err
	}
	records, err := e.records.ListRecords(ctx, run.RecordSet)
	if err != nil {
		return fmt.Errorf("list records: %w", err)
	}
	existing, err := e.store.ListViolations(ctx, ViolationFilter{})
	if err != nil {
		return fmt.Errorf("list violations: %w", err)
	}
	today := e.clock()
	outcomes := e.scan(ctx, records, plans, today)
	run.Cancelled = ctx.Err() != nil

	// Work already evaluated is kept even when the run was cancelled.
	persistCtx := context.WithoutCancel(ctx)

	if err := e.machine.advance(StateAggregating); err != nil {
		return err
	}
	if err := e.aggregate(persistCtx, run, outcomes, indexViolations(existing)); err != nil {
		return err
	}

	if err := e.machine.advance(StateReporting); err != nil {
		return err
	}
	run.FinishedAt = e.clock().UTC()
	if err := e.store.SaveRun(persistCtx, run); err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	if e.notifier != nil {
		if err := e.notifier.PublishRun(persistCtx, run); err != nil {
			logger.Warn("publish run summary failed", "error", err)
		}
	}
	return nil
}

// loadRules compiles the active rule set. Rules that do not compile are
// reported on the run and skipped.
func (e *Engine) loadRules(run *RunSummary, logger *slog.Logger) []*plan {
	broken := e.rules.Broken()
	for _, id := range slices.Sorted(maps.Keys(broken)) {
		run.RuleErrors = append(run.RuleErrors, ruleError(e.rules.GetRule(id), id, broken[id]))
	}

	var plans []*plan
	for _, rule := range e.rules.ActiveRules() {
		compiled, err := e.cache.Get(rule.Field, rule.Source)
		if err != nil {
			run.RuleErrors = append(run.RuleErrors, ruleError(rule, rule.ID, err))
			continue
		}
		plans = append(plans, &plan{rule: rule, compiled: compiled})
	}
	for _, re := range run.RuleErrors {
		logger.Warn("skipping rule that does not compile", "rule_id", re.RuleID, "kind", re.Kind, "error", re.Error)
	}
	return plans
}

func ruleError(rule *metadata.Rule, id string, err error) RuleError {
	kind, offset := compile.Describe(err)
	re := RuleError{RuleID: id, Kind: kind, Offset: offset, Error: err.Error()}
	if rule != nil {
		re.Field = rule.Field
	}
	return re
}

// scan evaluates records with a bounded worker pool. Slots for records not
// reached before cancellation stay nil.
func (e *Engine) scan(ctx context.Context, records []Record, plans []*plan, today time.Time) []*recordOutcome {
	catalog := e.cache.Catalog()
	outcomes := make([]*recordOutcome, len(records))

	var g errgroup.Group
	g.SetLimit(e.workers)
	for i, rec := range records {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			outcomes[i] = evaluateRecord(rec, plans, catalog, today)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func evaluateRecord(rec Record, plans []*plan, catalog compile.Catalog, today time.Time) *recordOutcome {
	out := &recordOutcome{record: rec}
	if rec.Err != nil {
		out.err = rec.Err
		return out
	}
	evalCtx, err := engine.BuildContext(rec.Data, catalog, today)
	if err != nil {
		out.err = err
		return out
	}
	out.results = make([]ruleResult, len(plans))
	for i, p := range plans {
		out.results[i] = ruleResult{plan: p, verdict: engine.Evaluate(p.compiled, evalCtx)}
	}
	return out
}

func violationKey(recordID, ruleID string) string {
	return recordID + "\x00" + ruleID
}

// indexViolations keeps, per record and rule, the violation that governs
// re-detection: an open one, else a manually resolved one. Violations
// auto-resolved by the system do not suppress a new failure.
func indexViolations(list []*Violation) map[string]*Violation {
	idx := make(map[string]*Violation, len(list))
	for _, v := range list {
		k := violationKey(v.RecordID, v.RuleID)
		switch {
		case v.IsOpen():
			idx[k] = v
		case v.ResolvedManually():
			if _, ok := idx[k]; !ok {
				idx[k] = v
			}
		}
	}
	return idx
}

func (e *Engine) aggregate(ctx context.Context, run *RunSummary, outcomes []*recordOutcome, idx map[string]*Violation) error {
	now := e.clock().UTC()
	for _, out := range outcomes {
		if out == nil {
			continue
		}
		if out.err != nil {
			run.SkippedWithErr++
			run.RecordErrors = append(run.RecordErrors, RecordError{RecordID: out.record.ID, Error: out.err.Error()})
			continue
		}
		run.Scanned++
		for _, res := range out.results {
			if err := e.apply(ctx, run, out.record, res, idx, now); err != nil {
				return err
			}
		}
	}
	metrics.QCRecordsScannedTotal.Add(float64(run.Scanned))
	return nil
}

func (e *Engine) apply(ctx context.Context, run *RunSummary, rec Record, res ruleResult, idx map[string]*Violation, now time.Time) error {
	rule := res.plan.rule
	k := violationKey(rec.ID, rule.ID)
	existing := idx[k]

	switch {
	case !res.verdict.Valid:
		// An open violation is left as is; a manual resolution is an
		// acknowledgement and is not reopened.
		if existing != nil {
			return nil
		}
		v := &Violation{
			ID:         uuid.NewString(),
			RecordID:   rec.ID,
			Field:      rule.Field,
			RuleID:     rule.ID,
			Severity:   string(rule.Severity),
			Message:    engine.RenderMessage(rule.Message, res.verdict, res.plan.compiled.Canonical),
			DetectedAt: now,
			State:      ViolationOpen,
			RunID:      run.ID,
		}
		if err := e.store.SaveViolation(ctx, v); err != nil {
			return fmt.Errorf("save violation for record %s rule %s: %w", rec.ID, rule.ID, err)
		}
		idx[k] = v
		run.Opened++
		run.Updated = append(run.Updated, v)
		metrics.QCViolationsTotal.WithLabelValues("opened").Inc()

	case !res.verdict.Indeterminate:
		if existing == nil || !existing.IsOpen() {
			return nil
		}
		resolved := *existing
		resolved.State = ViolationResolved
		resolved.ResolvedBy = SystemResolver
		resolved.ResolvedAt = &now
		resolved.RunID = run.ID
		ok, err := e.store.ResolveViolation(ctx, &resolved)
		if err != nil {
			return fmt.Errorf("auto-resolve violation %s: %w", existing.ID, err)
		}
		delete(idx, k)
		if !ok {
			e.logger.Debug("violation resolved during run", "violation_id", existing.ID)
			return nil
		}
		run.AutoResolved++
		run.Updated = append(run.Updated, &resolved)
		metrics.QCViolationsTotal.WithLabelValues("auto_resolved").Inc()
	}
	return nil
}

// Resolve closes an open violation on behalf of resolver.
func (e *Engine) Resolve(ctx context.Context, id, resolver, note string) (*Violation, error) {
	if resolver == "" {
		return nil, ErrResolverRequired
	}
	v, err := e.store.GetViolation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get violation %s: %w", id, err)
	}
	if !v.IsOpen() {
		return nil, ErrAlreadyResolved
	}

	now := e.clock().UTC()
	v.State = ViolationResolved
	v.ResolvedBy = resolver
	v.ResolvedAt = &now
	v.Note = note
	ok, err := e.store.ResolveViolation(ctx, v)
	if err != nil {
		return nil, fmt.Errorf("resolve violation %s: %w", id, err)
	}
	if !ok {
		return nil, ErrAlreadyResolved
	}
	metrics.QCViolationsTotal.WithLabelValues("resolved").Inc()
	e.logger.Info("violation resolved", "violation_id", id, "resolver", resolver)
	return v, nil
}

// Violations lists stored violations matching filter.
func (e *Engine) Violations(ctx context.Context, filter ViolationFilter) ([]*Violation, error) {
	return e.store.ListViolations(ctx, filter)
}

// Violation returns one stored violation.
func (e *Engine) Violation(ctx context.Context, id string) (*Violation, error) {
	return e.store.GetViolation(ctx, id)
}

// Runs lists the most recent run summaries, newest first.
func (e *Engine) Runs(ctx context.Context, limit int) ([]*RunSummary, error) {
	return e.store.ListRuns(ctx, limit)
}
