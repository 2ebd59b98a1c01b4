package qc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinrule/internal/metadata"
	"clinrule/internal/rulecache"
)

var errNotFound = errors.New("not found")

type memRecords struct {
	mu      sync.Mutex
	records []Record
	block   chan struct{}
	entered chan struct{}
}

func (m *memRecords) ListRecords(ctx context.Context, set string) ([]Record, error) {
	if m.block != nil {
		close(m.entered)
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		if set == AllRecords || r.Set == set {
			out = append(out, Record{ID: r.ID, Set: r.Set, Data: r.Data})
		}
	}
	return out, nil
}

func (m *memRecords) set(id string, data map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.records {
		if m.records[i].ID == id {
			m.records[i].Data = data
			return
		}
	}
	m.records = append(m.records, Record{ID: id, Set: "visit1", Data: data})
}

type memStore struct {
	mu         sync.Mutex
	violations map[string]Violation
	order      []string
	runs       []*RunSummary
	// after runs once, outside the lock, after the next read of op.
	after   func()
	afterOp string
}

func newMemStore() *memStore {
	return &memStore{violations: make(map[string]Violation)}
}

func (s *memStore) onceAfter(op string, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.afterOp, s.after = op, fn
}

func (s *memStore) fire(op string) {
	s.mu.Lock()
	fn := s.after
	if s.afterOp != op {
		fn = nil
	}
	if fn != nil {
		s.after = nil
	}
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *memStore) ListViolations(_ context.Context, f ViolationFilter) ([]*Violation, error) {
	defer s.fire("list")
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Violation
	for _, id := range s.order {
		v := s.violations[id]
		if (f.State == "" || v.State == f.State) &&
			(f.RecordID == "" || v.RecordID == f.RecordID) &&
			(f.Field == "" || v.Field == f.Field) &&
			(f.RuleID == "" || v.RuleID == f.RuleID) {
			out = append(out, &v)
		}
	}
	return out, nil
}

func (s *memStore) GetViolation(_ context.Context, id string) (*Violation, error) {
	defer s.fire("get")
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.violations[id]
	if !ok {
		return nil, errNotFound
	}
	return &v, nil
}

func (s *memStore) SaveViolation(_ context.Context, v *Violation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.violations[v.ID]; !ok {
		s.order = append(s.order, v.ID)
	}
	s.violations[v.ID] = *v
	return nil
}

func (s *memStore) ResolveViolation(_ context.Context, v *Violation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.violations[v.ID]; !ok || !cur.IsOpen() {
		return false, nil
	}
	s.violations[v.ID] = *v
	return true, nil
}

func (s *memStore) SaveRun(_ context.Context, run *RunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
	return nil
}

func (s *memStore) ListRuns(_ context.Context, limit int) ([]*RunSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := slices.Clone(s.runs)
	slices.Reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) open() []Violation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Violation
	for _, id := range s.order {
		if v := s.violations[id]; v.IsOpen() {
			out = append(out, v)
		}
	}
	return out
}

type memNotifier struct {
	runs []*RunSummary
}

func (n *memNotifier) PublishRun(_ context.Context, run *RunSummary) error {
	n.runs = append(n.runs, run)
	return nil
}

type defs struct {
	fields []*metadata.Field
	rules  []*metadata.Rule
}

func (d *defs) ListFields(context.Context) ([]*metadata.Field, error) { return d.fields, nil }
func (d *defs) ListRules(context.Context) ([]*metadata.Rule, error)   { return d.rules, nil }

var fixedNow = time.Date(2024, 6, 15, 2, 0, 0, 0, time.UTC)

type fixture struct {
	engine  *Engine
	records *memRecords
	store   *memStore
}

func newFixture(t *testing.T, rules []*metadata.Rule, records []Record, opts ...Option) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	src := &defs{
		fields: []*metadata.Field{
			{Name: "age", Type: "number"},
			{Name: "weight", Type: "number"},
			{Name: "baseline_weight", Type: "number"},
		},
		rules: rules,
	}
	reg := metadata.NewRegistry()
	cache := rulecache.New(nil, logger)
	_, err := metadata.LoadAll(context.Background(), src, reg, cache, logger)
	require.NoError(t, err)

	f := &fixture{records: &memRecords{records: records}, store: newMemStore()}
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	f.engine = NewEngine(reg, cache, f.records, f.store, logger, opts...)
	return f
}

var ageRule = &metadata.Rule{ID: "age-range", Field: "age", Source: "between 6 and 18", Severity: metadata.SeverityError, Active: true}

func TestRun_OpensViolationsAndIsIdempotent(t *testing.T) {
	f := newFixture(t, []*metadata.Rule{ageRule}, []Record{
		{ID: "p1", Set: "visit1", Data: map[string]any{"age": 19}},
		{ID: "p2", Set: "visit1", Data: map[string]any{"age": 10}},
	})

	run, err := f.engine.Run(context.Background(), "visit1")
	require.NoError(t, err)
	assert.Equal(t, 2, run.Scanned)
	assert.Equal(t, 1, run.Opened)
	assert.Equal(t, 0, run.AutoResolved)
	require.Len(t, run.Updated, 1)

	v := run.Updated[0]
	assert.Equal(t, "p1", v.RecordID)
	assert.Equal(t, "age-range", v.RuleID)
	assert.Equal(t, "error", v.Severity)
	assert.Equal(t, "age must be between 6 and 18 (was 19)", v.Message)
	assert.Equal(t, ViolationOpen, v.State)
	assert.Equal(t, run.ID, v.RunID)
	assert.Equal(t, fixedNow, v.DetectedAt)

	again, err := f.engine.Run(context.Background(), "visit1")
	require.NoError(t, err)
	assert.Equal(t, 2, again.Scanned)
	assert.Zero(t, again.Opened)
	assert.Zero(t, again.AutoResolved)
	assert.Empty(t, again.Updated)
	assert.Len(t, f.store.open(), 1)
	assert.Equal(t, StateIdle, f.engine.State())
}

func TestRun_AutoResolvesAndReopens(t *testing.T) {
	f := newFixture(t, []*metadata.Rule{ageRule}, []Record{
		{ID: "p1", Set: "visit1", Data: map[string]any{"age": 19}},
	})
	ctx := context.Background()

	_, err := f.engine.Run(ctx, AllRecords)
	require.NoError(t, err)

	f.records.set("p1", map[string]any{"age": 12})
	run, err := f.engine.Run(ctx, AllRecords)
	require.NoError(t, err)
	assert.Equal(t, 1, run.AutoResolved)
	require.Len(t, run.Updated, 1)
	assert.Equal(t, ViolationResolved, run.Updated[0].State)
	assert.Equal(t, SystemResolver, run.Updated[0].ResolvedBy)
	assert.Empty(t, f.store.open())

	f.records.set("p1", map[string]any{"age": 30})
	run, err = f.engine.Run(ctx, AllRecords)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Opened)
	assert.Len(t, f.store.open(), 1)
}

func TestRun_ManualResolutionIsNotReopened(t *testing.T) {
	f := newFixture(t, []*metadata.Rule{ageRule}, []Record{
		{ID: "p1", Set: "visit1", Data: map[string]any{"age": 19}},
	})
	ctx := context.Background()

	run, err := f.engine.Run(ctx, "")
	require.NoError(t, err)
	require.Len(t, run.Updated, 1)

	resolved, err := f.engine.Resolve(ctx, run.Updated[0].ID, "monitor-7", "confirmed with site")
	require.NoError(t, err)
	assert.Equal(t, ViolationResolved, resolved.State)
	assert.Equal(t, "monitor-7", resolved.ResolvedBy)
	assert.Equal(t, "confirmed with site", resolved.Note)
	require.NotNil(t, resolved.ResolvedAt)

	run, err = f.engine.Run(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, run.Opened)
	assert.Empty(t, f.store.open())
}

func TestRun_KeepsResolutionMadeDuringRun(t *testing.T) {
	f := newFixture(t, []*metadata.Rule{ageRule}, []Record{
		{ID: "p1", Set: "visit1", Data: map[string]any{"age": 19}},
	})
	ctx := context.Background()

	first, err := f.engine.Run(ctx, "visit1")
	require.NoError(t, err)
	require.Len(t, first.Updated, 1)
	id := first.Updated[0].ID

	f.records.set("p1", map[string]any{"age": 10})
	f.store.onceAfter("list", func() {
		_, err := f.engine.Resolve(ctx, id, "monitor-1", "source verified")
		require.NoError(t, err)
	})
	run, err := f.engine.Run(ctx, "visit1")
	require.NoError(t, err)
	assert.Zero(t, run.AutoResolved)
	assert.Empty(t, run.Updated)

	got, err := f.store.GetViolation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ViolationResolved, got.State)
	assert.Equal(t, "monitor-1", got.ResolvedBy)
	assert.Equal(t, "source verified", got.Note)
}

func TestResolve_ConcurrentResolutionLoses(t *testing.T) {
	f := newFixture(t, []*metadata.Rule{ageRule}, []Record{
		{ID: "p1", Set: "visit1", Data: map[string]any{"age": 19}},
	})
	ctx := context.Background()

	run, err := f.engine.Run(ctx, "visit1")
	require.NoError(t, err)
	require.Len(t, run.Updated, 1)
	id := run.Updated[0].ID

	f.store.onceAfter("get", func() {
		_, err := f.engine.Resolve(ctx, id, "dm-2", "first")
		require.NoError(t, err)
	})
	_, err = f.engine.Resolve(ctx, id, "dm-1", "second")
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	got, err := f.store.GetViolation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "dm-2", got.ResolvedBy)
	assert.Equal(t, "first", got.Note)
}

func TestRun_IndeterminateLeavesViolationOpen(t *testing.T) {
	rule := &metadata.Rule{ID: "wt", Field: "weight", Source: "within 10% of baseline_weight", Severity: metadata.SeverityWarning, Active: true}
	f := newFixture(t, []*metadata.Rule{rule}, []Record{
		{ID: "p1", Set: "visit1", Data: map[string]any{"weight": 80, "baseline_weight": 70}},
	})
	ctx := context.Background()

	run, err := f.engine.Run(ctx, AllRecords)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Opened)

	f.records.set("p1", map[string]any{"weight": 72})
	run, err = f.engine.Run(ctx, AllRecords)
	require.NoError(t, err)
	assert.Zero(t, run.AutoResolved)
	assert.Len(t, f.store.open(), 1)
}

func TestRun_SkipsMalformedRecordsAndReportsBrokenRules(t *testing.T) {
	broken := &metadata.Rule{ID: "typo", Field: "age", Source: "betwen 1 and 10", Severity: metadata.SeverityError, Active: true}
	f := newFixture(t, []*metadata.Rule{ageRule, broken}, []Record{
		{ID: "p1", Set: "visit1", Data: map[string]any{"age": []any{1, 2}}},
		{ID: "p2", Set: "visit1", Data: map[string]any{"age": 40}},
	})

	run, err := f.engine.Run(context.Background(), AllRecords)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Rules)
	assert.Equal(t, 1, run.Scanned)
	assert.Equal(t, 1, run.SkippedWithErr)
	require.Len(t, run.RecordErrors, 1)
	assert.Equal(t, "p1", run.RecordErrors[0].RecordID)
	require.Len(t, run.RuleErrors, 1)
	assert.Equal(t, "typo", run.RuleErrors[0].RuleID)
	assert.Equal(t, "syntax", run.RuleErrors[0].Kind)
	assert.Equal(t, 1, run.Opened)
}

func TestRun_CancelledBeforeScanStillReports(t *testing.T) {
	f := newFixture(t, []*metadata.Rule{ageRule}, []Record{
		{ID: "p1", Set: "visit1", Data: map[string]any{"age": 19}},
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := f.engine.Run(ctx, AllRecords)
	require.NoError(t, err)
	assert.True(t, run.Cancelled)
	assert.Zero(t, run.Scanned)
	assert.Len(t, f.store.runs, 1)
	assert.Equal(t, StateIdle, f.engine.State())
}

func TestRun_RejectsConcurrentRun(t *testing.T) {
	f := newFixture(t, []*metadata.Rule{ageRule}, nil)
	f.records.block = make(chan struct{})
	f.records.entered = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := f.engine.Run(context.Background(), AllRecords)
		done <- err
	}()
	<-f.records.entered
	assert.Equal(t, StateScanningRecords, f.engine.State())

	_, err := f.engine.Run(context.Background(), AllRecords)
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(f.records.block)
	require.NoError(t, <-done)
	assert.Equal(t, StateIdle, f.engine.State())
}

func TestRun_ParallelWorkersMatchSequential(t *testing.T) {
	var records []Record
	for i := range 50 {
		records = append(records, Record{ID: "p" + strconv.Itoa(i), Set: "visit1", Data: map[string]any{"age": i}})
	}
	notifier := &memNotifier{}
	f := newFixture(t, []*metadata.Rule{ageRule}, records, WithWorkers(8), WithNotifier(notifier))

	run, err := f.engine.Run(context.Background(), AllRecords)
	require.NoError(t, err)
	assert.Equal(t, 50, run.Scanned)
	// ages 0-5 and 19-49 fall outside the range
	assert.Equal(t, 37, run.Opened)
	require.Len(t, notifier.runs, 1)
	assert.Equal(t, run.ID, notifier.runs[0].ID)

	runs, err := f.engine.Runs(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
}

func TestResolve_Errors(t *testing.T) {
	f := newFixture(t, []*metadata.Rule{ageRule}, []Record{
		{ID: "p1", Set: "visit1", Data: map[string]any{"age": 19}},
	})
	ctx := context.Background()
	run, err := f.engine.Run(ctx, AllRecords)
	require.NoError(t, err)
	id := run.Updated[0].ID

	_, err = f.engine.Resolve(ctx, id, "", "")
	assert.ErrorIs(t, err, ErrResolverRequired)

	_, err = f.engine.Resolve(ctx, "missing", "dm", "")
	assert.ErrorIs(t, err, errNotFound)

	_, err = f.engine.Resolve(ctx, id, "dm", "")
	require.NoError(t, err)
	_, err = f.engine.Resolve(ctx, id, "dm", "")
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	list, err := f.engine.Violations(ctx, ViolationFilter{State: ViolationResolved, RecordID: "p1"})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateIdle, StateLoadingRules, true},
		{StateLoadingRules, StateScanningRecords, true},
		{StateScanningRecords, StateAggregating, true},
		{StateAggregating, StateReporting, true},
		{StateReporting, StateIdle, true},
		{StateIdle, StateScanningRecords, false},
		{StateScanningRecords, StateReporting, false},
		{StateReporting, StateAggregating, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}
