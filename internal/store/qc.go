package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"clinrule/internal/qc"
)

var (
	_ qc.RecordSource   = (*Store)(nil)
	_ qc.ViolationStore = (*Store)(nil)
)

// decodeJSON reads a JSON column, which drivers hand back as text or bytes.
func decodeJSON(v any, dst any) error {
	var raw string
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		raw = val
	case []byte:
		raw = string(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		raw = string(b)
	}
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}

// ListRecords returns the records of a set ordered by id; qc.AllRecords
// returns every record.
func (s *Store) ListRecords(ctx context.Context, recordSet string) ([]qc.Record, error) {
	pb := s.Dialect.NewParamBuilder()
	q := `SELECT id, record_set, data FROM _records`
	if recordSet != "" && recordSet != qc.AllRecords {
		q += ` WHERE record_set = ` + pb.Add(recordSet)
	}
	q += ` ORDER BY id`

	rows, err := QueryRows(ctx, s.DB, q, pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	records := make([]qc.Record, 0, len(rows))
	for _, row := range rows {
		rec := qc.Record{ID: asString(row["id"]), Set: asString(row["record_set"])}
		if err := decodeJSON(row["data"], &rec.Data); err != nil {
			rec.Err = fmt.Errorf("decode data: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// SaveRecord inserts or replaces a record.
func (s *Store) SaveRecord(ctx context.Context, rec qc.Record) error {
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.ID, err)
	}
	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf(`INSERT INTO _records (id, record_set, data, updated_at) VALUES (%s, %s, %s, %s)
		ON CONFLICT (id) DO UPDATE SET record_set = excluded.record_set, data = excluded.data, updated_at = excluded.updated_at`,
		pb.Add(rec.ID), pb.Add(rec.Set), pb.Add(string(data)), pb.Add(s.Dialect.TimeParam(time.Now())))
	if _, err := Exec(ctx, s.DB, q, pb.Params()...); err != nil {
		return s.Dialect.MapError(fmt.Errorf("save record %s: %w", rec.ID, err))
	}
	return nil
}

const violationColumns = `id, record_id, field, rule_id, severity, message, detected_at, state, resolved_by, resolved_at, note, run_id`

func violationFromRow(row map[string]any) (*qc.Violation, error) {
	v := &qc.Violation{
		ID:         asString(row["id"]),
		RecordID:   asString(row["record_id"]),
		Field:      asString(row["field"]),
		RuleID:     asString(row["rule_id"]),
		Severity:   asString(row["severity"]),
		Message:    asString(row["message"]),
		State:      qc.ViolationState(asString(row["state"])),
		ResolvedBy: asString(row["resolved_by"]),
		Note:       asString(row["note"]),
		RunID:      asString(row["run_id"]),
	}
	detected, err := asTime(row["detected_at"])
	if err != nil {
		return nil, fmt.Errorf("violation %s detected_at: %w", v.ID, err)
	}
	v.DetectedAt = detected
	if row["resolved_at"] != nil {
		resolved, err := asTime(row["resolved_at"])
		if err != nil {
			return nil, fmt.Errorf("violation %s resolved_at: %w", v.ID, err)
		}
		v.ResolvedAt = &resolved
	}
	return v, nil
}

// ListViolations returns violations matching filter, oldest first.
func (s *Store) ListViolations(ctx context.Context, filter qc.ViolationFilter) ([]*qc.Violation, error) {
	pb := s.Dialect.NewParamBuilder()
	var where []string
	if filter.State != "" {
		where = append(where, "state = "+pb.Add(string(filter.State)))
	}
	if filter.RecordID != "" {
		where = append(where, "record_id = "+pb.Add(filter.RecordID))
	}
	if filter.Field != "" {
		where = append(where, "field = "+pb.Add(filter.Field))
	}
	if filter.RuleID != "" {
		where = append(where, "rule_id = "+pb.Add(filter.RuleID))
	}
	q := `SELECT ` + violationColumns + ` FROM _violations`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY detected_at, id`

	rows, err := QueryRows(ctx, s.DB, q, pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("list violations: %w", err)
	}
	out := make([]*qc.Violation, 0, len(rows))
	for _, row := range rows {
		v, err := violationFromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// GetViolation returns one violation or ErrNotFound.
func (s *Store) GetViolation(ctx context.Context, id string) (*qc.Violation, error) {
	pb := s.Dialect.NewParamBuilder()
	row, err := QueryRow(ctx, s.DB, fmt.Sprintf(`SELECT %s FROM _violations WHERE id = %s`, violationColumns, pb.Add(id)), pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("violation %s: %w", id, err)
	}
	return violationFromRow(row)
}

// SaveViolation inserts or updates a violation by id.
func (s *Store) SaveViolation(ctx context.Context, v *qc.Violation) error {
	var resolvedBy, resolvedAt any
	if v.ResolvedAt != nil {
		resolvedBy = v.ResolvedBy
		resolvedAt = s.Dialect.TimeParam(*v.ResolvedAt)
	}
	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf(`INSERT INTO _violations (%s) VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)
		ON CONFLICT (id) DO UPDATE SET state = excluded.state, message = excluded.message,
		resolved_by = excluded.resolved_by, resolved_at = excluded.resolved_at, note = excluded.note, run_id = excluded.run_id`,
		violationColumns,
		pb.Add(v.ID), pb.Add(v.RecordID), pb.Add(v.Field), pb.Add(v.RuleID), pb.Add(v.Severity), pb.Add(v.Message),
		pb.Add(s.Dialect.TimeParam(v.DetectedAt)), pb.Add(string(v.State)), pb.Add(resolvedBy), pb.Add(resolvedAt),
		pb.Add(v.Note), pb.Add(v.RunID))
	if _, err := Exec(ctx, s.DB, q, pb.Params()...); err != nil {
		return s.Dialect.MapError(fmt.Errorf("save violation %s: %w", v.ID, err))
	}
	return nil
}

// ResolveViolation moves an open violation to resolved. It reports false
// when the stored row is missing or no longer open.
func (s *Store) ResolveViolation(ctx context.Context, v *qc.Violation) (bool, error) {
	if v.ResolvedAt == nil {
		return false, fmt.Errorf("resolve violation %s: resolved_at is required", v.ID)
	}
	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf(`UPDATE _violations SET state = %s, resolved_by = %s, resolved_at = %s, note = %s, run_id = %s
		WHERE id = %s AND state = %s`,
		pb.Add(string(qc.ViolationResolved)), pb.Add(v.ResolvedBy), pb.Add(s.Dialect.TimeParam(*v.ResolvedAt)),
		pb.Add(v.Note), pb.Add(v.RunID), pb.Add(v.ID), pb.Add(string(qc.ViolationOpen)))
	n, err := Exec(ctx, s.DB, q, pb.Params()...)
	if err != nil {
		return false, s.Dialect.MapError(fmt.Errorf("resolve violation %s: %w", v.ID, err))
	}
	return n > 0, nil
}

// SaveRun persists a run summary. Violation rows are stored separately.
func (s *Store) SaveRun(ctx context.Context, run *qc.RunSummary) error {
	recordErrs, err := json.Marshal(nonNil(run.RecordErrors))
	if err != nil {
		return fmt.Errorf("encode record errors: %w", err)
	}
	ruleErrs, err := json.Marshal(nonNil(run.RuleErrors))
	if err != nil {
		return fmt.Errorf("encode rule errors: %w", err)
	}
	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf(`INSERT INTO _qc_runs (id, record_set, started_at, finished_at, rules, scanned, opened, auto_resolved,
		skipped_with_error, cancelled, record_errors, rule_errors) VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		pb.Add(run.ID), pb.Add(run.RecordSet), pb.Add(s.Dialect.TimeParam(run.StartedAt)), pb.Add(s.Dialect.TimeParam(run.FinishedAt)),
		pb.Add(run.Rules), pb.Add(run.Scanned), pb.Add(run.Opened), pb.Add(run.AutoResolved),
		pb.Add(run.SkippedWithErr), pb.Add(run.Cancelled), pb.Add(string(recordErrs)), pb.Add(string(ruleErrs)))
	if _, err := Exec(ctx, s.DB, q, pb.Params()...); err != nil {
		return s.Dialect.MapError(fmt.Errorf("save run %s: %w", run.ID, err))
	}
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// ListRuns returns the most recent run summaries, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*qc.RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf(`SELECT id, record_set, started_at, finished_at, rules, scanned, opened, auto_resolved,
		skipped_with_error, cancelled, record_errors, rule_errors FROM _qc_runs ORDER BY started_at DESC, id LIMIT %s`, pb.Add(limit))
	rows, err := QueryRows(ctx, s.DB, q, pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	runs := make([]*qc.RunSummary, 0, len(rows))
	for _, row := range rows {
		run := &qc.RunSummary{
			ID:             asString(row["id"]),
			RecordSet:      asString(row["record_set"]),
			Rules:          asInt(row["rules"]),
			Scanned:        asInt(row["scanned"]),
			Opened:         asInt(row["opened"]),
			AutoResolved:   asInt(row["auto_resolved"]),
			SkippedWithErr: asInt(row["skipped_with_error"]),
			Cancelled:      asBool(row["cancelled"]),
		}
		if run.StartedAt, err = asTime(row["started_at"]); err != nil {
			return nil, fmt.Errorf("run %s started_at: %w", run.ID, err)
		}
		if run.FinishedAt, err = asTime(row["finished_at"]); err != nil {
			return nil, fmt.Errorf("run %s finished_at: %w", run.ID, err)
		}
		if err := decodeJSON(row["record_errors"], &run.RecordErrors); err != nil {
			return nil, fmt.Errorf("run %s record_errors: %w", run.ID, err)
		}
		if err := decodeJSON(row["rule_errors"], &run.RuleErrors); err != nil {
			return nil, fmt.Errorf("run %s rule_errors: %w", run.ID, err)
		}
		runs = append(runs, run)
	}
	return runs, nil
}
