package store

import (
	"context"
	"fmt"
	"time"

	"clinrule/internal/metadata"
)

var _ metadata.Source = (*Store)(nil)

// ListFields returns the field catalog ordered by name.
func (s *Store) ListFields(ctx context.Context) ([]*metadata.Field, error) {
	rows, err := QueryRows(ctx, s.DB, `SELECT name, type, label FROM _fields ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list fields: %w", err)
	}
	fields := make([]*metadata.Field, 0, len(rows))
	for _, row := range rows {
		fields = append(fields, &metadata.Field{
			Name:  asString(row["name"]),
			Type:  asString(row["type"]),
			Label: asString(row["label"]),
		})
	}
	return fields, nil
}

// SaveField inserts or replaces a catalog entry.
func (s *Store) SaveField(ctx context.Context, f *metadata.Field) error {
	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf(`INSERT INTO _fields (name, type, label, updated_at) VALUES (%s, %s, %s, %s)
		ON CONFLICT (name) DO UPDATE SET type = excluded.type, label = excluded.label, updated_at = excluded.updated_at`,
		pb.Add(f.Name), pb.Add(f.Type), pb.Add(f.Label), pb.Add(s.Dialect.TimeParam(time.Now())))
	if _, err := Exec(ctx, s.DB, q, pb.Params()...); err != nil {
		return s.Dialect.MapError(fmt.Errorf("save field %s: %w", f.Name, err))
	}
	return nil
}

// DeleteField removes a catalog entry.
func (s *Store) DeleteField(ctx context.Context, name string) error {
	pb := s.Dialect.NewParamBuilder()
	n, err := Exec(ctx, s.DB, fmt.Sprintf(`DELETE FROM _fields WHERE name = %s`, pb.Add(name)), pb.Params()...)
	if err != nil {
		return fmt.Errorf("delete field %s: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("field %s: %w", name, ErrNotFound)
	}
	return nil
}

const ruleColumns = `id, field, source, severity, message, priority, active`

func ruleFromRow(row map[string]any) *metadata.Rule {
	return &metadata.Rule{
		ID:       asString(row["id"]),
		Field:    asString(row["field"]),
		Source:   asString(row["source"]),
		Severity: metadata.Severity(asString(row["severity"])),
		Message:  asString(row["message"]),
		Priority: asInt(row["priority"]),
		Active:   asBool(row["active"]),
	}
}

// ListRules returns every rule definition, active or not.
func (s *Store) ListRules(ctx context.Context) ([]*metadata.Rule, error) {
	rows, err := QueryRows(ctx, s.DB, `SELECT `+ruleColumns+` FROM _rules ORDER BY field, priority, id`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	rules := make([]*metadata.Rule, 0, len(rows))
	for _, row := range rows {
		rules = append(rules, ruleFromRow(row))
	}
	return rules, nil
}

// GetRule returns one rule definition.
func (s *Store) GetRule(ctx context.Context, id string) (*metadata.Rule, error) {
	pb := s.Dialect.NewParamBuilder()
	row, err := QueryRow(ctx, s.DB, fmt.Sprintf(`SELECT %s FROM _rules WHERE id = %s`, ruleColumns, pb.Add(id)), pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", id, err)
	}
	return ruleFromRow(row), nil
}

// CreateRule inserts a new rule; an existing id is ErrUniqueViolation.
func (s *Store) CreateRule(ctx context.Context, r *metadata.Rule) error {
	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf(`INSERT INTO _rules (id, field, source, severity, message, priority, active) VALUES (%s, %s, %s, %s, %s, %s, %s)`,
		pb.Add(r.ID), pb.Add(r.Field), pb.Add(r.Source), pb.Add(string(r.Severity)), pb.Add(r.Message), pb.Add(r.Priority), pb.Add(r.Active))
	if _, err := Exec(ctx, s.DB, q, pb.Params()...); err != nil {
		return s.Dialect.MapError(fmt.Errorf("create rule %s: %w", r.ID, err))
	}
	return nil
}

// UpdateRule replaces a stored rule definition.
func (s *Store) UpdateRule(ctx context.Context, r *metadata.Rule) error {
	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf(`UPDATE _rules SET field = %s, source = %s, severity = %s, message = %s, priority = %s, active = %s, updated_at = %s WHERE id = %s`,
		pb.Add(r.Field), pb.Add(r.Source), pb.Add(string(r.Severity)), pb.Add(r.Message), pb.Add(r.Priority), pb.Add(r.Active),
		pb.Add(s.Dialect.TimeParam(time.Now())), pb.Add(r.ID))
	n, err := Exec(ctx, s.DB, q, pb.Params()...)
	if err != nil {
		return s.Dialect.MapError(fmt.Errorf("update rule %s: %w", r.ID, err))
	}
	if n == 0 {
		return fmt.Errorf("rule %s: %w", r.ID, ErrNotFound)
	}
	return nil
}

// UpsertRule inserts or replaces a rule by id.
func (s *Store) UpsertRule(ctx context.Context, r *metadata.Rule) error {
	pb := s.Dialect.NewParamBuilder()
	q := fmt.Sprintf(`INSERT INTO _rules (id, field, source, severity, message, priority, active, updated_at) VALUES (%s, %s, %s, %s, %s, %s, %s, %s)
		ON CONFLICT (id) DO UPDATE SET field = excluded.field, source = excluded.source, severity = excluded.severity,
		message = excluded.message, priority = excluded.priority, active = excluded.active, updated_at = excluded.updated_at`,
		pb.Add(r.ID), pb.Add(r.Field), pb.Add(r.Source), pb.Add(string(r.Severity)), pb.Add(r.Message), pb.Add(r.Priority), pb.Add(r.Active),
		pb.Add(s.Dialect.TimeParam(time.Now())))
	if _, err := Exec(ctx, s.DB, q, pb.Params()...); err != nil {
		return s.Dialect.MapError(fmt.Errorf("upsert rule %s: %w", r.ID, err))
	}
	return nil
}

// DeleteRule removes a rule definition. Its violations are kept.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	pb := s.Dialect.NewParamBuilder()
	n, err := Exec(ctx, s.DB, fmt.Sprintf(`DELETE FROM _rules WHERE id = %s`, pb.Add(id)), pb.Params()...)
	if err != nil {
		return fmt.Errorf("delete rule %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return nil
}
