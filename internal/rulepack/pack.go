// Package rulepack reads rule definitions and field catalogs from YAML files.
//
// Parse checks a document against the embedded JSON schema. Check then
// validates each definition and compiles every rule against the pack's field
// catalog, optionally layered over fields that already exist.
package rulepack

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"clinrule/internal/compile"
	"clinrule/internal/metadata"
)

//go:embed schema/rulepack.json
var schemaJSON []byte

const schemaID = "rulepack.json"

// Pack is a parsed rule pack.
type Pack struct {
	Fields []*metadata.Field
	Rules  []*metadata.Rule
}

// Issue is one problem found in a pack. Offset is a byte offset into the
// rule source for compile errors and -1 otherwise.
type Issue struct {
	Path    string
	RuleID  string
	Kind    string
	Offset  int
	Message string
}

func (i Issue) String() string {
	var b strings.Builder
	if i.Path != "" {
		b.WriteString(i.Path)
		b.WriteString(": ")
	}
	if i.RuleID != "" {
		fmt.Fprintf(&b, "rule %s: ", i.RuleID)
	}
	if i.Kind != "" {
		b.WriteString(i.Kind)
		if i.Offset >= 0 {
			fmt.Fprintf(&b, " at offset %d", i.Offset)
		}
		b.WriteString(": ")
	}
	b.WriteString(i.Message)
	return b.String()
}

// InvalidError lists every issue found in a pack.
type InvalidError struct {
	Issues []Issue
}

func (e *InvalidError) Error() string {
	lines := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		lines[i] = issue.String()
	}
	return fmt.Sprintf("rule pack has %d problem(s):\n  %s", len(e.Issues), strings.Join(lines, "\n  "))
}

// Err wraps issues in an *InvalidError, or returns nil when there are none.
func Err(issues []Issue) error {
	if len(issues) == 0 {
		return nil
	}
	return &InvalidError{Issues: issues}
}

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(schemaJSON, &doc); err != nil {
		return nil, fmt.Errorf("parse embedded rule pack schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaID, doc); err != nil {
		return nil, fmt.Errorf("add rule pack schema: %w", err)
	}
	return c.Compile(schemaID)
})

// LoadFile reads and parses the pack at path.
func LoadFile(path string) (*Pack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule pack: %w", err)
	}
	pack, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return pack, nil
}

// Parse decodes a YAML pack and validates it against the schema. Schema
// violations are returned as an *InvalidError. Rules are not compiled; see
// Check.
func Parse(data []byte) (*Pack, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}

	// Round-trip through JSON so the schema sees JSON types.
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("convert yaml to json: %w", err)
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("convert yaml to json: %w", err)
	}

	schema, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if !errors.As(err, &ve) {
			return nil, err
		}
		return nil, &InvalidError{Issues: schemaIssues(ve)}
	}

	var pd packDoc
	if err := json.Unmarshal(b, &pd); err != nil {
		return nil, fmt.Errorf("decode rule pack: %w", err)
	}
	return pd.pack(), nil
}

// packDoc mirrors the file layout. Rules are active unless the file says
// otherwise.
type packDoc struct {
	Fields []*metadata.Field `json:"fields"`
	Rules  []struct {
		ID       string `json:"id"`
		Field    string `json:"field"`
		Source   string `json:"source"`
		Severity string `json:"severity"`
		Message  string `json:"message"`
		Priority int    `json:"priority"`
		Active   *bool  `json:"active"`
	} `json:"rules"`
}

func (d packDoc) pack() *Pack {
	p := &Pack{Fields: d.Fields}
	for _, r := range d.Rules {
		active := r.Active == nil || *r.Active
		p.Rules = append(p.Rules, &metadata.Rule{
			ID:       r.ID,
			Field:    r.Field,
			Source:   r.Source,
			Severity: metadata.Severity(r.Severity),
			Message:  r.Message,
			Priority: r.Priority,
			Active:   active,
		})
	}
	return p
}

func schemaIssues(ve *jsonschema.ValidationError) []Issue {
	if len(ve.Causes) == 0 {
		path := ""
		if len(ve.InstanceLocation) > 0 {
			path = "/" + strings.Join(ve.InstanceLocation, "/")
		}
		return []Issue{{Path: path, Kind: "schema", Offset: -1, Message: ve.Error()}}
	}
	var issues []Issue
	for _, cause := range ve.Causes {
		issues = append(issues, schemaIssues(cause)...)
	}
	return issues
}

// Catalog returns the compiler catalog declared by the pack's fields,
// layered over base.
func (p *Pack) Catalog(base compile.Catalog) (compile.Catalog, []error) {
	own, errs := metadata.CatalogOf(p.Fields)
	cat := make(compile.Catalog, len(base)+len(own))
	for name, k := range base {
		cat[name] = k
	}
	for name, k := range own {
		cat[name] = k
	}
	return cat, errs
}

// Check validates definitions and compiles every rule against the pack's
// catalog layered over base. Inactive rules are compiled too.
func (p *Pack) Check(base compile.Catalog) []Issue {
	var issues []Issue
	cat, errs := p.Catalog(base)
	for _, err := range errs {
		issues = append(issues, Issue{Kind: "field", Offset: -1, Message: err.Error()})
	}

	seen := make(map[string]bool, len(p.Rules))
	for _, r := range p.Rules {
		if seen[r.ID] {
			issues = append(issues, Issue{RuleID: r.ID, Kind: "duplicate", Offset: -1, Message: "rule id is used more than once"})
			continue
		}
		seen[r.ID] = true

		if err := r.Validate(); err != nil {
			issues = append(issues, Issue{RuleID: r.ID, Kind: "definition", Offset: -1, Message: err.Error()})
			continue
		}
		if _, err := compile.Compile(r.Field, r.Source, cat); err != nil {
			kind, offset := compile.Describe(err)
			issues = append(issues, Issue{RuleID: r.ID, Kind: kind, Offset: offset, Message: err.Error()})
		}
	}
	return issues
}

// Store is where Seed writes definitions.
type Store interface {
	SaveField(ctx context.Context, f *metadata.Field) error
	UpsertRule(ctx context.Context, r *metadata.Rule) error
}

// SeedResult counts what Seed wrote.
type SeedResult struct {
	Fields int
	Rules  int
}

// Seed upserts the pack's fields, then its rules. Definitions already in the
// store with other ids are left alone.
func (p *Pack) Seed(ctx context.Context, s Store) (SeedResult, error) {
	var res SeedResult
	for _, f := range p.Fields {
		if err := s.SaveField(ctx, f); err != nil {
			return res, err
		}
		res.Fields++
	}
	for _, r := range p.Rules {
		if err := s.UpsertRule(ctx, r); err != nil {
			return res, err
		}
		res.Rules++
	}
	return res, nil
}
