package engine

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"clinrule/internal/compile"
	"clinrule/internal/value"
)

// Context is an immutable snapshot of a record's field values plus the
// reference date that today() resolves to.
type Context struct {
	values map[string]value.Value
	today  time.Time
}

// NewContext copies values; later changes to the map do not affect the
// context.
func NewContext(values map[string]value.Value, today time.Time) *Context {
	return &Context{values: maps.Clone(values), today: value.Day(today)}
}

// BuildContext converts raw form or store values using the catalog's declared
// kinds. Fields missing from the catalog are converted untyped. A composite
// value makes the whole record malformed.
func BuildContext(raw map[string]any, catalog compile.Catalog, today time.Time) (*Context, error) {
	values := make(map[string]value.Value, len(raw))
	for _, name := range slices.Sorted(maps.Keys(raw)) {
		v, err := value.FromRaw(catalog[name], raw[name])
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		values[name] = v
	}
	return &Context{values: values, today: value.Day(today)}, nil
}

// Lookup returns the value for name and whether the field is present at all.
// A present field may still be empty.
func (c *Context) Lookup(name string) (value.Value, bool) {
	v, ok := c.values[name]
	return v, ok
}

// Today is the reference date for today().
func (c *Context) Today() time.Time { return c.today }

// With returns a copy of the context with name set to v.
func (c *Context) With(name string, v value.Value) *Context {
	values := make(map[string]value.Value, len(c.values)+1)
	maps.Copy(values, c.values)
	values[name] = v
	return &Context{values: values, today: c.today}
}
