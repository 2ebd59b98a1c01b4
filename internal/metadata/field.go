package metadata

import (
	"fmt"

	"clinrule/internal/compile"
	"clinrule/internal/value"
)

// Field is a catalog entry: a form field name and its declared type.
type Field struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Label string `json:"label,omitempty"`
}

// Kind maps the declared type to a value kind.
func (f Field) Kind() (value.Kind, error) {
	k, err := value.ParseKind(f.Type)
	if err != nil {
		return value.KindAny, fmt.Errorf("field %s: %w", f.Name, err)
	}
	return k, nil
}

// CatalogOf builds a compiler catalog. Fields with an unknown type are left
// out and reported.
func CatalogOf(fields []*Field) (compile.Catalog, []error) {
	cat := make(compile.Catalog, len(fields))
	var errs []error
	for _, f := range fields {
		k, err := f.Kind()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		cat[f.Name] = k
	}
	return cat, errs
}
