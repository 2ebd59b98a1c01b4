package metadata

import (
	"cmp"
	"maps"
	"slices"
	"sync"

	"clinrule/internal/compile"
)

type Registry struct {
	loadMu  sync.Mutex // serializes LoadAll
	mu      sync.RWMutex
	fields  map[string]*Field
	rules   map[string]*Rule
	byField map[string][]*Rule // active rules keyed by target field, priority order
	broken  map[string]error   // rule id -> compile error
}

func NewRegistry() *Registry {
	return &Registry{
		fields:  make(map[string]*Field),
		rules:   make(map[string]*Rule),
		byField: make(map[string][]*Rule),
		broken:  make(map[string]error),
	}
}

// Load replaces all fields and rules in the registry.
// Called during startup and after admin mutations.
func (r *Registry) Load(fields []*Field, rules []*Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.fields = make(map[string]*Field, len(fields))
	for _, f := range fields {
		r.fields[f.Name] = f
	}

	r.rules = make(map[string]*Rule, len(rules))
	r.byField = make(map[string][]*Rule)
	for _, rule := range rules {
		r.rules[rule.ID] = rule
		if rule.Active {
			r.byField[rule.Field] = append(r.byField[rule.Field], rule)
		}
	}
	for _, list := range r.byField {
		slices.SortFunc(list, byPriority)
	}
	r.broken = make(map[string]error)
}

func byPriority(a, b *Rule) int {
	return cmp.Or(cmp.Compare(a.Priority, b.Priority), cmp.Compare(a.ID, b.ID))
}

// SetBroken records the rules that failed to compile. They stay listed but
// are inactive for evaluation.
func (r *Registry) SetBroken(broken map[string]error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broken = maps.Clone(broken)
	if r.broken == nil {
		r.broken = make(map[string]error)
	}
}

// Broken returns a copy of the compile errors of broken rules keyed by id.
func (r *Registry) Broken() map[string]error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.broken)
}

// GetRule returns the rule with the given id, or nil.
func (r *Registry) GetRule(id string) *Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rules[id]
}

// AllRules returns every rule, active or not, ordered by field then priority.
func (r *Registry) AllRules() []*Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rules := slices.Collect(maps.Values(r.rules))
	slices.SortFunc(rules, func(a, b *Rule) int {
		return cmp.Or(cmp.Compare(a.Field, b.Field), byPriority(a, b))
	})
	return rules
}

// RulesForField returns the active, compilable rules targeting field.
func (r *Registry) RulesForField(field string) []*Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Rule
	for _, rule := range r.byField[field] {
		if _, bad := r.broken[rule.ID]; !bad {
			out = append(out, rule)
		}
	}
	return out
}

// ActiveRules returns every active, compilable rule ordered by field then
// priority.
func (r *Registry) ActiveRules() []*Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Rule
	for _, field := range slices.Sorted(maps.Keys(r.byField)) {
		for _, rule := range r.byField[field] {
			if _, bad := r.broken[rule.ID]; !bad {
				out = append(out, rule)
			}
		}
	}
	return out
}

// SourcesByField returns the rule texts of active rules per target field.
func (r *Registry) SourcesByField() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]string, len(r.byField))
	for field, rules := range r.byField {
		for _, rule := range rules {
			out[field] = append(out[field], rule.Source)
		}
	}
	return out
}

// GetField returns the catalog entry for name, or nil.
func (r *Registry) GetField(name string) *Field {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fields[name]
}

// AllFields returns the catalog sorted by name.
func (r *Registry) AllFields() []*Field {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fields := slices.Collect(maps.Values(r.fields))
	slices.SortFunc(fields, func(a, b *Field) int { return cmp.Compare(a.Name, b.Name) })
	return fields
}

// Catalog returns the compiler view of the field catalog.
func (r *Registry) Catalog() compile.Catalog {
	cat, _ := CatalogOf(r.AllFields())
	return cat
}
