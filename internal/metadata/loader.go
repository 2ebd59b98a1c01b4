package metadata

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"clinrule/internal/compile"
	"clinrule/internal/rulecache"
)

// Source reads rule definitions and the field catalog from the store.
type Source interface {
	ListFields(ctx context.Context) ([]*Field, error)
	ListRules(ctx context.Context) ([]*Rule, error)
}

// LoadResult summarises one load.
type LoadResult struct {
	Fields int
	Rules  int
	Broken map[string]error
}

// LoadAll reads all fields and rules, swaps them into the registry and brings
// the rule cache in line: a changed catalog purges it, a changed rule text
// evicts the old compilation, and every active rule is precompiled. Rules that
// fail to compile are marked broken and logged; they never fail the load.
// Loads into the same registry run one at a time, so the last load to start
// is the one left in place.
func LoadAll(ctx context.Context, src Source, reg *Registry, cache *rulecache.Cache, logger *slog.Logger) (*LoadResult, error) {
	reg.loadMu.Lock()
	defer reg.loadMu.Unlock()

	fields, err := src.ListFields(ctx)
	if err != nil {
		return nil, fmt.Errorf("load fields: %w", err)
	}
	rules, err := src.ListRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}

	catalog, bad := CatalogOf(fields)
	for _, err := range bad {
		logger.Warn("skipping catalog field", "error", err)
	}

	before := reg.SourcesByField()
	reg.Load(fields, rules)
	after := reg.SourcesByField()

	if !maps.Equal(catalog, cache.Catalog()) {
		cache.SetCatalog(catalog)
	}
	for _, field := range changedFields(before, after) {
		cache.Reload(field, after[field]...)
	}

	active := reg.ActiveRules()
	defs := make([]rulecache.Definition, len(active))
	for i, r := range active {
		defs[i] = rulecache.Definition{ID: r.ID, Field: r.Field, Source: r.Source}
	}
	broken := cache.Precompile(defs)
	reg.SetBroken(broken)

	for _, id := range slices.Sorted(maps.Keys(broken)) {
		rule := reg.GetRule(id)
		kind, offset := compile.Describe(broken[id])
		logger.Error("rule does not compile; marked inactive",
			"rule_id", id, "field", rule.Field, "kind", kind, "offset", offset, "error", broken[id])
	}

	logger.Info("loaded rule registry",
		"fields", len(fields), "rules", len(rules), "active", len(active), "broken", len(broken))
	return &LoadResult{Fields: len(fields), Rules: len(rules), Broken: broken}, nil
}

// Reload is an alias for LoadAll, called after admin mutations.
func Reload(ctx context.Context, src Source, reg *Registry, cache *rulecache.Cache, logger *slog.Logger) (*LoadResult, error) {
	return LoadAll(ctx, src, reg, cache, logger)
}

func changedFields(before, after map[string][]string) []string {
	var out []string
	for field := range before {
		if _, ok := after[field]; !ok {
			out = append(out, field)
		}
	}
	for field, sources := range after {
		if !slices.Equal(slices.Sorted(slices.Values(sources)), slices.Sorted(slices.Values(before[field]))) {
			out = append(out, field)
		}
	}
	slices.Sort(out)
	return out
}
