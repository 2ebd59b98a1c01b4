// Package rulecache keeps compiled rules keyed by (field, source text).
//
// Reads go through a sync.Map and never wait on writers. Compilation on a
// miss is collapsed with singleflight so a key is compiled at most once at a
// time. Failed compilations are cached too; a rule that does not compile
// keeps failing until its text changes.
package rulecache

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"clinrule/internal/compile"
	"clinrule/internal/metrics"
)

// Definition identifies a rule text to warm.
type Definition struct {
	ID     string
	Field  string
	Source string
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
	Compiles int64 `json:"compiles"`
	Entries  int   `json:"entries"`
}

type key struct {
	field  string
	source string
}

type entry struct {
	rule *compile.Rule
	err  error
}

type Cache struct {
	entries sync.Map // key -> *entry
	group   singleflight.Group
	catalog atomic.Pointer[compile.Catalog]
	gen     atomic.Uint64

	// mu serialises writers: inserts, reloads and catalog swaps.
	mu      sync.Mutex
	current map[string]map[string]bool

	hits     atomic.Int64
	misses   atomic.Int64
	compiles atomic.Int64

	logger *slog.Logger
}

func New(catalog compile.Catalog, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		current: make(map[string]map[string]bool),
		logger:  logger,
	}
	c.catalog.Store(&catalog)
	return c
}

// Catalog returns the field catalog rules are compiled against.
func (c *Cache) Catalog() compile.Catalog {
	return *c.catalog.Load()
}

// Get returns the compiled rule for (field, source), compiling it on a miss.
// A compile error is returned as-is and cached like a rule.
func (c *Cache) Get(field, source string) (*compile.Rule, error) {
	k := key{field, source}
	if v, ok := c.entries.Load(k); ok {
		c.hit()
		e := v.(*entry)
		return e.rule, e.err
	}
	c.miss()

	gen := c.gen.Load()
	sfKey := fmt.Sprintf("%d\x00%s\x00%s", gen, field, source)
	v, _, _ := c.group.Do(sfKey, func() (any, error) {
		if v, ok := c.entries.Load(k); ok {
			return v, nil
		}
		rule, err := compile.Compile(field, source, c.Catalog())
		c.compiles.Add(1)
		if err != nil {
			metrics.CacheCompilationsTotal.WithLabelValues("error").Inc()
		} else {
			metrics.CacheCompilationsTotal.WithLabelValues("ok").Inc()
		}
		e := &entry{rule: rule, err: err}
		c.insert(k, e, gen)
		return e, nil
	})
	e := v.(*entry)
	return e.rule, e.err
}

// Compiled is a cached compilation outcome: a rule or its compile error.
type Compiled struct {
	Rule *compile.Rule
	Err  error
}

// Peek returns a cached outcome without ever compiling. ok is false on a
// miss.
func (c *Cache) Peek(field, source string) (Compiled, bool) {
	v, found := c.entries.Load(key{field, source})
	if !found {
		c.miss()
		return Compiled{}, false
	}
	c.hit()
	e := v.(*entry)
	return Compiled{Rule: e.rule, Err: e.err}, true
}

// insert stores e unless the catalog changed since the compile started or
// the source is no longer current for its field.
func (c *Cache) insert(k key, e *entry, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen.Load() != gen {
		return
	}
	if set, tracked := c.current[k.field]; tracked && !set[k.source] {
		return
	}
	c.entries.Store(k, e)
}

// Reload records sources as the current rule texts for field and evicts any
// compiled entry for field whose text is not among them. It returns the
// number of evicted entries.
func (c *Cache) Reload(field string, sources ...string) int {
	set := make(map[string]bool, len(sources))
	for _, s := range sources {
		set[s] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.current[field] = set

	evicted := 0
	c.entries.Range(func(k, _ any) bool {
		kk := k.(key)
		if kk.field == field && !set[kk.source] {
			c.entries.Delete(k)
			evicted++
		}
		return true
	})
	if evicted > 0 {
		metrics.CacheEvictionsTotal.Add(float64(evicted))
		c.logger.Debug("evicted stale rules", "field", field, "count", evicted)
	}
	return evicted
}

// SetCatalog swaps the field catalog and drops every compiled entry; rules
// compiled against the old catalog may no longer resolve.
func (c *Cache) SetCatalog(catalog compile.Catalog) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.catalog.Store(&catalog)
	c.gen.Add(1)
	c.entries.Clear()
}

// Precompile compiles every definition so later lookups are hits. It returns
// compile errors keyed by definition ID.
func (c *Cache) Precompile(defs []Definition) map[string]error {
	failed := make(map[string]error)
	for _, d := range defs {
		if _, err := c.Get(d.Field, d.Source); err != nil {
			failed[d.ID] = err
		}
	}
	return failed
}

func (c *Cache) Stats() Stats {
	n := 0
	c.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return Stats{
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Compiles: c.compiles.Load(),
		Entries:  n,
	}
}

func (c *Cache) hit() {
	c.hits.Add(1)
	metrics.CacheLookupsTotal.WithLabelValues("hit").Inc()
}

func (c *Cache) miss() {
	c.misses.Add(1)
	metrics.CacheLookupsTotal.WithLabelValues("miss").Inc()
}
