package storage

import (
	"sort"
	"sync"
)

// Index tracks, per tenant, the tables holding records and the distinct
// record names of each table. It is rebuilt from the store's metadata keys
// at open.
type Index struct {
	mu sync.RWMutex
	// tenant -> table -> names
	tenants map[string]map[string]map[string]struct{}
}

// NewIndex creates a new index
func NewIndex() *Index {
	return &Index{tenants: make(map[string]map[string]map[string]struct{})}
}

// AddTable records that table exists for tenant. It reports whether the
// table is new.
func (idx *Index) AddTable(tenant, table string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	_, added := idx.tableLocked(tenant, table)
	return added
}

// AddName records name under table. It reports whether the name is new.
func (idx *Index) AddName(tenant, table, name string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	names, _ := idx.tableLocked(tenant, table)
	if _, ok := names[name]; ok {
		return false
	}
	names[name] = struct{}{}
	return true
}

func (idx *Index) tableLocked(tenant, table string) (map[string]struct{}, bool) {
	tables, ok := idx.tenants[tenant]
	if !ok {
		tables = make(map[string]map[string]struct{})
		idx.tenants[tenant] = tables
	}
	names, ok := tables[table]
	if !ok {
		names = make(map[string]struct{})
		tables[table] = names
	}
	return names, !ok
}

// HasTable reports whether tenant has table
func (idx *Index) HasTable(tenant, table string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.tenants[tenant][table]
	return ok
}

// Tenants returns every tenant holding a table, in lexical order
func (idx *Index) Tenants() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return sortedKeys(idx.tenants)
}

// Tables returns the tables of tenant in lexical order
func (idx *Index) Tables(tenant string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return sortedKeys(idx.tenants[tenant])
}

// Names returns the distinct record names of a table in lexical order
func (idx *Index) Names(tenant, table string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return sortedKeys(idx.tenants[tenant][table])
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
