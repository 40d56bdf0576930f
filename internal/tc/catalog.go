package tc

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// TableEntry is the per-table catalog state: schema version plus
// enabled/dropping bits. DICT remains the authoritative source; this is a
// read-mostly mirror the dispatch path consults on every submit-op.
type TableEntry struct {
	TableId       uint32
	SchemaVersion uint32
	Enabled       bool
	Dropping      bool
}

// IndexState is an index's building/online lifecycle.
type IndexState uint8

const (
	IndexBuilding IndexState = iota
	IndexOnline
)

// IndexEntry is the per-index catalog state.
type IndexEntry struct {
	IndexId  uint32
	TableId  uint32 // base table
	State    IndexState
	Triggers []uint32 // fired-trigger ids this index contributes
}

type tableKey struct {
	tableId       uint32
	schemaVersion uint32
}

// Catalog is the table & index catalog. It fronts the authoritative
// (table, schemaVersion) lookup with a bounded LRU so a hot table's
// repeated ops skip re-deriving enabled/dropping state on every single op.
type Catalog struct {
	tables  map[uint32]*TableEntry
	indexes map[uint32]*IndexEntry

	cache *lru.Cache[tableKey, TableEntry]
}

// NewCatalog builds a catalog whose lookup cache holds at most cacheSize
// recent (table, schemaVersion) entries.
func NewCatalog(cacheSize int) *Catalog {
	cache, _ := lru.New[tableKey, TableEntry](cacheSize)
	return &Catalog{
		tables:  make(map[uint32]*TableEntry),
		indexes: make(map[uint32]*IndexEntry),
		cache:   cache,
	}
}

// PutTable installs or updates a table's catalog entry, evicting any stale
// cache entry for it.
func (c *Catalog) PutTable(t TableEntry) {
	if old, ok := c.tables[t.TableId]; ok {
		c.cache.Remove(tableKey{old.TableId, old.SchemaVersion})
	}
	c.tables[t.TableId] = &t
	c.cache.Remove(tableKey{t.TableId, t.SchemaVersion})
}

// LookupTable validates (tableId, schemaVersion) the way submit-op does:
// wrong-schema-version and unknown-table are both client-correctable
// errors, not transaction-scoped failures.
func (c *Catalog) LookupTable(tableId, schemaVersion uint32) (TableEntry, error) {
	key := tableKey{tableId, schemaVersion}
	if e, ok := c.cache.Get(key); ok {
		return e, nil
	}
	t, ok := c.tables[tableId]
	if !ok {
		return TableEntry{}, errUnknownTable
	}
	if t.Dropping {
		return TableEntry{}, errDropInProgress
	}
	if t.SchemaVersion != schemaVersion {
		return TableEntry{}, errWrongSchemaVersion
	}
	c.cache.Add(key, *t)
	return *t, nil
}

func (c *Catalog) PutIndex(e IndexEntry) { c.indexes[e.IndexId] = &e }

func (c *Catalog) LookupIndex(indexId uint32) (IndexEntry, bool) {
	e, ok := c.indexes[indexId]
	if !ok {
		return IndexEntry{}, false
	}
	return *e, true
}

// sentinel catalog errors; translated to tcerror codes at the call site so
// this package doesn't need to import tcerror just to name them twice.
type catalogError string

func (e catalogError) Error() string { return string(e) }

const (
	errUnknownTable       = catalogError("unknown table")
	errDropInProgress     = catalogError("drop table in progress")
	errWrongSchemaVersion = catalogError("wrong schema version")
)
