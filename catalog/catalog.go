// Package catalog maps table names to table ids and holds their metadata.
package catalog

import (
	"sort"
	"sync"

	"github.com/dborchard/kvt/kverrors"
	"github.com/dborchard/kvt/storage"
)

// PartitionMethod is metadata only, per spec.md's non-goal of
// hash-partitioned routing: it is recorded and returned but never affects
// any storage operation.
type PartitionMethod string

const (
	PartitionHash  PartitionMethod = "hash"
	PartitionRange PartitionMethod = "range"
)

func validPartitionMethod(p PartitionMethod) bool {
	return p == PartitionHash || p == PartitionRange
}

// Table is a catalog entry: the table's identity and metadata plus its
// backing storage.
type Table struct {
	ID              uint64
	Name            string
	PartitionMethod PartitionMethod
	Data            *storage.Table
}

// Catalog is the authoritative name<->id mapping, guarded by a single
// mutex short-held for every operation (spec.md §5's "global catalog
// latch").
type Catalog struct {
	mu         sync.RWMutex
	byID       map[uint64]*Table
	byName     map[string]uint64
	nextID     uint64
}

// New returns an empty catalog. nextID starts at 1: table id 0 is never
// issued so it can serve as an unambiguous "no such table" zero value.
func New() *Catalog {
	return &Catalog{
		byID:   make(map[uint64]*Table),
		byName: make(map[string]uint64),
		nextID: 1,
	}
}

// CreateTable allocates a new table id for name. Validation runs before
// allocation, so a failed call never consumes an id.
func (c *Catalog) CreateTable(name string, partition PartitionMethod) (uint64, error) {
	if !validPartitionMethod(partition) {
		return 0, kverrors.New(kverrors.InvalidPartitionMethod, "unknown partition method %q", partition)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.byName[name]; exists {
		return 0, kverrors.New(kverrors.TableAlreadyExists, "table %q already exists", name)
	}

	id := c.nextID
	c.nextID++

	tbl := &Table{
		ID:              id,
		Name:            name,
		PartitionMethod: partition,
		Data:            storage.NewTable(),
	}
	c.byID[id] = tbl
	c.byName[name] = id
	return id, nil
}

// DropTable atomically removes a table's data and both index entries.
// Ids are never reused: a later CreateTable with the same name gets a
// fresh id, and any in-flight reference to the dropped id keeps reporting
// TableNotFound.
func (c *Catalog) DropTable(id uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tbl, ok := c.byID[id]
	if !ok {
		return kverrors.New(kverrors.TableNotFound, "table id %d not found", id)
	}
	delete(c.byID, id)
	delete(c.byName, tbl.Name)
	return nil
}

// Lookup returns the catalog entry for id.
func (c *Catalog) Lookup(id uint64) (*Table, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tbl, ok := c.byID[id]
	if !ok {
		return nil, kverrors.New(kverrors.TableNotFound, "table id %d not found", id)
	}
	return tbl, nil
}

// GetTableName resolves id to its current name.
func (c *Catalog) GetTableName(id uint64) (string, error) {
	tbl, err := c.Lookup(id)
	if err != nil {
		return "", err
	}
	return tbl.Name, nil
}

// GetTableID resolves name to its id.
func (c *Catalog) GetTableID(name string) (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byName[name]
	if !ok {
		return 0, kverrors.New(kverrors.TableNotFound, "table %q not found", name)
	}
	return id, nil
}

// TableInfo is the metadata ListTables returns per table.
type TableInfo struct {
	ID              uint64
	Name            string
	PartitionMethod PartitionMethod
}

// ListTables returns every live table's metadata, sorted by name for a
// deterministic listing.
func (c *Catalog) ListTables() []TableInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]TableInfo, 0, len(c.byID))
	for _, tbl := range c.byID {
		out = append(out, TableInfo{ID: tbl.ID, Name: tbl.Name, PartitionMethod: tbl.PartitionMethod})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Snapshot is a point-in-time view used by the checkpointer to serialize
// every table without holding the catalog latch for the whole write.
type Snapshot struct {
	NextTableID uint64
	Tables      []*Table
}

// TakeSnapshot returns the current set of tables and the next-id counter.
func (c *Catalog) TakeSnapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tables := make([]*Table, 0, len(c.byID))
	for _, tbl := range c.byID {
		tables = append(tables, tbl)
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].ID < tables[j].ID })
	return Snapshot{NextTableID: c.nextID, Tables: tables}
}

// Restore replaces the catalog's contents wholesale, used by the
// checkpointer during recovery. It does not validate partition methods:
// the snapshot was produced by this same code, so data is trusted.
func (c *Catalog) Restore(nextTableID uint64, tables []*Table) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.byID = make(map[uint64]*Table, len(tables))
	c.byName = make(map[string]uint64, len(tables))
	for _, tbl := range tables {
		c.byID[tbl.ID] = tbl
		c.byName[tbl.Name] = tbl.ID
	}
	c.nextID = nextTableID
}
