// Package storage holds the per-table ordered key/value maps that back
// every kvt table, independent of which concurrency-control strategy is
// in front of them.
package storage

import (
	"bytes"
	"sync"

	"github.com/tidwall/btree"
)

// Entry is the stored unit: value bytes plus the 32-bit metadata word the
// active concurrency-control strategy repurposes (lock holder under 2PL,
// version number under OCC).
type Entry struct {
	Data     []byte
	Metadata int32
}

type row struct {
	key   []byte
	entry Entry
}

func rowLess(a, b row) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// Table is a single table's ordered key->Entry map. All methods are
// thread-safe; callers needing atomic read-modify-write across several
// keys (the transaction manager) take Lock/RLock themselves via
// WithLock/WithRLock.
type Table struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[row]
}

// NewTable constructs an empty table.
func NewTable() *Table {
	return &Table{tree: btree.NewBTreeG(rowLess)}
}

// Get returns the entry stored at key, if any.
func (t *Table) Get(key []byte) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.getLocked(key)
}

func (t *Table) getLocked(key []byte) (Entry, bool) {
	r, ok := t.tree.Get(row{key: key})
	return r.entry, ok
}

// Set inserts or overwrites the entry at key.
func (t *Table) Set(key []byte, entry Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setLocked(key, entry)
}

func (t *Table) setLocked(key []byte, entry Entry) {
	k := make([]byte, len(key))
	copy(k, key)
	t.tree.Set(row{key: k, entry: entry})
}

// Delete removes key, reporting whether it was present.
func (t *Table) Delete(key []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deleteLocked(key)
}

func (t *Table) deleteLocked(key []byte) bool {
	_, ok := t.tree.Delete(row{key: key})
	return ok
}

// Len reports the number of stored entries, OCC tombstones and 2PL
// lock-only placeholders included.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tree.Len()
}

// ScanResult is one (key, entry) pair yielded by Scan.
type ScanResult struct {
	Key   []byte
	Entry Entry
}

// Scan iterates keys in [start, end) in ascending order, stopping after
// limit results. A nil/empty start means "from the smallest key"; a nil
// end means "to the end" (the spec's maximum sentinel). It reports
// whether the limit truncated the scan before end was reached.
func (t *Table) Scan(start, end []byte, limit int) (results []ScanResult, limitReached bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.scanLocked(start, end, limit)
}

func (t *Table) scanLocked(start, end []byte, limit int) (results []ScanResult, limitReached bool) {
	count := 0
	t.tree.Ascend(row{key: start}, func(r row) bool {
		if end != nil && bytes.Compare(r.key, end) >= 0 {
			return false
		}
		if limit > 0 && count >= limit {
			limitReached = true
			return false
		}
		k := make([]byte, len(r.key))
		copy(k, r.key)
		results = append(results, ScanResult{Key: k, Entry: r.entry})
		count++
		return true
	})
	if limitReached {
		return results, true
	}
	return results, false
}

// WithLock runs fn while holding the table's write lock, letting callers
// (the 2PL strategy's lock acquisition) perform atomic read-modify-write
// updates.
func (t *Table) WithLock(fn func(*Locked)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&Locked{t: t})
}

// WithRLock runs fn while holding the table's read lock.
func (t *Table) WithRLock(fn func(*RLocked)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fn(&RLocked{t: t})
}

// Locked exposes the unlocked primitives to a function already holding
// the table's write lock.
type Locked struct{ t *Table }

func (l *Locked) Get(key []byte) (Entry, bool)   { return l.t.getLocked(key) }
func (l *Locked) Set(key []byte, entry Entry)    { l.t.setLocked(key, entry) }
func (l *Locked) Delete(key []byte) bool         { return l.t.deleteLocked(key) }
func (l *Locked) Scan(start, end []byte, limit int) ([]ScanResult, bool) {
	return l.t.scanLocked(start, end, limit)
}

// RLocked exposes the unlocked read primitives to a function already
// holding the table's read lock.
type RLocked struct{ t *Table }

func (l *RLocked) Get(key []byte) (Entry, bool) { return l.t.getLocked(key) }
func (l *RLocked) Scan(start, end []byte, limit int) ([]ScanResult, bool) {
	return l.t.scanLocked(start, end, limit)
}

// All iterates every (key, entry) pair in ascending order, used by the
// checkpointer to serialize a table's full contents.
func (t *Table) All(fn func(key []byte, entry Entry) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	t.tree.Scan(func(r row) bool {
		return fn(r.key, r.entry)
	})
}

// Clone returns a copy-on-write snapshot of the table's btree, used by the
// OCC strategy to hand out consistent read views without blocking writers.
func (t *Table) Clone() *Table {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return &Table{tree: t.tree.Copy()}
}

// Successor returns the smallest key strictly greater than key, formed by
// appending a single zero byte, as spec.md's range_process chunking uses
// to advance the scan cursor.
func Successor(key []byte) []byte {
	next := make([]byte, len(key)+1)
	copy(next, key)
	return next
}
