// Package kvtxn implements the transaction manager: transaction-id
// allocation, active-transaction tracking, and the three interchangeable
// concurrency-control strategies (no-CC single-writer, 2PL, OCC) that
// drive every Get/Set/Del/Scan.
package kvtxn

import (
	"github.com/dborchard/kvt/storage"
)

// KeyRef identifies a key within a specific table, the granularity at
// which read/write/delete sets and locks operate.
type KeyRef struct {
	TableID uint64
	Key     string
}

// KV is one (key, value) pair returned by a scan.
type KV struct {
	Key   []byte
	Value []byte
}

type readSnapshot struct {
	entry   storage.Entry
	present bool
}

type lockedKey struct {
	table   *storage.Table
	key     []byte
	existed bool // whether the row existed before this tx locked it
}

// Transaction is the per-transaction staging area: read/write/delete
// sets plus whatever bookkeeping the active strategy needs (lock list
// for 2PL, per-table read views for OCC, nothing extra for NoCC).
//
// Invariants (spec.md §3): a KeyRef never appears in both writeSet and
// deleteSet simultaneously; Set clears it from deleteSet, Del clears it
// from writeSet. Under OCC every deleteSet member is also present in
// readSet, so validation can check its version; 2PL and NoCC do not
// record a read for Del.
type Transaction struct {
	TxID       uint64
	AutoCommit bool

	readSet   map[KeyRef]readSnapshot
	writeSet  map[KeyRef][]byte
	deleteSet map[KeyRef]struct{}

	// locked is 2PL-only: every key this transaction currently holds an
	// exclusive lock on, released at commit/rollback. Keyed by KeyRef so
	// re-entrant acquisition is a cheap membership check.
	locked map[KeyRef]*lockedKey

	// snapshots is OCC-only: a lazily cloned copy-on-write read view per
	// table (storage.Table.Clone), established on the transaction's
	// first Get/Set/Del/Scan against that table and reused for the rest
	// of its lifetime, so every read this transaction makes comes from
	// one consistent point in time without taking a lock that would
	// block concurrent writers against the live table.
	snapshots map[uint64]*storage.Table
}

func newTransaction(txID uint64, autoCommit bool) *Transaction {
	return &Transaction{
		TxID:       txID,
		AutoCommit: autoCommit,
		readSet:    make(map[KeyRef]readSnapshot),
		writeSet:   make(map[KeyRef][]byte),
		deleteSet:  make(map[KeyRef]struct{}),
		locked:     make(map[KeyRef]*lockedKey),
		snapshots:  make(map[uint64]*storage.Table),
	}
}

func (tx *Transaction) recordRead(ref KeyRef, entry storage.Entry, present bool) {
	if _, ok := tx.readSet[ref]; !ok {
		tx.readSet[ref] = readSnapshot{entry: entry, present: present}
	}
}

func (tx *Transaction) stageWrite(ref KeyRef, value []byte) {
	delete(tx.deleteSet, ref)
	tx.writeSet[ref] = value
}

func (tx *Transaction) stageDelete(ref KeyRef) {
	delete(tx.writeSet, ref)
	tx.deleteSet[ref] = struct{}{}
}

func (tx *Transaction) localWrite(ref KeyRef) ([]byte, bool) {
	v, ok := tx.writeSet[ref]
	return v, ok
}

func (tx *Transaction) localDeleted(ref KeyRef) bool {
	_, ok := tx.deleteSet[ref]
	return ok
}
