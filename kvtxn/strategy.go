package kvtxn

import "github.com/dborchard/kvt/storage"

// TableResolver maps a table id to its backing storage, letting a
// strategy stay ignorant of the catalog entirely.
type TableResolver interface {
	ResolveTable(tableID uint64) (*storage.Table, error)
}

// Strategy is the capability every concurrency-control scheme implements,
// per spec.md §9: "represent as a capability {start_tx, commit, rollback,
// get, set, del, scan} and select among variants {NoCC, 2PL, OCC}."
// Manager selects exactly one Strategy for its lifetime; strategies are
// never mixed within one running engine.
type Strategy interface {
	// Begin is called when a new (non-auto-commit) transaction starts,
	// letting NoCC enforce its single-writer constraint.
	Begin(tx *Transaction) error

	Get(tx *Transaction, tableID uint64, key []byte) ([]byte, error)
	Set(tx *Transaction, tableID uint64, key, value []byte) error
	Del(tx *Transaction, tableID uint64, key []byte) error
	Scan(tx *Transaction, tableID uint64, start, end []byte, limit int) (results []KV, limitReached bool, err error)

	Commit(tx *Transaction) error
	Rollback(tx *Transaction) error
}
