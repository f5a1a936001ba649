package kvtxn

import (
	"sync"

	"github.com/dborchard/kvt/kverrors"
	"github.com/dborchard/kvt/storage"
)

// TombstoneVersion is the sentinel OCC metadata value for a logically
// deleted key (spec.md §3) and, in this implementation, also the
// implicit version of a key that has never existed: "tombstones count
// as a specific sentinel version" (spec.md §4.3.3) is read here as "that
// sentinel is shared with the absent case," since neither has live data
// to conflict with.
const TombstoneVersion int32 = -1

// OCC is optimistic concurrency control (spec.md §4.3.3): per-entry
// version numbers, a per-transaction read/write/delete set, and
// validate-then-apply at commit under a single global commit latch.
type OCC struct {
	resolver TableResolver

	commitMu sync.Mutex
}

// NewOCC builds the OCC strategy over resolver.
func NewOCC(resolver TableResolver) *OCC {
	return &OCC{resolver: resolver}
}

func (o *OCC) Begin(tx *Transaction) error { return nil }

func (o *OCC) resolve(tableID uint64) (*storage.Table, error) {
	return o.resolver.ResolveTable(tableID)
}

// readView returns tx's consistent read snapshot of table, cloning it
// on the transaction's first touch of that table id and reusing the
// clone for every subsequent read this transaction makes — so a long
// scan or a multi-key read never observes a write another transaction
// commits partway through, and the clone (a COW btree fork) never
// blocks that concurrent writer either. Commit-time validation reads
// the live table directly, never the snapshot, since it exists to
// detect exactly the divergence between them.
func (o *OCC) readView(tx *Transaction, tableID uint64, table *storage.Table) *storage.Table {
	if view, ok := tx.snapshots[tableID]; ok {
		return view
	}
	view := table.Clone()
	tx.snapshots[tableID] = view
	return view
}

// snapshotVersion returns entry.Metadata if present, else TombstoneVersion.
func snapshotVersion(entry storage.Entry, present bool) int32 {
	if !present {
		return TombstoneVersion
	}
	return entry.Metadata
}

func (o *OCC) Get(tx *Transaction, tableID uint64, key []byte) ([]byte, error) {
	ref := KeyRef{TableID: tableID, Key: string(key)}
	if v, ok := tx.localWrite(ref); ok {
		return v, nil
	}
	if tx.localDeleted(ref) {
		return nil, kverrors.New(kverrors.KeyDeleted, "key was deleted in this transaction")
	}

	table, err := o.resolve(tableID)
	if err != nil {
		return nil, err
	}
	view := o.readView(tx, tableID, table)
	entry, present := view.Get(key)
	live := present && entry.Metadata != TombstoneVersion
	tx.recordRead(ref, entry, present)
	if !live {
		return nil, kverrors.New(kverrors.KeyNotFound, "key not found")
	}
	return entry.Data, nil
}

// ensureRead records ref's current snapshot into the read set if it is
// not already there, per spec.md §4.3.3's "ensure the key is recorded in
// read_set" for Set and Del.
func (o *OCC) ensureRead(tx *Transaction, table *storage.Table, ref KeyRef, key []byte) {
	if _, ok := tx.readSet[ref]; ok {
		return
	}
	entry, present := table.Get(key)
	tx.recordRead(ref, entry, present)
}

func (o *OCC) Set(tx *Transaction, tableID uint64, key, value []byte) error {
	table, err := o.resolve(tableID)
	if err != nil {
		return err
	}
	ref := KeyRef{TableID: tableID, Key: string(key)}
	o.ensureRead(tx, o.readView(tx, tableID, table), ref, key)
	if value == nil {
		value = []byte{}
	}
	tx.stageWrite(ref, value)
	return nil
}

func (o *OCC) Del(tx *Transaction, tableID uint64, key []byte) error {
	table, err := o.resolve(tableID)
	if err != nil {
		return err
	}
	ref := KeyRef{TableID: tableID, Key: string(key)}
	o.ensureRead(tx, o.readView(tx, tableID, table), ref, key)
	tx.stageDelete(ref)
	return nil
}

// Scan snapshots the version of every visited key into the read set and
// overlays the transaction's own writes/deletes.
func (o *OCC) Scan(tx *Transaction, tableID uint64, start, end []byte, limit int) ([]KV, bool, error) {
	table, err := o.resolve(tableID)
	if err != nil {
		return nil, false, err
	}
	view := o.readView(tx, tableID, table)
	rows, limitReached := view.Scan(start, end, limit)
	out := make([]KV, 0, len(rows))
	for _, r := range rows {
		ref := KeyRef{TableID: tableID, Key: string(r.Key)}
		tx.recordRead(ref, r.Entry, true)
		if tx.localDeleted(ref) {
			continue
		}
		if v, ok := tx.localWrite(ref); ok {
			out = append(out, KV{Key: r.Key, Value: v})
			continue
		}
		if r.Entry.Metadata == TombstoneVersion {
			continue
		}
		out = append(out, KV{Key: r.Key, Value: r.Entry.Data})
	}
	return out, limitReached, nil
}

// Commit validates the read set against the live store under the global
// commit latch, then applies writes and deletes, per spec.md §4.3.3.
func (o *OCC) Commit(tx *Transaction) error {
	if len(tx.writeSet) == 0 && len(tx.deleteSet) == 0 {
		return nil
	}

	o.commitMu.Lock()
	defer o.commitMu.Unlock()

	for ref, snap := range tx.readSet {
		table, err := o.resolve(ref.TableID)
		if err != nil {
			return err
		}
		entry, present := table.Get([]byte(ref.Key))
		if snapshotVersion(entry, present) != snapshotVersion(snap.entry, snap.present) {
			return kverrors.New(kverrors.StaleData, "key %q in table %d changed since this transaction's snapshot", ref.Key, ref.TableID)
		}
	}

	for ref, value := range tx.writeSet {
		table, err := o.resolve(ref.TableID)
		if err != nil {
			return err
		}
		current, present := table.Get([]byte(ref.Key))
		newVersion := snapshotVersion(current, present) + 1
		table.Set([]byte(ref.Key), storage.Entry{Data: value, Metadata: newVersion})
	}

	for ref := range tx.deleteSet {
		table, err := o.resolve(ref.TableID)
		if err != nil {
			return err
		}
		table.Set([]byte(ref.Key), storage.Entry{Data: nil, Metadata: TombstoneVersion})
	}

	return nil
}

// Rollback discards the transaction's staged state; OCC keeps no other
// global bookkeeping per key, so there is nothing else to undo.
func (o *OCC) Rollback(tx *Transaction) error {
	return nil
}
