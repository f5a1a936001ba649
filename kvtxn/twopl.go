package kvtxn

import (
	"sort"

	"github.com/dborchard/kvt/kverrors"
	"github.com/dborchard/kvt/storage"
)

// TwoPL is strict two-phase locking (spec.md §4.3.2). The entry's
// metadata word holds the id of the transaction currently holding an
// exclusive lock on that key, 0 meaning unlocked. Locks are
// exclusive-only (spec.md §9 design notes: "the source appears to use
// exclusive-only... either is permitted") — a single int32 metadata slot
// can only ever name one holder, so a shared-reader counter would need a
// different encoding than the data model prescribes. Get acquires the
// same exclusive lock Set/Del do (resolving spec.md §9's open question
// in favor of "strict" 2PL): this is the only reading that keeps the
// one-holder-per-key metadata slot consistent with what spec.md §4.3.2
// describes. There is no waiting or deadlock detection: a foreign lock
// fails the call immediately with KeyLocked.
type TwoPL struct {
	resolver TableResolver
}

// NewTwoPL builds the 2PL strategy over resolver.
func NewTwoPL(resolver TableResolver) *TwoPL {
	return &TwoPL{resolver: resolver}
}

func (p *TwoPL) Begin(tx *Transaction) error { return nil }

func (p *TwoPL) resolve(tableID uint64) (*storage.Table, error) {
	return p.resolver.ResolveTable(tableID)
}

// acquire takes (or re-enters) an exclusive lock on key for tx. It
// returns the entry as observed at acquisition time and whether the row
// already existed, so callers can tell a real value apart from a
// lock-only placeholder (Data == nil).
func (p *TwoPL) acquire(table *storage.Table, tx *Transaction, tableID uint64, key []byte) (storage.Entry, bool, error) {
	ref := KeyRef{TableID: tableID, Key: string(key)}
	if lk, ok := tx.locked[ref]; ok {
		entry, _ := table.Get(key)
		return entry, lk.existed, nil
	}

	var (
		entry   storage.Entry
		existed bool
		lockErr error
	)
	table.WithLock(func(l *storage.Locked) {
		current, present := l.Get(key)
		if present {
			if current.Metadata != 0 && current.Metadata != int32(tx.TxID) {
				lockErr = kverrors.New(kverrors.KeyLocked, "key held by transaction %d", current.Metadata)
				return
			}
			current.Metadata = int32(tx.TxID)
			l.Set(key, current)
			entry, existed = current, true
			return
		}
		placeholder := storage.Entry{Data: nil, Metadata: int32(tx.TxID)}
		l.Set(key, placeholder)
		entry, existed = placeholder, false
	})
	if lockErr != nil {
		return storage.Entry{}, false, lockErr
	}

	keyCopy := append([]byte(nil), key...)
	tx.locked[ref] = &lockedKey{table: table, key: keyCopy, existed: existed}
	return entry, existed, nil
}

func (p *TwoPL) Get(tx *Transaction, tableID uint64, key []byte) ([]byte, error) {
	ref := KeyRef{TableID: tableID, Key: string(key)}
	if v, ok := tx.localWrite(ref); ok {
		return v, nil
	}
	if tx.localDeleted(ref) {
		return nil, kverrors.New(kverrors.KeyDeleted, "key was deleted in this transaction")
	}

	table, err := p.resolve(tableID)
	if err != nil {
		return nil, err
	}
	entry, existed, err := p.acquire(table, tx, tableID, key)
	if err != nil {
		return nil, err
	}
	tx.recordRead(ref, entry, existed)
	if !existed {
		return nil, kverrors.New(kverrors.KeyNotFound, "key not found")
	}
	return entry.Data, nil
}

func (p *TwoPL) Set(tx *Transaction, tableID uint64, key, value []byte) error {
	table, err := p.resolve(tableID)
	if err != nil {
		return err
	}
	if _, _, err := p.acquire(table, tx, tableID, key); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	tx.stageWrite(KeyRef{TableID: tableID, Key: string(key)}, value)
	return nil
}

func (p *TwoPL) Del(tx *Transaction, tableID uint64, key []byte) error {
	table, err := p.resolve(tableID)
	if err != nil {
		return err
	}
	if _, _, err := p.acquire(table, tx, tableID, key); err != nil {
		return err
	}
	tx.stageDelete(KeyRef{TableID: tableID, Key: string(key)})
	return nil
}

// Scan acquires a lock on every key it yields, per spec.md §4.3.2's
// "On scan: acquire locks on every key yielded."
func (p *TwoPL) Scan(tx *Transaction, tableID uint64, start, end []byte, limit int) ([]KV, bool, error) {
	table, err := p.resolve(tableID)
	if err != nil {
		return nil, false, err
	}

	rows, limitReached := table.Scan(start, end, limit)
	out := make([]KV, 0, len(rows))
	for _, r := range rows {
		entry, _, err := p.acquire(table, tx, tableID, r.Key)
		if err != nil {
			return nil, false, err
		}
		ref := KeyRef{TableID: tableID, Key: string(r.Key)}
		tx.recordRead(ref, entry, true)
		if tx.localDeleted(ref) {
			continue
		}
		if v, ok := tx.localWrite(ref); ok {
			out = append(out, KV{Key: r.Key, Value: v})
			continue
		}
		out = append(out, KV{Key: r.Key, Value: entry.Data})
	}
	return out, limitReached, nil
}

// Commit applies the write and delete sets to storage in key order,
// releases every lock the transaction holds, and forgets the
// transaction, per spec.md §4.3.2.
func (p *TwoPL) Commit(tx *Transaction) error {
	type op struct {
		ref    KeyRef
		delete bool
		value  []byte
	}
	ops := make([]op, 0, len(tx.writeSet)+len(tx.deleteSet))
	for ref, v := range tx.writeSet {
		ops = append(ops, op{ref: ref, value: v})
	}
	for ref := range tx.deleteSet {
		ops = append(ops, op{ref: ref, delete: true})
	}
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].ref.TableID != ops[j].ref.TableID {
			return ops[i].ref.TableID < ops[j].ref.TableID
		}
		return ops[i].ref.Key < ops[j].ref.Key
	})

	for _, o := range ops {
		lk := tx.locked[o.ref]
		if lk == nil {
			continue
		}
		if o.delete {
			lk.table.Delete(lk.key)
			continue
		}
		lk.table.Set(lk.key, storage.Entry{Data: o.value})
	}

	p.releaseAll(tx)
	return nil
}

// Rollback discards the read/write/delete sets and releases every lock
// the transaction holds, removing any lock-only placeholder rows it
// created for keys that never existed.
func (p *TwoPL) Rollback(tx *Transaction) error {
	p.releaseAll(tx)
	return nil
}

func (p *TwoPL) releaseAll(tx *Transaction) {
	for ref, lk := range tx.locked {
		cur, present := lk.table.Get(lk.key)
		switch {
		case !present:
			// deleted during commit; nothing left to unlock.
		case !lk.existed && cur.Data == nil:
			// never-written lock-only placeholder; remove it entirely.
			lk.table.Delete(lk.key)
		default:
			cur.Metadata = 0
			lk.table.Set(lk.key, cur)
		}
		delete(tx.locked, ref)
	}
}
