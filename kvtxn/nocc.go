package kvtxn

import (
	"sync"

	"github.com/dborchard/kvt/kverrors"
	"github.com/dborchard/kvt/storage"
)

// NoCC is the single-writer strategy (spec.md §4.3.1): exactly one
// transaction may be active at a time, writes land directly in storage,
// commit is a flush no-op, and rollback cannot undo anything already
// written — it is "supported" only for transactions that performed no
// writes or deletes.
type NoCC struct {
	resolver TableResolver

	mu      sync.Mutex
	current uint64 // 0 when no writer is active
}

// NewNoCC builds the no-CC strategy over resolver.
func NewNoCC(resolver TableResolver) *NoCC {
	return &NoCC{resolver: resolver}
}

func (n *NoCC) Begin(tx *Transaction) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.current != 0 {
		return kverrors.New(kverrors.TransactionAlreadyRunning, "transaction %d is already running under no-CC", n.current)
	}
	n.current = tx.TxID
	return nil
}

func (n *NoCC) resolve(tableID uint64) (*storage.Table, error) {
	return n.resolver.ResolveTable(tableID)
}

func (n *NoCC) Get(tx *Transaction, tableID uint64, key []byte) ([]byte, error) {
	ref := KeyRef{TableID: tableID, Key: string(key)}
	// Writes and deletes under no-CC land directly in storage, but this
	// transaction's own delete_set is still consulted first so a
	// delete-then-get within the same handle reports KeyDeleted rather
	// than KeyNotFound, per the ordering contract in spec.md §4.3.
	if tx.localDeleted(ref) {
		return nil, kverrors.New(kverrors.KeyDeleted, "key was deleted in this transaction")
	}

	table, err := n.resolve(tableID)
	if err != nil {
		return nil, err
	}
	entry, ok := table.Get(key)
	if !ok {
		return nil, kverrors.New(kverrors.KeyNotFound, "key not found")
	}
	return entry.Data, nil
}

func (n *NoCC) Set(tx *Transaction, tableID uint64, key, value []byte) error {
	table, err := n.resolve(tableID)
	if err != nil {
		return err
	}
	table.Set(key, storage.Entry{Data: value})
	tx.stageWrite(KeyRef{TableID: tableID, Key: string(key)}, value)
	return nil
}

func (n *NoCC) Del(tx *Transaction, tableID uint64, key []byte) error {
	table, err := n.resolve(tableID)
	if err != nil {
		return err
	}
	table.Delete(key)
	tx.stageDelete(KeyRef{TableID: tableID, Key: string(key)})
	return nil
}

func (n *NoCC) Scan(tx *Transaction, tableID uint64, start, end []byte, limit int) ([]KV, bool, error) {
	table, err := n.resolve(tableID)
	if err != nil {
		return nil, false, err
	}
	rows, limitReached := table.Scan(start, end, limit)
	out := make([]KV, 0, len(rows))
	for _, r := range rows {
		out = append(out, KV{Key: r.Key, Value: r.Entry.Data})
	}
	return out, limitReached, nil
}

// Commit is a no-op flush: writes already landed in storage.
func (n *NoCC) Commit(tx *Transaction) error {
	n.release(tx.TxID)
	return nil
}

// Rollback cannot undo writes or deletes that already happened directly
// against storage under the single-writer model; it only succeeds for
// read-only transactions.
func (n *NoCC) Rollback(tx *Transaction) error {
	defer n.release(tx.TxID)
	if len(tx.writeSet) > 0 {
		return kverrors.New(kverrors.OneShotWriteNotAllowed, "no-CC writes are applied immediately and cannot be rolled back")
	}
	if len(tx.deleteSet) > 0 {
		return kverrors.New(kverrors.OneShotDeleteNotAllowed, "no-CC deletes are applied immediately and cannot be rolled back")
	}
	return nil
}

func (n *NoCC) release(txID uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.current == txID {
		n.current = 0
	}
}
