package kvtxn

import (
	"sync"

	"github.com/dborchard/kvt/kverrors"
)

// Manager allocates transaction ids, tracks active transactions, and
// dispatches every Get/Set/Del/Scan/commit/rollback to the active
// Strategy. Tx id 0 is reserved for auto-commit and is never allocated
// to a real transaction (spec.md §3).
type Manager struct {
	strategy Strategy

	mu       sync.Mutex
	nextTxID uint64
	active   map[uint64]*Transaction
}

// New builds a Manager driven by strategy.
func New(strategy Strategy) *Manager {
	return &Manager{
		strategy: strategy,
		nextTxID: 1,
		active:   make(map[uint64]*Transaction),
	}
}

// StartTx allocates a fresh transaction id and registers it as active.
func (m *Manager) StartTx() (uint64, error) {
	m.mu.Lock()
	txID := m.nextTxID
	m.nextTxID++
	tx := newTransaction(txID, false)
	m.mu.Unlock()

	if err := m.strategy.Begin(tx); err != nil {
		return 0, err
	}

	m.mu.Lock()
	m.active[txID] = tx
	m.mu.Unlock()
	return txID, nil
}

// lookup resolves txID to its Transaction, or builds a throwaway
// auto-commit transaction when txID == 0. The throwaway still gets a
// fresh id off the shared counter rather than reusing bare 0: 2PL's
// lock metadata encodes the holder as int32(tx.TxID) with 0 meaning
// unlocked, so every auto-commit transaction sharing id 0 would be
// indistinguishable both from "unlocked" and from every other
// concurrent auto-commit call. The id is never registered in active,
// so it is never visible to StartTx/CommitTx/RollbackTx callers.
func (m *Manager) lookup(txID uint64) (*Transaction, error) {
	if txID == 0 {
		m.mu.Lock()
		id := m.nextTxID
		m.nextTxID++
		m.mu.Unlock()
		return newTransaction(id, true), nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.active[txID]
	if !ok {
		return nil, kverrors.New(kverrors.TransactionNotFound, "transaction %d is not active", txID)
	}
	return tx, nil
}

func (m *Manager) forget(txID uint64) {
	if txID == 0 {
		return
	}
	m.mu.Lock()
	delete(m.active, txID)
	m.mu.Unlock()
}

// Get reads key from tableID under txID (0 = auto-commit).
func (m *Manager) Get(txID, tableID uint64, key []byte) ([]byte, error) {
	tx, err := m.lookup(txID)
	if err != nil {
		return nil, err
	}
	val, err := m.strategy.Get(tx, tableID, key)
	if tx.AutoCommit {
		m.autoFinish(tx, err)
	}
	return val, err
}

// Set writes key=value to tableID under txID.
func (m *Manager) Set(txID, tableID uint64, key, value []byte) error {
	tx, err := m.lookup(txID)
	if err != nil {
		return err
	}
	err = m.strategy.Set(tx, tableID, key, value)
	if tx.AutoCommit {
		m.autoFinish(tx, err)
	}
	return err
}

// Del deletes key from tableID under txID.
func (m *Manager) Del(txID, tableID uint64, key []byte) error {
	tx, err := m.lookup(txID)
	if err != nil {
		return err
	}
	err = m.strategy.Del(tx, tableID, key)
	if tx.AutoCommit {
		m.autoFinish(tx, err)
	}
	return err
}

// Scan ranges over [start, end) in tableID under txID, bounded by limit.
func (m *Manager) Scan(txID, tableID uint64, start, end []byte, limit int) ([]KV, bool, error) {
	tx, err := m.lookup(txID)
	if err != nil {
		return nil, false, err
	}
	results, limitReached, err := m.strategy.Scan(tx, tableID, start, end, limit)
	if tx.AutoCommit {
		m.autoFinish(tx, err)
	}
	return results, limitReached, err
}

// autoFinish commits (or rolls back, on error) the throwaway transaction
// built for an auto-commit call.
func (m *Manager) autoFinish(tx *Transaction, opErr error) {
	if opErr != nil {
		_ = m.strategy.Rollback(tx)
		return
	}
	if err := m.strategy.Commit(tx); err != nil {
		_ = m.strategy.Rollback(tx)
	}
}

// CommitTx commits an explicit (non-auto-commit) transaction.
func (m *Manager) CommitTx(txID uint64) error {
	if txID == 0 {
		return kverrors.New(kverrors.TransactionNotFound, "tx id 0 denotes auto-commit and cannot be committed explicitly")
	}
	tx, err := m.lookup(txID)
	if err != nil {
		return err
	}
	err = m.strategy.Commit(tx)
	m.forget(txID)
	return err
}

// RollbackTx rolls back an explicit transaction.
func (m *Manager) RollbackTx(txID uint64) error {
	if txID == 0 {
		return kverrors.New(kverrors.TransactionNotFound, "tx id 0 denotes auto-commit and cannot be rolled back explicitly")
	}
	tx, err := m.lookup(txID)
	if err != nil {
		return err
	}
	err = m.strategy.Rollback(tx)
	m.forget(txID)
	return err
}

// StagedOps returns a snapshot of txID's currently staged writes and
// deletes, letting a caller log exactly what an imminent commit is
// about to make durable before calling CommitTx. Only meaningful for an
// explicit transaction still in progress; callers must read this
// before committing; once CommitTx returns the transaction is forgotten.
func (m *Manager) StagedOps(txID uint64) (writes map[KeyRef][]byte, deletes []KeyRef, err error) {
	tx, err := m.lookup(txID)
	if err != nil {
		return nil, nil, err
	}
	writes = make(map[KeyRef][]byte, len(tx.writeSet))
	for ref, v := range tx.writeSet {
		writes[ref] = v
	}
	deletes = make([]KeyRef, 0, len(tx.deleteSet))
	for ref := range tx.deleteSet {
		deletes = append(deletes, ref)
	}
	return writes, deletes, nil
}

// Active reports whether txID currently names a live transaction.
func (m *Manager) Active(txID uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[txID]
	return ok
}

// NextTxID reports the id the next StartTx call will allocate, for the
// checkpointer to persist into a snapshot header.
func (m *Manager) NextTxID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextTxID
}

// SetNextTxID resets the allocation counter, used once at startup after
// a snapshot's next_tx_id has been loaded during recovery.
func (m *Manager) SetNextTxID(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextTxID = id
}
