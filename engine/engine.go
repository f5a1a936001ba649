// Package engine wires the catalog, storage, transaction manager,
// process engine, WAL, and checkpointer into the single public surface
// spec.md §6 describes: every row of its external-interfaces table is
// one exported Engine method.
package engine

import (
	"sync"

	"github.com/dborchard/kvt/catalog"
	"github.com/dborchard/kvt/checkpoint"
	"github.com/dborchard/kvt/kverrors"
	"github.com/dborchard/kvt/kvtxn"
	"github.com/dborchard/kvt/process"
	"github.com/dborchard/kvt/storage"
	"github.com/dborchard/kvt/wal"
	"go.uber.org/zap"
)

// Engine is the top-level store. Every table, transaction and data
// operation appends a WAL record before or after the effect it describes
// (see each method's comment for which — replayed ops log only once the
// effect is durable, so replay never re-applies a write that was staged
// but never committed); the catalog lookups, the level setters and
// Initialize/Shutdown log nothing. Once a commit-adjacent operation
// completes, the engine checks whether the active log has grown past the
// configured rotation threshold.
type Engine struct {
	mu  sync.Mutex // guards initialized/verbosity/sanityCheckLevel
	cfg Config
	log *zap.SugaredLogger

	catalog      *catalog.Catalog
	manager      *kvtxn.Manager
	checkpointer *checkpoint.Checkpointer
	processing   *process.Engine

	initialized      bool
	verbosity        int
	sanityCheckLevel int
}

// New constructs an Engine over cfg. Call Initialize before using it.
func New(cfg Config) *Engine {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	e := &Engine{
		cfg:     cfg,
		log:     log,
		catalog: catalog.New(),
	}

	var strategy kvtxn.Strategy
	switch cfg.Strategy {
	case StrategyNoCC:
		strategy = kvtxn.NewNoCC(e)
	case StrategyOCC:
		strategy = kvtxn.NewOCC(e)
	default:
		strategy = kvtxn.NewTwoPL(e)
	}
	e.manager = kvtxn.New(strategy)

	e.checkpointer = checkpoint.Open(cfg.Dir, checkpoint.Config{
		Persist:           cfg.Persist,
		Fsync:             cfg.Fsync,
		LogSizeLimitBytes: cfg.LogSizeLimitBytes,
		KeepHistory:       cfg.KeepHistory,
		TextLog:           cfg.TextLog,
	}, log)

	e.processing = process.New(e, log)

	return e
}

// ResolveTable implements kvtxn.TableResolver, letting every
// concurrency-control strategy reach storage through the catalog
// without knowing the catalog exists.
func (e *Engine) ResolveTable(tableID uint64) (*storage.Table, error) {
	tbl, err := e.catalog.Lookup(tableID)
	if err != nil {
		return nil, err
	}
	return tbl.Data, nil
}

// Initialize replays the data directory (spec.md §4.6) and marks the
// engine ready. Calling it twice is a no-op.
func (e *Engine) Initialize() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		return nil
	}

	applier := &replayApplier{e: e}
	_, nextTxID, _, err := e.checkpointer.Recover(applier)
	if err != nil {
		return err
	}
	// A replayed transaction may have used ids past the snapshot
	// header's recorded counter (transactions committed after the last
	// rotation, replayed from the still-active log); resume past
	// whichever is higher so no id is ever reissued.
	if applier.maxTxID+1 > nextTxID {
		nextTxID = applier.maxTxID + 1
	}
	e.manager.SetNextTxID(nextTxID)

	e.initialized = true
	e.log.Infow("engine initialized", "strategy", e.cfg.Strategy, "persist", e.cfg.Persist, "next_tx_id", nextTxID)
	return nil
}

// Shutdown closes the active log. Calling it before Initialize, or
// twice, is a no-op.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return nil
	}
	e.initialized = false
	return e.checkpointer.Close()
}

func (e *Engine) ensureInitialized() error {
	e.mu.Lock()
	ok := e.initialized
	e.mu.Unlock()
	if !ok {
		return kverrors.New(kverrors.NotInitialized, "engine has not been initialized")
	}
	return nil
}

// SetVerbosity records a logging verbosity level, 0 (quiet) to 3 (noisy).
// The stored level is not consulted by any logging call; output is
// governed by the configured logger alone.
func (e *Engine) SetVerbosity(level int) error {
	if level < 0 || level > 3 {
		return kverrors.New(kverrors.UnknownError, "verbosity level %d out of range [0,3]", level)
	}
	e.mu.Lock()
	e.verbosity = level
	e.mu.Unlock()
	return nil
}

// SetSanityCheckLevel records a sanity-check level, 0 (none) to 3
// (paranoid). No code path reads the stored level, so it does not change
// which invariants are checked at runtime.
func (e *Engine) SetSanityCheckLevel(level int) error {
	if level < 0 || level > 3 {
		return kverrors.New(kverrors.UnknownError, "sanity check level %d out of range [0,3]", level)
	}
	e.mu.Lock()
	e.sanityCheckLevel = level
	e.mu.Unlock()
	return nil
}

// CreateTable allocates a new table, durably logging its creation
// before returning.
func (e *Engine) CreateTable(name string, partition catalog.PartitionMethod) (uint64, error) {
	if err := e.ensureInitialized(); err != nil {
		return 0, err
	}
	id, err := e.catalog.CreateTable(name, partition)
	if err != nil {
		return 0, err
	}
	e.append(wal.Op{Kind: wal.OpCreateTable, TableID: id, Name: name, Partition: string(partition)})
	e.log.Infow("table created", "id", id, "name", name, "partition", partition)
	e.maybeRotate()
	return id, nil
}

// DropTable removes a table and its data.
func (e *Engine) DropTable(id uint64) error {
	if err := e.ensureInitialized(); err != nil {
		return err
	}
	if err := e.catalog.DropTable(id); err != nil {
		return err
	}
	e.append(wal.Op{Kind: wal.OpDropTable, TableID: id})
	e.log.Infow("table dropped", "id", id)
	e.maybeRotate()
	return nil
}

// GetTableName resolves id to its current name.
func (e *Engine) GetTableName(id uint64) (string, error) { return e.catalog.GetTableName(id) }

// GetTableID resolves name to its id.
func (e *Engine) GetTableID(name string) (uint64, error) { return e.catalog.GetTableID(name) }

// ListTables returns every live table's metadata.
func (e *Engine) ListTables() []catalog.TableInfo { return e.catalog.ListTables() }

// StartTx allocates a new explicit transaction.
func (e *Engine) StartTx() (uint64, error) {
	if err := e.ensureInitialized(); err != nil {
		return 0, err
	}
	txID, err := e.manager.StartTx()
	if err != nil {
		return 0, err
	}
	e.append(wal.Op{Kind: wal.OpStartTransaction, TxID: txID})
	return txID, nil
}

// CommitTx commits an explicit transaction. Under 2PL/OCC, the
// transaction's staged writes and deletes only became durable at this
// call — they are logged here, right after the manager confirms the
// commit, so replay never sees an op that was later rolled back.
func (e *Engine) CommitTx(txID uint64) error {
	if err := e.ensureInitialized(); err != nil {
		return err
	}

	var writes map[kvtxn.KeyRef][]byte
	var deletes []kvtxn.KeyRef
	if e.cfg.Strategy != StrategyNoCC {
		w, d, err := e.manager.StagedOps(txID)
		if err != nil {
			return err
		}
		writes, deletes = w, d
	}

	if err := e.manager.CommitTx(txID); err != nil {
		return err
	}

	for ref, value := range writes {
		e.append(wal.Op{Kind: wal.OpSet, TxID: txID, TableID: ref.TableID, Key: []byte(ref.Key), Value: value})
	}
	for _, ref := range deletes {
		e.append(wal.Op{Kind: wal.OpDel, TxID: txID, TableID: ref.TableID, Key: []byte(ref.Key)})
	}
	e.append(wal.Op{Kind: wal.OpCommitTransaction, TxID: txID})
	e.maybeRotate()
	return nil
}

// RollbackTx aborts an explicit transaction. Under 2PL/OCC nothing was
// ever made durable, so there is nothing to undo in the log — only the
// boundary marker is recorded. Under NoCC, writes already applied
// before the rollback attempt stay applied (spec.md §4.3.1: rollback is
// unsupported once a one-shot transaction has written or deleted).
func (e *Engine) RollbackTx(txID uint64) error {
	if err := e.ensureInitialized(); err != nil {
		return err
	}
	err := e.manager.RollbackTx(txID)
	e.append(wal.Op{Kind: wal.OpRollbackTransaction, TxID: txID})
	return err
}

// Get reads key from tableID under txID (0 = auto-commit).
func (e *Engine) Get(txID, tableID uint64, key []byte) ([]byte, error) {
	if err := e.ensureInitialized(); err != nil {
		return nil, err
	}
	value, err := e.manager.Get(txID, tableID, key)
	e.append(wal.Op{Kind: wal.OpGet, TxID: txID, TableID: tableID, Key: key})
	return value, err
}

// Set writes key=value to tableID under txID. NoCC and auto-commit
// calls apply (and thus become durable) within this single call, so
// they are logged here; an explicit 2PL/OCC transaction instead logs
// its writes at CommitTx time.
func (e *Engine) Set(txID, tableID uint64, key, value []byte) error {
	if err := e.ensureInitialized(); err != nil {
		return err
	}
	if err := e.manager.Set(txID, tableID, key, value); err != nil {
		return err
	}
	if e.cfg.Strategy == StrategyNoCC || txID == 0 {
		e.append(wal.Op{Kind: wal.OpSet, TxID: txID, TableID: tableID, Key: key, Value: value})
		e.maybeRotate()
	}
	return nil
}

// Del deletes key from tableID under txID. See Set for the logging
// timing rationale.
func (e *Engine) Del(txID, tableID uint64, key []byte) error {
	if err := e.ensureInitialized(); err != nil {
		return err
	}
	if err := e.manager.Del(txID, tableID, key); err != nil {
		return err
	}
	if e.cfg.Strategy == StrategyNoCC || txID == 0 {
		e.append(wal.Op{Kind: wal.OpDel, TxID: txID, TableID: tableID, Key: key})
		e.maybeRotate()
	}
	return nil
}

// Scan ranges over [start, end) in tableID under txID, bounded by
// limit. Implements process.TxOps and kvtxn's manager-facing shape.
func (e *Engine) Scan(txID, tableID uint64, start, end []byte, limit int) ([]kvtxn.KV, bool, error) {
	if err := e.ensureInitialized(); err != nil {
		return nil, false, err
	}
	results, limitReached, err := e.manager.Scan(txID, tableID, start, end, limit)
	e.append(wal.Op{Kind: wal.OpScan, TxID: txID, TableID: tableID})
	return results, limitReached, err
}

// Process applies fn to key's current value within txID, per spec.md
// §4.4. A caller passing 0 gets an auto-commit call in name only: the
// internal read and write still span a single explicit transaction
// (see autoCommitTx), so a concurrent writer can never land between
// Process's own Get and Set/Del.
func (e *Engine) Process(txID, tableID uint64, key []byte, fn process.Callback, parameter []byte) ([]byte, error) {
	if err := e.ensureInitialized(); err != nil {
		return nil, err
	}
	e.append(wal.Op{Kind: wal.OpProcess, TxID: txID, TableID: tableID})

	runTxID, finish, err := e.autoCommitTx(txID)
	if err != nil {
		return nil, err
	}
	result, err := e.processing.Process(runTxID, tableID, key, fn, parameter)
	err = finish(err)
	e.maybeRotate()
	return result, err
}

// RangeProcess applies fn across [keyStart, keyEnd) within txID, per
// spec.md §4.4. See Process for why txID == 0 still runs under one
// explicit transaction internally.
func (e *Engine) RangeProcess(txID, tableID uint64, keyStart, keyEnd []byte, limit int, fn process.Callback, parameter []byte) ([]process.RangeResult, error) {
	if err := e.ensureInitialized(); err != nil {
		return nil, err
	}
	e.append(wal.Op{Kind: wal.OpRangeProcess, TxID: txID, TableID: tableID})

	runTxID, finish, err := e.autoCommitTx(txID)
	if err != nil {
		return nil, err
	}
	results, err := e.processing.RangeProcess(runTxID, tableID, keyStart, keyEnd, limit, fn, parameter)
	err = finish(err)
	e.maybeRotate()
	return results, err
}

// autoCommitTx gives Process/RangeProcess a single transaction to run
// their whole read-modify-write under. An explicit txID is returned
// unchanged with a no-op finish: the caller owns its own commit. A
// txID of 0 instead opens a real transaction for the duration of this
// one call — Manager.lookup's per-primitive throwaway auto-commit
// transaction would let the internal Get's read and the subsequent
// Set/Del each commit independently, leaving a window for a concurrent
// writer to land in between and be silently clobbered; spanning one
// transaction closes it. finish commits on success and rolls back on
// error, returning whichever error should propagate to the caller.
func (e *Engine) autoCommitTx(txID uint64) (runTxID uint64, finish func(error) error, err error) {
	if txID != 0 {
		return txID, func(opErr error) error { return opErr }, nil
	}
	runTxID, err = e.StartTx()
	if err != nil {
		return 0, nil, err
	}
	return runTxID, func(opErr error) error {
		if opErr != nil {
			_ = e.RollbackTx(runTxID)
			return opErr
		}
		if commitErr := e.CommitTx(runTxID); commitErr != nil {
			return commitErr
		}
		return nil
	}, nil
}

// append writes op to the active log, logging (not failing the calling
// operation) if the append itself errors: WAL durability failures are
// treated as an operational concern for the host to monitor via logs,
// not as a reason to fail an otherwise-successful in-memory mutation.
func (e *Engine) append(op wal.Op) {
	if _, err := e.checkpointer.Append(op); err != nil {
		e.log.Errorw("wal append failed", "kind", op.Kind, "error", err)
	}
}

func (e *Engine) maybeRotate() {
	snap := e.catalog.TakeSnapshot()
	if err := e.checkpointer.MaybeRotate(snap, e.manager.NextTxID()); err != nil {
		e.log.Errorw("checkpoint rotation failed", "error", err)
	}
}
