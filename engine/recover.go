package engine

import (
	"github.com/dborchard/kvt/catalog"
	"github.com/dborchard/kvt/kverrors"
	"github.com/dborchard/kvt/storage"
	"github.com/dborchard/kvt/wal"
)

// replayApplier implements checkpoint.Applier over an Engine being
// initialized: LoadSnapshot installs the last checkpoint's tables
// before any log replay begins, and Apply re-applies each replayed op
// in log order.
type replayApplier struct {
	e *Engine

	// maxTxID is the highest TxID seen across every op passed to Apply,
	// i.e. the replayed kinds only; the checkpointer skips the
	// GET/SCAN/PROCESS/... markers before Apply. The snapshot header's next_tx_id can be
	// stale if transactions committed after the last rotation — Initialize
	// resumes from whichever of the two is higher.
	maxTxID uint64
}

func (r *replayApplier) LoadSnapshot(nextTableID uint64, tables []*catalog.Table) {
	r.e.catalog.Restore(nextTableID, tables)
}

func (r *replayApplier) Apply(op wal.Op) error {
	if op.TxID > r.maxTxID {
		r.maxTxID = op.TxID
	}

	switch op.Kind {
	case wal.OpCreateTable:
		return r.applyCreateTable(op)
	case wal.OpDropTable:
		return r.e.catalog.DropTable(op.TableID)
	case wal.OpSet:
		tbl, err := r.e.catalog.Lookup(op.TableID)
		if err != nil {
			return err
		}
		tbl.Data.Set(op.Key, storage.Entry{Data: op.Value})
		return nil
	case wal.OpDel:
		tbl, err := r.e.catalog.Lookup(op.TableID)
		if err != nil {
			return err
		}
		tbl.Data.Delete(op.Key)
		return nil
	default:
		// START/COMMIT/ROLLBACK_TRANSACTION carry no state of their own:
		// their effects are the SET/DEL records logged alongside them.
		return nil
	}
}

// applyCreateTable replays a CREATE_TABLE record. The catalog always
// hands out ids sequentially starting from the counter LoadSnapshot
// installed, so replaying every CREATE_TABLE/DROP_TABLE record in its
// original log order reproduces the exact same id for the same name —
// the mismatch check below guards against that assumption ever
// silently breaking.
func (r *replayApplier) applyCreateTable(op wal.Op) error {
	id, err := r.e.catalog.CreateTable(op.Name, catalog.PartitionMethod(op.Partition))
	if err != nil {
		return err
	}
	if id != op.TableID {
		return kverrors.New(kverrors.UnknownError,
			"replayed CREATE_TABLE for %q allocated id %d, log recorded id %d", op.Name, id, op.TableID)
	}
	return nil
}
