package engine

import (
	"github.com/dborchard/kvt/kverrors"
	"github.com/dborchard/kvt/wal"
	"go.uber.org/multierr"
)

// BatchOpKind names the three single-key operations BatchExecute can
// sequence, per spec.md §4.4's batch operation.
type BatchOpKind string

const (
	BatchGet BatchOpKind = "GET"
	BatchSet BatchOpKind = "SET"
	BatchDel BatchOpKind = "DEL"
)

// BatchOp is one operation within a batch_execute call.
type BatchOp struct {
	Kind    BatchOpKind
	TableID uint64
	Key     []byte
	Value   []byte // only read for BatchSet
}

// BatchResult is the outcome of one BatchOp, positionally aligned with
// the input slice.
type BatchResult struct {
	Value []byte // set only for a successful BatchGet
	Err   error
}

// BatchExecute runs every op under txID in order, continuing past a
// failing op rather than aborting the batch (spec.md §4.4: "best
// effort, not all-or-nothing"). If any op failed, the returned error is
// BatchNotFullySuccess wrapping the combined per-op errors; individual
// outcomes are still available in the returned slice.
func (e *Engine) BatchExecute(txID uint64, ops []BatchOp) ([]BatchResult, error) {
	if err := e.ensureInitialized(); err != nil {
		return nil, err
	}
	e.append(wal.Op{Kind: wal.OpBatchExecute, TxID: txID})

	results := make([]BatchResult, len(ops))
	var combined error
	failed := 0

	for i, op := range ops {
		var res BatchResult
		switch op.Kind {
		case BatchGet:
			v, err := e.Get(txID, op.TableID, op.Key)
			res = BatchResult{Value: v, Err: err}
		case BatchSet:
			res = BatchResult{Err: e.Set(txID, op.TableID, op.Key, op.Value)}
		case BatchDel:
			res = BatchResult{Err: e.Del(txID, op.TableID, op.Key)}
		default:
			res = BatchResult{Err: kverrors.New(kverrors.UnknownError, "unknown batch op %q", op.Kind)}
		}
		results[i] = res
		if res.Err != nil {
			failed++
			combined = multierr.Append(combined, res.Err)
		}
	}

	if combined != nil {
		return results, kverrors.Wrap(kverrors.BatchNotFullySuccess, combined,
			"batch_execute: %d/%d ops failed", failed, len(ops))
	}
	return results, nil
}
