// Package process implements the callback-driven single-key and
// range-scan mutation operators (spec.md §4.4): Process and
// RangeProcess, built entirely out of the transaction manager's
// Get/Set/Del/Scan primitives so they compose with any concurrency
// strategy and with auto-commit.
package process

import (
	"github.com/dborchard/kvt/kverrors"
	"github.com/dborchard/kvt/kvtxn"
	"github.com/dborchard/kvt/storage"
	"go.uber.org/zap"
)

// TxOps is the slice of *kvtxn.Manager that Process/RangeProcess need,
// narrowed so this package can be tested against a fake.
type TxOps interface {
	Get(txID, tableID uint64, key []byte) ([]byte, error)
	Set(txID, tableID uint64, key, value []byte) error
	Del(txID, tableID uint64, key []byte) error
	Scan(txID, tableID uint64, start, end []byte, limit int) ([]kvtxn.KV, bool, error)
}

// Input is the read-only view of a single key a Callback receives.
type Input struct {
	Key        []byte
	Value      []byte
	Parameter  []byte
	RangeFirst bool
	RangeLast  bool
}

// Output is the sink a Callback writes its decision into.
type Output struct {
	UpdateValue []byte
	HasUpdate   bool

	DeleteKey bool

	ReturnValue []byte
	HasReturn   bool
}

// Callback is a pure mutator of a single entry. It must not call back
// into the store: Process/RangeProcess hold no reentrancy guard, and
// nested calls are undefined behavior per spec.md §4.4.
type Callback func(in Input, out *Output) error

// Engine runs Process/RangeProcess over txOps, logging with log (never
// nil; pass zap.NewNop() for silence).
type Engine struct {
	txOps TxOps
	log   *zap.SugaredLogger
}

// New builds a process Engine over txOps.
func New(txOps TxOps, log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Engine{txOps: txOps, log: log}
}

// Process reads key's current value, invokes fn, and applies whatever
// fn decided: an update, a delete, or both (update then delete — the
// combination spec.md §9 flags as ambiguous; see DESIGN.md).
func (e *Engine) Process(txID, tableID uint64, key []byte, fn Callback, parameter []byte) ([]byte, error) {
	value, err := e.txOps.Get(txID, tableID, key)
	if err != nil {
		return nil, err
	}

	in := Input{Key: key, Value: value, Parameter: parameter}
	var out Output
	if err := fn(in, &out); err != nil {
		return nil, kverrors.Wrap(kverrors.ExtFuncError, err, "process callback failed for key %q", key)
	}

	if out.HasUpdate {
		if err := e.txOps.Set(txID, tableID, key, out.UpdateValue); err != nil {
			return nil, err
		}
	}
	if out.DeleteKey {
		if out.HasUpdate {
			e.log.Warnw("process callback set both update_value and delete_key", "key", string(key))
		}
		if err := e.txOps.Del(txID, tableID, key); err != nil {
			return nil, err
		}
	}

	if out.HasReturn {
		return out.ReturnValue, nil
	}
	return nil, nil
}

// RangeResult is one callback invocation that produced a return value.
type RangeResult struct {
	Key    []byte
	Return []byte
}

// RangeProcess scans [keyStart, keyEnd) in chunks of limit, invoking fn
// on every key encountered, with RangeFirst true on the very first
// invocation and a final RangeLast invocation (nil key/value) once the
// range is exhausted, so aggregation callbacks can emit a closing
// result. The next chunk's start is the successor of the last yielded
// key (spec.md §4.4).
func (e *Engine) RangeProcess(txID, tableID uint64, keyStart, keyEnd []byte, limit int, fn Callback, parameter []byte) ([]RangeResult, error) {
	var results []RangeResult
	first := true
	cursor := keyStart

	for {
		rows, limitReached, err := e.txOps.Scan(txID, tableID, cursor, keyEnd, limit)
		if err != nil {
			return nil, err
		}

		for _, row := range rows {
			in := Input{Key: row.Key, Value: row.Value, Parameter: parameter, RangeFirst: first}
			first = false
			var out Output
			if err := fn(in, &out); err != nil {
				return nil, kverrors.Wrap(kverrors.ExtFuncError, err, "range_process callback failed for key %q", row.Key)
			}
			if out.HasUpdate {
				if err := e.txOps.Set(txID, tableID, row.Key, out.UpdateValue); err != nil {
					return nil, err
				}
			}
			if out.DeleteKey {
				if err := e.txOps.Del(txID, tableID, row.Key); err != nil {
					return nil, err
				}
			}
			if out.HasReturn {
				results = append(results, RangeResult{Key: row.Key, Return: out.ReturnValue})
			}
		}

		if !limitReached || len(rows) == 0 {
			break
		}
		cursor = storage.Successor(rows[len(rows)-1].Key)
	}

	var finalOut Output
	if err := fn(Input{RangeFirst: first, RangeLast: true, Parameter: parameter}, &finalOut); err != nil {
		return nil, kverrors.Wrap(kverrors.ExtFuncError, err, "range_process finalize callback failed")
	}
	if finalOut.HasReturn {
		results = append(results, RangeResult{Key: nil, Return: finalOut.ReturnValue})
	}

	return results, nil
}
