package process

import (
	"encoding/binary"

	"github.com/dborchard/kvt/kverrors"
)

// The accumulator constructors below are the built-in aggregation
// callbacks spec.md §9 asks for: "static function-local state in
// aggregation callbacks... must be redesigned as an explicit
// accumulator passed via the callback's parameter buffer or a
// caller-owned context carried across invocations." Each constructor
// closes over a caller-owned pointer instead of keeping any state of
// its own, so the same *int64 can be reused across a RangeProcess call
// and read back afterward.

// NewCountCallback returns a Callback that increments *count once per
// visited row and, on RangeLast, returns the final count as an 8-byte
// big-endian value.
func NewCountCallback(count *int64) Callback {
	return func(in Input, out *Output) error {
		if in.RangeLast {
			out.HasReturn = true
			out.ReturnValue = encodeInt64(*count)
			return nil
		}
		*count++
		return nil
	}
}

// NewSumCallback returns a Callback that adds each row's value,
// interpreted as a big-endian int64, into *sum, returning the final sum
// on RangeLast.
func NewSumCallback(sum *int64) Callback {
	return func(in Input, out *Output) error {
		if in.RangeLast {
			out.HasReturn = true
			out.ReturnValue = encodeInt64(*sum)
			return nil
		}
		v, err := decodeInt64(in.Value)
		if err != nil {
			return err
		}
		*sum += v
		return nil
	}
}

// NewMaxCallback returns a Callback that tracks the largest big-endian
// int64 value seen, returning it on RangeLast. seen must start false;
// the callback flips it once a row has been observed.
func NewMaxCallback(max *int64, seen *bool) Callback {
	return func(in Input, out *Output) error {
		if in.RangeLast {
			out.HasReturn = true
			out.ReturnValue = encodeInt64(*max)
			return nil
		}
		v, err := decodeInt64(in.Value)
		if err != nil {
			return err
		}
		if !*seen || v > *max {
			*max = v
			*seen = true
		}
		return nil
	}
}

func encodeInt64(v int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	return buf
}

func decodeInt64(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, kverrors.New(kverrors.ExtFuncError, "value is not an 8-byte big-endian integer")
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}
