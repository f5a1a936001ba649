package wal

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksumIsAPolynomialRollingHash(t *testing.T) {
	var want uint32
	for _, b := range []byte("hello") {
		want = want*31 + uint32(b)
	}
	assert.Equal(t, want, Checksum([]byte("hello")))
	assert.Equal(t, uint32(0), Checksum(nil))
}

func TestCodecRoundTripsEveryReplayedOp(t *testing.T) {
	for _, textMode := range []bool{false, true} {
		codec := NewCodec(textMode)
		ops := []Op{
			{Kind: OpCreateTable, TableID: 1, Name: "users", Partition: "range"},
			{Kind: OpDropTable, TableID: 1},
			{Kind: OpStartTransaction, TxID: 7},
			{Kind: OpCommitTransaction, TxID: 7},
			{Kind: OpRollbackTransaction, TxID: 7},
			{Kind: OpSet, TxID: 7, TableID: 1, Key: []byte("k"), Value: []byte("v")},
			{Kind: OpSet, TxID: 7, TableID: 1, Key: []byte{}, Value: []byte{}},
			{Kind: OpSet, TxID: 0, TableID: 1, Key: []byte("bin\x00\x01\xffkey"), Value: []byte("bin\x00val")},
			{Kind: OpSet, TxID: 0, TableID: 1, Key: []byte("a b\tc\nd"), Value: []byte("has spaces too")},
			{Kind: OpDel, TxID: 7, TableID: 1, Key: []byte("k")},
		}
		for _, op := range ops {
			payload := codec.Encode(op)
			got, err := codec.Decode(payload)
			require.NoError(t, err)
			assert.Equal(t, op.Kind, got.Kind)
			assert.Equal(t, op.TxID, got.TxID)
			assert.Equal(t, op.TableID, got.TableID)
			assert.Equal(t, op.Name, got.Name)
			assert.Equal(t, op.Partition, got.Partition)
			assert.Equal(t, op.Key, got.Key)
			assert.Equal(t, op.Value, got.Value)
		}
	}
}

func TestUnreplayedOpsCarryOnlyKindAndIDs(t *testing.T) {
	codec := NewCodec(false)
	for _, kind := range []OpKind{OpGet, OpScan, OpProcess, OpRangeProcess, OpBatchExecute} {
		assert.False(t, kind.replayed())
		op := Op{Kind: kind, TxID: 3, TableID: 2}
		decoded, err := codec.Decode(codec.Encode(op))
		require.NoError(t, err)
		assert.Equal(t, kind, decoded.Kind)
		assert.Equal(t, uint64(3), decoded.TxID)
		assert.Equal(t, uint64(2), decoded.TableID)
	}
	for _, kind := range []OpKind{OpCreateTable, OpDropTable, OpStartTransaction, OpCommitTransaction, OpRollbackTransaction, OpSet, OpDel} {
		assert.True(t, kind.replayed())
	}
}

func TestWriterAppendsAndReaderReplaysInOrder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kvt_log_0")

	w, err := NewWriter(path, false, 1)
	require.NoError(t, err)

	id1, err := w.Append(Op{Kind: OpStartTransaction, TxID: 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id1)

	id2, err := w.Append(Op{Kind: OpSet, TxID: 1, TableID: 5, Key: []byte("a"), Value: []byte("1")})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), id2)

	id3, err := w.Append(Op{Kind: OpCommitTransaction, TxID: 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), id3)

	assert.Equal(t, uint64(4), w.NextID())
	assert.True(t, w.TotalBytesWritten() > 0)
	require.NoError(t, w.Close())

	r, err := NewReader(path, false)
	require.NoError(t, err)
	defer r.Close()

	var kinds []OpKind
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		op, err := r.Decode(rec)
		require.NoError(t, err)
		kinds = append(kinds, op.Kind)
	}
	assert.Equal(t, []OpKind{OpStartTransaction, OpSet, OpCommitTransaction}, kinds)
}

func TestReaderToleratesTruncatedTrailingRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kvt_log_0")

	w, err := NewWriter(path, false, 1)
	require.NoError(t, err)
	_, err = w.Append(Op{Kind: OpStartTransaction, TxID: 1})
	require.NoError(t, err)
	_, err = w.Append(Op{Kind: OpCommitTransaction, TxID: 1})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// Simulate a crash mid-append: truncate off the tail of the last record.
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-3))

	r, err := NewReader(path, false)
	require.NoError(t, err)
	defer r.Close()

	rec, err := r.Next()
	require.NoError(t, err)
	op, err := r.Decode(rec)
	require.NoError(t, err)
	assert.Equal(t, OpStartTransaction, op.Kind)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderFailsFatallyOnChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kvt_log_0")

	w, err := NewWriter(path, false, 1)
	require.NoError(t, err)
	_, err = w.Append(Op{Kind: OpStartTransaction, TxID: 1})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xff}, int64(headerSize+2))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	r, err := NewReader(path, false)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Next()
	assert.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
}

func TestDisabledWriterDiscardsAppends(t *testing.T) {
	w := NewDisabledWriter(false)
	id, err := w.Append(Op{Kind: OpSet, TxID: 1, TableID: 1, Key: []byte("k"), Value: []byte("v")})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), id)
	assert.Equal(t, uint64(0), w.TotalBytesWritten())
	assert.NoError(t, w.Close())
}
