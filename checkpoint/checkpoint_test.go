package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dborchard/kvt/catalog"
	"github.com/dborchard/kvt/storage"
	"github.com/dborchard/kvt/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeApplier struct {
	ops             []wal.Op
	loadedTables    []*catalog.Table
	loadedNextTable uint64
}

func (f *fakeApplier) LoadSnapshot(nextTableID uint64, tables []*catalog.Table) {
	f.loadedNextTable = nextTableID
	f.loadedTables = tables
}

func (f *fakeApplier) Apply(op wal.Op) error {
	f.ops = append(f.ops, op)
	return nil
}

func defaultConfig() Config {
	return Config{Persist: true, Fsync: false, LogSizeLimitBytes: 16 << 20, KeepHistory: 5, TextLog: false}
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kvt_checkpoint_1")

	tbl := storage.NewTable()
	tbl.Set([]byte("a"), storage.Entry{Data: []byte("1"), Metadata: 3})
	tbl.Set([]byte("b"), storage.Entry{Data: nil, Metadata: -1})

	snap := catalog.Snapshot{
		NextTableID: 2,
		Tables: []*catalog.Table{
			{ID: 1, Name: "users", PartitionMethod: catalog.PartitionRange, Data: tbl},
		},
	}

	require.NoError(t, WriteSnapshot(path, snap, 42))

	nextTableID, nextTxID, tables, err := ReadSnapshot(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), nextTableID)
	assert.Equal(t, uint64(42), nextTxID)
	require.Len(t, tables, 1)
	assert.Equal(t, uint64(1), tables[0].ID)
	assert.Equal(t, "users", tables[0].Name)
	assert.Equal(t, catalog.PartitionRange, tables[0].PartitionMethod)

	a, ok := tables[0].Data.Get([]byte("a"))
	require.True(t, ok)
	assert.Equal(t, []byte("1"), a.Data)
	assert.Equal(t, int32(3), a.Metadata)

	b, ok := tables[0].Data.Get([]byte("b"))
	require.True(t, ok)
	assert.Equal(t, int32(-1), b.Metadata)
}

func TestRecoverOnEmptyDirectoryStartsFresh(t *testing.T) {
	dir := t.TempDir()
	c := Open(dir, defaultConfig(), nil)

	nextTableID, nextTxID, tables, err := c.Recover(&fakeApplier{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), nextTableID)
	assert.Equal(t, uint64(1), nextTxID)
	assert.Empty(t, tables)
	assert.Equal(t, StateOpen, c.State())
	require.NoError(t, c.Close())
}

func TestRecoverReplaysLogZeroWhenNoSnapshotExists(t *testing.T) {
	dir := t.TempDir()

	w, err := wal.NewWriter(logPath(dir, 0), false, 1)
	require.NoError(t, err)
	_, err = w.Append(wal.Op{Kind: wal.OpCreateTable, TableID: 1, Name: "t", Partition: "range"})
	require.NoError(t, err)
	_, err = w.Append(wal.Op{Kind: wal.OpStartTransaction, TxID: 1})
	require.NoError(t, err)
	_, err = w.Append(wal.Op{Kind: wal.OpSet, TxID: 1, TableID: 1, Key: []byte("k"), Value: []byte("v")})
	require.NoError(t, err)
	_, err = w.Append(wal.Op{Kind: wal.OpCommitTransaction, TxID: 1})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	c := Open(dir, defaultConfig(), nil)
	applier := &fakeApplier{}
	nextTableID, nextTxID, tables, err := c.Recover(applier)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), nextTableID)
	assert.Equal(t, uint64(1), nextTxID)
	assert.Empty(t, tables)
	require.Len(t, applier.ops, 4)
	assert.Equal(t, wal.OpCreateTable, applier.ops[0].Kind)
	assert.Equal(t, wal.OpSet, applier.ops[2].Kind)

	// The active log continues from record id 5, not restarting at 1.
	id, err := c.Append(wal.Op{Kind: wal.OpStartTransaction, TxID: 2})
	require.NoError(t, err)
	assert.Equal(t, uint64(5), id)
	require.NoError(t, c.Close())
}

func TestRecoverLoadsSnapshotAndReplaysActiveLogSinceRotation(t *testing.T) {
	dir := t.TempDir()

	tbl := storage.NewTable()
	tbl.Set([]byte("a"), storage.Entry{Data: []byte("1"), Metadata: 0})
	snap := catalog.Snapshot{
		NextTableID: 2,
		Tables:      []*catalog.Table{{ID: 1, Name: "t", PartitionMethod: catalog.PartitionHash, Data: tbl}},
	}
	require.NoError(t, WriteSnapshot(snapshotPath(dir, 1), snap, 5))

	// log 1 is the active log opened after producing snapshot 1; it holds
	// commits made after the snapshot that a crash must not lose.
	w, err := wal.NewWriter(logPath(dir, 1), false, 1)
	require.NoError(t, err)
	_, err = w.Append(wal.Op{Kind: wal.OpStartTransaction, TxID: 5})
	require.NoError(t, err)
	_, err = w.Append(wal.Op{Kind: wal.OpSet, TxID: 5, TableID: 1, Key: []byte("b"), Value: []byte("2")})
	require.NoError(t, err)
	_, err = w.Append(wal.Op{Kind: wal.OpCommitTransaction, TxID: 5})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	c := Open(dir, defaultConfig(), nil)
	applier := &fakeApplier{}
	nextTableID, nextTxID, tables, err := c.Recover(applier)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), nextTableID)
	assert.Equal(t, uint64(5), nextTxID)
	require.Len(t, tables, 1)

	require.Len(t, applier.ops, 3)
	assert.Equal(t, wal.OpSet, applier.ops[1].Kind)
	assert.Equal(t, []byte("b"), applier.ops[1].Key)

	id, err := c.Append(wal.Op{Kind: wal.OpCommitTransaction, TxID: 6})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), id)
	require.NoError(t, c.Close())
}

func TestRecoverIsFatalWhenLogOutrunsSnapshot(t *testing.T) {
	dir := t.TempDir()
	snap := catalog.Snapshot{NextTableID: 1}
	require.NoError(t, WriteSnapshot(snapshotPath(dir, 1), snap, 1))

	w, err := wal.NewWriter(logPath(dir, 5), false, 1)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	c := Open(dir, defaultConfig(), nil)
	_, _, _, err = c.Recover(&fakeApplier{})
	assert.Error(t, err)
	assert.Equal(t, StateCorrupt, c.State())
}

func TestMaybeRotateWritesSnapshotAndOpensFreshLog(t *testing.T) {
	dir := t.TempDir()
	cfg := defaultConfig()
	cfg.LogSizeLimitBytes = 1 // rotate on the very first append
	c := Open(dir, cfg, nil)

	_, _, _, err := c.Recover(&fakeApplier{})
	require.NoError(t, err)

	_, err = c.Append(wal.Op{Kind: wal.OpStartTransaction, TxID: 1})
	require.NoError(t, err)

	snap := catalog.Snapshot{NextTableID: 1}
	require.NoError(t, c.MaybeRotate(snap, 2))

	assert.Equal(t, StateOpen, c.State())
	assert.FileExists(t, snapshotPath(dir, 1))
	assert.FileExists(t, logPath(dir, 1))

	id, err := c.Append(wal.Op{Kind: wal.OpStartTransaction, TxID: 2})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id, "fresh log after rotation restarts its own id sequence")
	require.NoError(t, c.Close())
}

func TestMaybeRotatePrunesGenerationsOlderThanKeepHistory(t *testing.T) {
	dir := t.TempDir()
	cfg := defaultConfig()
	cfg.LogSizeLimitBytes = 1
	cfg.KeepHistory = 1
	c := Open(dir, cfg, nil)

	_, _, _, err := c.Recover(&fakeApplier{})
	require.NoError(t, err)

	snap := catalog.Snapshot{NextTableID: 1}
	for i := 0; i < 3; i++ {
		_, err = c.Append(wal.Op{Kind: wal.OpStartTransaction, TxID: uint64(i + 1)})
		require.NoError(t, err)
		require.NoError(t, c.MaybeRotate(snap, uint64(i+2)))
	}
	require.NoError(t, c.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(entries), 4, "pruning should have removed generations older than keep_history")
}
