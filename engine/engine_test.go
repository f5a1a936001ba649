package engine

import (
	"testing"

	"github.com/dborchard/kvt/catalog"
	"github.com/dborchard/kvt/kverrors"
	"github.com/dborchard/kvt/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, strategy Strategy) Config {
	cfg := DefaultConfig(t.TempDir(), strategy)
	cfg.LogSizeLimitBytes = 1 << 20
	return cfg
}

func newTestEngine(t *testing.T, strategy Strategy) *Engine {
	e := New(testConfig(t, strategy))
	require.NoError(t, e.Initialize())
	t.Cleanup(func() { _ = e.Shutdown() })
	return e
}

func TestAutoCommitSetThenGetRoundTrips(t *testing.T) {
	for _, strategy := range []Strategy{StrategyNoCC, Strategy2PL, StrategyOCC} {
		e := newTestEngine(t, strategy)

		id, err := e.CreateTable("widgets", catalog.PartitionRange)
		require.NoError(t, err)

		require.NoError(t, e.Set(0, id, []byte("a"), []byte("1")))
		value, err := e.Get(0, id, []byte("a"))
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), value)
	}
}

func TestExplicitTransactionWriteIsInvisibleUntilCommit(t *testing.T) {
	for _, strategy := range []Strategy{Strategy2PL, StrategyOCC} {
		e := newTestEngine(t, strategy)
		id, err := e.CreateTable("widgets", catalog.PartitionRange)
		require.NoError(t, err)
		require.NoError(t, e.Set(0, id, []byte("a"), []byte("0")))

		txID, err := e.StartTx()
		require.NoError(t, err)
		require.NoError(t, e.Set(txID, id, []byte("a"), []byte("1")))

		// A separate auto-commit read must not observe the uncommitted value:
		// under 2PL the key is locked by txID, so the read fails with
		// KeyLocked; under OCC it sees the pre-transaction value.
		value, err := e.Get(0, id, []byte("a"))
		if strategy == Strategy2PL {
			assert.Equal(t, kverrors.KeyLocked, kverrors.KindOf(err))
		} else {
			require.NoError(t, err)
			assert.Equal(t, []byte("0"), value)
		}

		require.NoError(t, e.CommitTx(txID))

		value, err = e.Get(0, id, []byte("a"))
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), value)
	}
}

func TestRolledBackTransactionLeavesNoVisibleEffect(t *testing.T) {
	for _, strategy := range []Strategy{Strategy2PL, StrategyOCC} {
		e := newTestEngine(t, strategy)
		id, err := e.CreateTable("widgets", catalog.PartitionRange)
		require.NoError(t, err)
		require.NoError(t, e.Set(0, id, []byte("a"), []byte("0")))

		txID, err := e.StartTx()
		require.NoError(t, err)
		require.NoError(t, e.Set(txID, id, []byte("a"), []byte("1")))
		require.NoError(t, e.RollbackTx(txID))

		value, err := e.Get(0, id, []byte("a"))
		require.NoError(t, err)
		assert.Equal(t, []byte("0"), value)
	}
}

func TestOCCCommitFailsWhenReadSnapshotWentStale(t *testing.T) {
	e := newTestEngine(t, StrategyOCC)
	id, err := e.CreateTable("widgets", catalog.PartitionRange)
	require.NoError(t, err)
	require.NoError(t, e.Set(0, id, []byte("a"), []byte("0")))

	txID, err := e.StartTx()
	require.NoError(t, err)
	_, err = e.Get(txID, id, []byte("a"))
	require.NoError(t, err)

	// A concurrent auto-commit write changes the row out from under txID.
	require.NoError(t, e.Set(0, id, []byte("a"), []byte("2")))

	require.NoError(t, e.Set(txID, id, []byte("a"), []byte("1")))
	err = e.CommitTx(txID)
	assert.Error(t, err)
	assert.Equal(t, kverrors.StaleData, kverrors.KindOf(err))
}

func TestTwoPLSecondWriterFailsOnAHeldLock(t *testing.T) {
	e := newTestEngine(t, Strategy2PL)
	id, err := e.CreateTable("widgets", catalog.PartitionRange)
	require.NoError(t, err)
	require.NoError(t, e.Set(0, id, []byte("a"), []byte("0")))

	tx1, err := e.StartTx()
	require.NoError(t, err)
	require.NoError(t, e.Set(tx1, id, []byte("a"), []byte("1")))

	tx2, err := e.StartTx()
	require.NoError(t, err)
	err = e.Set(tx2, id, []byte("a"), []byte("2"))
	assert.Error(t, err, "a second transaction must not acquire a lock already held")

	require.NoError(t, e.CommitTx(tx1))
	require.NoError(t, e.RollbackTx(tx2))
}

func TestCrashRecoveryReplaysCommittedWritesOnly(t *testing.T) {
	for _, strategy := range []Strategy{StrategyNoCC, Strategy2PL, StrategyOCC} {
		dir := t.TempDir()
		cfg := DefaultConfig(dir, strategy)

		e1 := New(cfg)
		require.NoError(t, e1.Initialize())
		id, err := e1.CreateTable("widgets", catalog.PartitionRange)
		require.NoError(t, err)
		require.NoError(t, e1.Set(0, id, []byte("a"), []byte("1")))

		if strategy != StrategyNoCC {
			txID, err := e1.StartTx()
			require.NoError(t, err)
			require.NoError(t, e1.Set(txID, id, []byte("b"), []byte("should-not-survive")))
			require.NoError(t, e1.RollbackTx(txID))
		}
		require.NoError(t, e1.Shutdown())

		e2 := New(cfg)
		require.NoError(t, e2.Initialize())
		t.Cleanup(func() { _ = e2.Shutdown() })

		value, err := e2.Get(0, id, []byte("a"))
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), value)

		_, err = e2.Get(0, id, []byte("b"))
		assert.Equal(t, kverrors.KeyNotFound, kverrors.KindOf(err), "a rolled-back write must not survive recovery")
	}
}

func TestCheckpointRotationSurvivesAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir, Strategy2PL)
	cfg.LogSizeLimitBytes = 1 // rotate after every append

	e1 := New(cfg)
	require.NoError(t, e1.Initialize())
	id, err := e1.CreateTable("widgets", catalog.PartitionRange)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		require.NoError(t, e1.Set(0, id, []byte{byte(i)}, []byte("v")))
	}
	require.NoError(t, e1.Shutdown())

	e2 := New(cfg)
	require.NoError(t, e2.Initialize())
	t.Cleanup(func() { _ = e2.Shutdown() })

	for i := 0; i < 20; i++ {
		value, err := e2.Get(0, id, []byte{byte(i)})
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), value)
	}
}

func TestProcessAppliesCallbackDecision(t *testing.T) {
	e := newTestEngine(t, Strategy2PL)
	id, err := e.CreateTable("counters", catalog.PartitionRange)
	require.NoError(t, err)
	require.NoError(t, e.Set(0, id, []byte("n"), []byte{0}))

	increment := func(in process.Input, out *process.Output) error {
		if len(in.Value) == 0 {
			out.UpdateValue = []byte{1}
		} else {
			out.UpdateValue = []byte{in.Value[0] + 1}
		}
		out.HasUpdate = true
		out.ReturnValue = out.UpdateValue
		out.HasReturn = true
		return nil
	}

	result, err := e.Process(0, id, []byte("n"), increment, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, result)

	value, err := e.Get(0, id, []byte("n"))
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, value)
}

func TestRangeProcessVisitsEveryKeyAndEmitsFinalCallback(t *testing.T) {
	e := newTestEngine(t, Strategy2PL)
	id, err := e.CreateTable("widgets", catalog.PartitionRange)
	require.NoError(t, err)
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, e.Set(0, id, []byte(k), []byte("1")))
	}

	var visited int
	count := func(in process.Input, out *process.Output) error {
		if !in.RangeLast {
			visited++
			return nil
		}
		out.ReturnValue = []byte{byte(visited)}
		out.HasReturn = true
		return nil
	}

	results, err := e.RangeProcess(0, id, nil, nil, 2, count, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, visited)
	require.Len(t, results, 1)
	assert.Equal(t, []byte{3}, results[0].Return)
}

func TestBatchExecuteContinuesPastAFailingOp(t *testing.T) {
	e := newTestEngine(t, Strategy2PL)
	id, err := e.CreateTable("widgets", catalog.PartitionRange)
	require.NoError(t, err)
	require.NoError(t, e.Set(0, id, []byte("a"), []byte("1")))

	results, err := e.BatchExecute(0, []BatchOp{
		{Kind: BatchGet, TableID: id, Key: []byte("a")},
		{Kind: BatchGet, TableID: id, Key: []byte("missing")},
		{Kind: BatchSet, TableID: id, Key: []byte("b"), Value: []byte("2")},
	})
	require.Error(t, err)
	assert.Equal(t, kverrors.BatchNotFullySuccess, kverrors.KindOf(err))
	require.Len(t, results, 3)
	assert.Equal(t, []byte("1"), results[0].Value)
	assert.Error(t, results[1].Err)
	assert.NoError(t, results[2].Err)

	value, err := e.Get(0, id, []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), value)
}

func TestDropTableRemovesItFromTheCatalog(t *testing.T) {
	e := newTestEngine(t, Strategy2PL)
	id, err := e.CreateTable("widgets", catalog.PartitionRange)
	require.NoError(t, err)
	require.NoError(t, e.DropTable(id))

	_, err = e.GetTableName(id)
	assert.Equal(t, kverrors.TableNotFound, kverrors.KindOf(err))
}

func TestOperationsBeforeInitializeFail(t *testing.T) {
	e := New(DefaultConfig(t.TempDir(), Strategy2PL))
	_, err := e.CreateTable("widgets", catalog.PartitionRange)
	assert.Equal(t, kverrors.NotInitialized, kverrors.KindOf(err))
}
