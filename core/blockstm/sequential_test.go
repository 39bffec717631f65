package blockstm

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ethereum/go-ethereum/common"
)

func TestExecuteSequentialOrdersWrites(t *testing.T) {
	t.Parallel()

	key := NewAddressKey(addrAt(1))

	const n = 6

	tasks := make([]ExecTask, n)
	for i := 0; i < n; i++ {
		tasks[i] = &testExecTask{
			txnIndex: i,
			sender:   addrAt(i),
			ops:      []testOp{readOp(key), writeOp(key, []byte(fmt.Sprintf("s%d", i)))},
		}
	}

	result, err := ExecuteSequential(tasks, newMemStorage())
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		w := result.TxIO.AllWriteSet(i)
		require.Len(t, w, 1)
		require.Equal(t, []byte(fmt.Sprintf("s%d", i)), w[0].Value.Bytes())
	}
}

// TestExecuteSequentialRecordsPerTxnAbort covers spec §6/§7: a VM error other
// than ErrExecAbortError aborts only that txn - the run keeps going and later
// txns still commit.
func TestExecuteSequentialRecordsPerTxnAbort(t *testing.T) {
	t.Parallel()

	key := NewAddressKey(addrAt(1))

	tasks := []ExecTask{
		&testExecTask{txnIndex: 0, sender: addrAt(0), ops: []testOp{writeOp(key, []byte("ok"))}},
		&erroringTask{},
		&testExecTask{txnIndex: 2, sender: addrAt(2), ops: []testOp{writeOp(key, []byte("still-ok"))}},
	}

	result, err := ExecuteSequential(tasks, newMemStorage())
	require.NoError(t, err)

	require.Equal(t, TxnSuccess, result.TxIO.Status(0))
	require.Equal(t, TxnAborted, result.TxIO.Status(1))
	require.Error(t, result.TxIO.Cause(1))
	require.Equal(t, TxnSuccess, result.TxIO.Status(2))
	require.Equal(t, 3, result.TxIO.Len())
}

// TestExecuteSequentialPropagatesAbortError covers the one sequential error
// that IS fatal: ErrExecAbortError can only mean a task read ahead of its own
// position, which should never happen when txns run strictly in order, so
// it's surfaced as a hard failure rather than recorded per-txn.
func TestExecuteSequentialPropagatesAbortError(t *testing.T) {
	t.Parallel()

	tasks := []ExecTask{
		&testExecTask{txnIndex: 0, sender: addrAt(0), ops: []testOp{readOp(NewModuleKey(addrAt(9)))}},
		&abortingTask{},
	}

	_, err := ExecuteSequential(tasks, newMemStorage())
	require.Error(t, err)
	require.IsType(t, ErrExecAbortError{}, err)
}

// erroringTask always fails with a plain error, to exercise
// ExecuteSequential's per-txn Abort recording path.
type erroringTask struct{}

func (erroringTask) Execute(*MVHashMapView, Incarnation) error { return fmt.Errorf("boom") }
func (erroringTask) MVReadList() []ReadDescriptor              { return nil }
func (erroringTask) MVWriteList() []WriteDescriptor            { return nil }
func (erroringTask) MVFullWriteList() []WriteDescriptor        { return nil }
func (erroringTask) Sender() common.Address                    { return common.Address{} }
func (erroringTask) Settle()                                   {}

// abortingTask always fails with ErrExecAbortError, to exercise
// ExecuteSequential's hard-failure propagation path.
type abortingTask struct{}

func (abortingTask) Execute(*MVHashMapView, Incarnation) error {
	return ErrExecAbortError{Dependency: -1}
}
func (abortingTask) MVReadList() []ReadDescriptor       { return nil }
func (abortingTask) MVWriteList() []WriteDescriptor     { return nil }
func (abortingTask) MVFullWriteList() []WriteDescriptor { return nil }
func (abortingTask) Sender() common.Address             { return common.Address{} }
func (abortingTask) Settle()                            {}
