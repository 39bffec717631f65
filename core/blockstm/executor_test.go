package blockstm

import (
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/ethereum/go-ethereum/common"
)

// memStorage is a plain in-memory Storage base view: a fixed snapshot the
// parallel executor falls back to on a versioned-map miss.
type memStorage struct {
	mu   sync.Mutex
	data map[Key][]byte
	base map[Key]*uint256.Int
}

func newMemStorage() *memStorage {
	return &memStorage{data: make(map[Key][]byte), base: make(map[Key]*uint256.Int)}
}

func (s *memStorage) Get(key Key) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.data[key]

	return v, ok
}

func (s *memStorage) AggregatorBase(key Key) *uint256.Int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.base[key]; ok {
		return b
	}

	return uint256.NewInt(0)
}

// testOp is one step of a testExecTask's program: read a key, write a
// plain value, fold a delta against an aggregator key, request SkipRest, or
// fail with an arbitrary VM error.
type testOp struct {
	isRead     bool
	isDelta    bool
	isSkipRest bool
	failWith   error
	key        Key
	value      []byte
	delta      DeltaOp
	bound      *uint256.Int
}

func readOp(key Key) testOp                { return testOp{isRead: true, key: key} }
func writeOp(key Key, value []byte) testOp { return testOp{key: key, value: value} }
func deltaOp(key Key, op DeltaOp, bound *uint256.Int) testOp {
	return testOp{isDelta: true, key: key, delta: op, bound: bound}
}
func skipRestOp() testOp      { return testOp{isSkipRest: true} }
func failOp(err error) testOp { return testOp{failWith: err} }

// testExecTask is a scenario-test VM task: it runs a fixed program of
// reads/writes/deltas against a view, building up the write set the
// scheduler expects back from MVWriteList/MVFullWriteList.
type testExecTask struct {
	txnIndex int
	sender   common.Address
	ops      []testOp

	mu      sync.Mutex
	reads   []ReadDescriptor
	writes  []WriteDescriptor
	settled int
}

func (t *testExecTask) Execute(view *MVHashMapView, incarnation Incarnation) error {
	var writes []WriteDescriptor

	for _, op := range t.ops {
		switch {
		case op.isSkipRest:
			return ErrSkipRest{}
		case op.failWith != nil:
			return op.failWith
		case op.isRead:
			if _, err := view.Read(op.key); err != nil {
				return err
			}
		case op.isDelta:
			if _, err := view.ReadAggregator(op.key, op.delta, op.bound); err != nil {
				return err
			}

			writes = append(writes, WriteDescriptor{
				Path:  op.key,
				V:     Version{TxnIndex: t.txnIndex, Incarnation: incarnation},
				Value: DeltaValue(op.delta),
			})
		default:
			writes = append(writes, WriteDescriptor{
				Path:  op.key,
				V:     Version{TxnIndex: t.txnIndex, Incarnation: incarnation},
				Value: WriteValue(op.value),
			})
		}
	}

	t.mu.Lock()
	t.reads = view.ReadSet()
	t.writes = writes
	t.mu.Unlock()

	return nil
}

func (t *testExecTask) MVReadList() []ReadDescriptor {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.reads
}

func (t *testExecTask) MVWriteList() []WriteDescriptor {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.writes
}

func (t *testExecTask) MVFullWriteList() []WriteDescriptor { return t.MVWriteList() }

func (t *testExecTask) Sender() common.Address { return t.sender }

func (t *testExecTask) Settle() {
	t.mu.Lock()
	t.settled++
	t.mu.Unlock()
}

func addrAt(i int) common.Address { return common.BigToAddress(big.NewInt(int64(1000 + i))) }

// checkNoStatusOverlap is a PropertyCheck (spec §8): no txn index may be
// in-progress in both the execution and validation status managers at once.
func checkNoStatusOverlap(pe *ParallelExecutor) error {
	for i := range pe.tasks {
		if pe.execTasks.checkInProgress(i) && pe.validateTasks.checkInProgress(i) {
			return fmt.Errorf("txn %d in progress in both exec and validate", i)
		}
	}

	return nil
}

// TestSingleSenderDependency covers spec §8's single-sender scenario: every
// txn shares a sender, so Prepare's nonce heuristic chains them and the
// block must still commit in order with no lost or duplicated writes.
func TestSingleSenderDependency(t *testing.T) {
	t.Parallel()

	sender := addrAt(0)
	key := NewAddressKey(addrAt(1))

	const n = 12

	tasks := make([]ExecTask, n)
	for i := 0; i < n; i++ {
		tasks[i] = &testExecTask{
			txnIndex: i,
			sender:   sender,
			ops:      []testOp{readOp(key), writeOp(key, []byte(fmt.Sprintf("v%d", i)))},
		}
	}

	storage := newMemStorage()

	result, err := executeParallelWithCheck(tasks, storage, false, 0, checkNoStatusOverlap)
	require.NoError(t, err)
	require.NotNil(t, result.TxIO)

	last := result.TxIO.AllWriteSet(n - 1)
	require.Len(t, last, 1)
	require.Equal(t, []byte(fmt.Sprintf("v%d", n-1)), last[0].Value.Bytes())

	seq, err := ExecuteSequential(tasks, storage)
	require.NoError(t, err)

	seqLast := seq.TxIO.AllWriteSet(n - 1)
	require.Len(t, seqLast, 1)
	require.Equal(t, last[0].Path, seqLast[0].Path)
	require.Equal(t, last[0].Value.Bytes(), seqLast[0].Value.Bytes(), "parallel and sequential execution must agree on the final committed value")
}

// TestDisjointSenders covers the "no shared state" scenario: every txn
// touches its own key and has a distinct sender, so nothing should ever
// abort.
func TestDisjointSenders(t *testing.T) {
	t.Parallel()

	const n = 20

	tasks := make([]ExecTask, n)
	for i := 0; i < n; i++ {
		tasks[i] = &testExecTask{
			txnIndex: i,
			sender:   addrAt(i),
			ops:      []testOp{writeOp(NewAddressKey(addrAt(100+i)), []byte{byte(i)})},
		}
	}

	storage := newMemStorage()

	result, err := ExecuteParallel(tasks, storage, false)
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		w := result.TxIO.AllWriteSet(i)
		require.Len(t, w, 1)
		require.Equal(t, []byte{byte(i)}, w[0].Value.Bytes())
	}
}

// TestChainedDependency covers a strict read-after-write chain: txn i reads
// the key txn i-1 wrote, forcing sequential resolution regardless of how
// many workers race ahead speculatively.
func TestChainedDependency(t *testing.T) {
	t.Parallel()

	const n = 10

	key := NewAddressKey(addrAt(1))

	tasks := make([]ExecTask, n)
	for i := 0; i < n; i++ {
		tasks[i] = &testExecTask{
			txnIndex: i,
			sender:   addrAt(i),
			ops:      []testOp{readOp(key), writeOp(key, []byte(fmt.Sprintf("c%d", i)))},
		}
	}

	storage := newMemStorage()

	result, err := ExecuteParallel(tasks, storage, false)
	require.NoError(t, err)

	last := result.TxIO.AllWriteSet(n - 1)
	require.Equal(t, []byte(fmt.Sprintf("c%d", n-1)), last[0].Value.Bytes())
}

// TestModulePathConflictRejected covers spec §4.A: a block that both reads
// and writes a Module-kind key - as declared via its tasks' static hints -
// must be rejected outright, before any worker runs, so the caller can fall
// back to the sequential path.
func TestModulePathConflictRejected(t *testing.T) {
	t.Parallel()

	modKey := NewModuleKey(addrAt(1))

	tasks := []ExecTask{
		&hintedStubTask{writes: []Key{modKey}},
		&hintedStubTask{reads: []Key{modKey}},
	}

	_, err := ExecuteParallel(tasks, newMemStorage(), false)
	require.Error(t, err)
	require.IsType(t, ErrModulePathReadWrite{}, err)
}

// TestAggregatorFold covers the Delta/aggregator path: concurrent txns fold
// signed deltas against a shared counter key, and resolving after the block
// must match the sequential sum.
func TestAggregatorFold(t *testing.T) {
	t.Parallel()

	key := NewSubpathKey(addrAt(1), 42)
	bound := uint256.NewInt(1_000_000)

	const n = 8

	tasks := make([]ExecTask, n)
	for i := 0; i < n; i++ {
		delta := int64(i + 1)
		tasks[i] = &testExecTask{
			txnIndex: i,
			sender:   addrAt(i),
			ops:      []testOp{deltaOp(key, DeltaOp{Delta: delta, Bound: bound}, bound)},
		}
	}

	storage := newMemStorage()

	result, err := ExecuteParallel(tasks, storage, false)
	require.NoError(t, err)

	resolver := NewDeltaResolver(result.MVHashMap)
	resolver.SetBound(key, bound)

	resolved := resolver.Resolve(map[Key]BaseValueResult{key: {Value: uint256.NewInt(0), Present: true}}, n)

	var want int64
	for i := 0; i < n; i++ {
		want += int64(i + 1)
	}

	require.False(t, resolved[key].Overflow)
	require.False(t, resolved[key].Underflow)
	require.Equal(t, uint64(want), resolved[key].Value.Uint64())
}

// TestAggregatorOverflow covers the bound-violation edge case of spec §7:
// folding past the declared bound must be reported, not silently clamped,
// and the overflowing txn itself must be the one that observes it - not the
// next txn in line.
func TestAggregatorOverflow(t *testing.T) {
	t.Parallel()

	key := NewSubpathKey(addrAt(1), 42)
	bound := uint256.NewInt(10)

	tasks := []ExecTask{
		&testExecTask{txnIndex: 0, sender: addrAt(0), ops: []testOp{deltaOp(key, DeltaOp{Delta: 6, Bound: bound}, bound)}},
		&testExecTask{txnIndex: 1, sender: addrAt(1), ops: []testOp{deltaOp(key, DeltaOp{Delta: 6, Bound: bound}, bound)}},
	}

	storage := newMemStorage()

	result, err := ExecuteSequential(tasks, storage)
	require.NoError(t, err)

	require.Equal(t, TxnSuccess, result.TxIO.Status(0))
	require.Equal(t, TxnAborted, result.TxIO.Status(1))
	require.IsType(t, ErrDeltaApplication{}, result.TxIO.Cause(1))

	resolver := NewDeltaResolver(result.MVHashMap)
	resolver.SetBound(key, bound)
	resolved := resolver.Resolve(map[Key]BaseValueResult{key: {Value: uint256.NewInt(0), Present: true}}, len(tasks))

	require.False(t, resolved[key].Overflow, "txn 1's write never committed, so the resolved chain only holds txn 0's +6")
	require.Equal(t, uint64(6), resolved[key].Value.Uint64())
}

// TestAggregatorOverflowBoundaryCount walks spec §8 scenario 6: 1000 txns
// each folding +1 against a bound of 100 from a base of 0. The first 100
// (indices 0-99) must commit and the resolved value must land exactly at
// 100 - not 101, which is what folding a txn's own pending delta into the
// bound check only after admitting the write would produce.
func TestAggregatorOverflowBoundaryCount(t *testing.T) {
	t.Parallel()

	key := NewSubpathKey(addrAt(1), 42)
	bound := uint256.NewInt(100)

	const n = 1000

	tasks := make([]ExecTask, n)
	for i := 0; i < n; i++ {
		tasks[i] = &testExecTask{
			txnIndex: i,
			sender:   addrAt(i),
			ops:      []testOp{deltaOp(key, DeltaOp{Delta: 1, Bound: bound}, bound)},
		}
	}

	storage := newMemStorage()

	result, err := ExecuteSequential(tasks, storage)
	require.NoError(t, err)

	committed := 0

	for i := 0; i < n; i++ {
		if result.TxIO.Status(i) == TxnSuccess {
			committed++
			require.Equal(t, committed-1, i, "every committed txn up to the boundary must be a contiguous success prefix")
		} else {
			require.Equal(t, TxnAborted, result.TxIO.Status(i))
			require.IsType(t, ErrDeltaApplication{}, result.TxIO.Cause(i))
		}
	}

	require.Equal(t, 100, committed)

	resolver := NewDeltaResolver(result.MVHashMap)
	resolver.SetBound(key, bound)
	resolved := resolver.Resolve(map[Key]BaseValueResult{key: {Value: uint256.NewInt(0), Present: true}}, n)

	require.False(t, resolved[key].Overflow)
	require.Equal(t, uint64(100), resolved[key].Value.Uint64())
}

// TestSkipRestTruncatesOutput covers spec §4.D/§8: a txn that requests
// SkipRest truncates the committed output at itself, and the scheduler
// still terminates instead of waiting on txns whose output would be
// dropped anyway.
func TestSkipRestTruncatesOutput(t *testing.T) {
	t.Parallel()

	const n = 8
	const skipAt = 3

	tasks := make([]ExecTask, n)

	for i := 0; i < n; i++ {
		var ops []testOp
		if i == skipAt {
			ops = []testOp{skipRestOp()}
		} else {
			ops = []testOp{writeOp(NewAddressKey(addrAt(600+i)), []byte{byte(i)})}
		}

		tasks[i] = &testExecTask{txnIndex: i, sender: addrAt(i), ops: ops}
	}

	storage := newMemStorage()

	result, err := ExecuteParallel(tasks, storage, false)
	require.NoError(t, err)
	require.NotNil(t, result.TxIO)

	require.Equal(t, skipAt+1, result.TxIO.Len())
	require.Equal(t, TxnSkipped, result.TxIO.Status(skipAt))

	for i := 0; i < skipAt; i++ {
		require.Equal(t, TxnSuccess, result.TxIO.Status(i))
		require.Len(t, result.TxIO.AllWriteSet(i), 1)
	}
}

// TestAbortMarksOnlyThatTxn covers spec §6/§7: a VM error other than
// ErrExecAbortError or ErrSkipRest aborts only the reporting txn - the rest
// of the block, both before and after it, still commits.
func TestAbortMarksOnlyThatTxn(t *testing.T) {
	t.Parallel()

	const n = 6
	const abortAt = 2

	cause := fmt.Errorf("vm reverted")

	tasks := make([]ExecTask, n)

	for i := 0; i < n; i++ {
		var ops []testOp
		if i == abortAt {
			ops = []testOp{failOp(cause)}
		} else {
			ops = []testOp{writeOp(NewAddressKey(addrAt(700+i)), []byte{byte(i)})}
		}

		tasks[i] = &testExecTask{txnIndex: i, sender: addrAt(i), ops: ops}
	}

	storage := newMemStorage()

	result, err := ExecuteParallel(tasks, storage, false)
	require.NoError(t, err)
	require.NotNil(t, result.TxIO)

	require.Equal(t, n, result.TxIO.Len(), "an Abort must not truncate the block the way SkipRest does")

	for i := 0; i < n; i++ {
		if i == abortAt {
			require.Equal(t, TxnAborted, result.TxIO.Status(i))
			require.Error(t, result.TxIO.Cause(i))
			require.Empty(t, result.TxIO.AllWriteSet(i))
		} else {
			require.Equal(t, TxnSuccess, result.TxIO.Status(i))
			require.Len(t, result.TxIO.AllWriteSet(i), 1)
		}
	}
}

func TestExecuteParallelEmptyBlock(t *testing.T) {
	t.Parallel()

	result, err := ExecuteParallel(nil, newMemStorage(), false)
	require.NoError(t, err)
	require.NotNil(t, result.TxIO)
	require.NotNil(t, result.MVHashMap)
}

// TestProfileStats covers the profile-mode accounting (spec §9): every
// committed txn must have a recorded ExecutionStat window when profiling is
// enabled, and none when it isn't.
func TestProfileStats(t *testing.T) {
	t.Parallel()

	const n = 5

	tasks := make([]ExecTask, n)
	for i := 0; i < n; i++ {
		tasks[i] = &testExecTask{txnIndex: i, sender: addrAt(i), ops: []testOp{writeOp(NewAddressKey(addrAt(200+i)), []byte{1})}}
	}

	storage := newMemStorage()

	result, err := ExecuteParallel(tasks, storage, true)
	require.NoError(t, err)
	require.Len(t, result.Stats, n)

	for i := 0; i < n; i++ {
		require.LessOrEqual(t, result.Stats[i].Start, result.Stats[i].End)
	}

	unprofiled, err := ExecuteParallel(tasks, storage, false)
	require.NoError(t, err)
	require.Empty(t, unprofiled.Stats)
}

func TestExecuteParallelWithWorkersOverride(t *testing.T) {
	t.Parallel()

	const n = 6

	tasks := make([]ExecTask, n)
	for i := 0; i < n; i++ {
		tasks[i] = &testExecTask{txnIndex: i, sender: addrAt(i), ops: []testOp{writeOp(NewAddressKey(addrAt(300+i)), []byte{2})}}
	}

	result, err := ExecuteParallelWithWorkers(tasks, newMemStorage(), false, 2)
	require.NoError(t, err)
	require.Equal(t, n-1, result.TxIO.AllWriteSet(n-1)[0].V.TxnIndex)
}
