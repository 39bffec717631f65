package blockstm

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
)

// ExecTask is the VM task contract of spec §6: given a view, produce reads,
// writes and deltas, or signal an abort by returning an ErrExecAbortError.
// Sender is used for the cheap same-sender dependency heuristic a task
// graph without static hints falls back on (mirrors the teacher's
// nonce-conflict shortcut in Prepare).
type ExecTask interface {
	Execute(view *MVHashMapView, incarnation Incarnation) error
	MVReadList() []ReadDescriptor
	MVWriteList() []WriteDescriptor
	MVFullWriteList() []WriteDescriptor
	Sender() common.Address
	Settle()
}

// ExecResult is what a worker hands back to the scheduler after running one
// incarnation.
type ExecResult struct {
	err      error
	ver      Version
	txIn     TxnInput
	txOut    TxnOutput
	txAllOut TxnOutput
	stat     ExecutionStat
}

// ExecVersionView binds one ExecTask to the version it's about to run as,
// and carries everything a worker needs to run it.
type ExecVersionView struct {
	ver     Version
	task    ExecTask
	mvh     *MVHashMap
	storage Storage
	begin   time.Time
}

func (ev *ExecVersionView) Execute() (er ExecResult) {
	er.ver = ev.ver
	er.stat.Start = uint64(time.Since(ev.begin))

	view := NewMVHashMapView(ev.mvh, ev.storage, ev.ver.TxnIndex)

	if er.err = ev.task.Execute(view, ev.ver.Incarnation); er.err != nil {
		er.stat.End = uint64(time.Since(ev.begin))
		return
	}

	er.txIn = ev.task.MVReadList()
	er.txOut = ev.task.MVWriteList()
	er.txAllOut = ev.task.MVFullWriteList()
	er.stat.End = uint64(time.Since(ev.begin))

	return
}

// ExecutionStat is one txn's wall-clock window within the block (spec §9
// "shard-balance reporting" / DAG.Report), measured as nanoseconds elapsed
// since the parallel run began. Only the timing of the last incarnation
// that was committed (as a success or as a per-txn terminal status) is kept.
type ExecutionStat struct {
	Start uint64
	End   uint64
}

const (
	numGoProcs          = 2
	numSpeculativeProcs = 8
)

// ParallelExecutor is the Scheduler + Worker Loop of spec §4.D/§4.E: the
// state machine that hands out Execute/Validate tasks to a fixed pool of
// worker goroutines for the duration of one block, and the loop those
// goroutines run.
type ParallelExecutor struct {
	tasks []ExecTask

	chTasks            chan ExecVersionView
	chSpeculativeTasks chan struct{}
	specTaskQueue      *SafePriorityQueue
	chSettle           chan int
	chResults          chan struct{}
	resultQueue        *SafePriorityQueue
	settleWg           sync.WaitGroup

	lastSettled int

	// skipCheck[i] is true once i has run an incarnation that is
	// guaranteed correct because every preceding txn had already committed
	// - its validation can be skipped.
	skipCheck map[int]bool

	execTasks     statusManager
	validateTasks statusManager

	cntExec, cntSuccess, cntAbort, cntTotalValidations, cntValidationFail int

	mvh      *MVHashMap
	storage  Storage
	lastTxIO *TxnInputOutput

	txIncarnations []int

	estimateDeps *estimateDepsStore

	// skipRestAt is the lowest txn index that reported ErrSkipRest, or -1 if
	// none has. It drives the LastIO truncation of spec §8's SkipRest
	// boundary case.
	skipRestAt int

	begin time.Time

	profile bool
	stats   map[int]ExecutionStat

	// numSpecWorkers is the speculative-worker pool size. 0 means "use the
	// package-wide threadsPerCounter default" - the single-executor case;
	// the Sharded Dispatcher sets this explicitly per shard to spread the
	// CPU budget across shards (spec §4.I's ceil(cpu_count/K)).
	numSpecWorkers int

	workerWg sync.WaitGroup
}

func NewParallelExecutor(tasks []ExecTask, storage Storage, profile bool, numWorkers int) *ParallelExecutor {
	numTasks := len(tasks)

	var stats map[int]ExecutionStat
	if profile {
		stats = make(map[int]ExecutionStat, numTasks)
	}

	return &ParallelExecutor{
		tasks:              tasks,
		chTasks:            make(chan ExecVersionView, numTasks),
		chSpeculativeTasks: make(chan struct{}, numTasks),
		chSettle:           make(chan int, numTasks),
		chResults:          make(chan struct{}, numTasks),
		specTaskQueue:      NewSafePriorityQueue(numTasks),
		resultQueue:        NewSafePriorityQueue(numTasks),
		lastSettled:        -1,
		skipCheck:          make(map[int]bool),
		execTasks:          makeStatusManager(numTasks),
		validateTasks:      makeStatusManager(0),
		mvh:                MakeMVHashMap(),
		storage:            storage,
		lastTxIO:           MakeTxnInputOutput(numTasks),
		txIncarnations:     make([]int, numTasks),
		estimateDeps:       newEstimateDepsStore(numTasks),
		skipRestAt:         -1,
		begin:              time.Now(),
		profile:            profile,
		stats:              stats,
		numSpecWorkers:     numWorkers,
	}
}

// Prepare seeds a cheap same-sender dependency edge for consecutive txns
// sharing a sender (a nonce conflict is near-certain) and launches the
// worker pool.
func (pe *ParallelExecutor) Prepare() {
	prevSenderTx := make(map[common.Address]int)

	for i, t := range pe.tasks {
		pe.skipCheck[i] = false
		pe.estimateDeps.init(i)

		if tx, ok := prevSenderTx[t.Sender()]; ok {
			pe.execTasks.addDependencies(tx, i)
			pe.execTasks.clearPending(i)
		}

		prevSenderTx[t.Sender()] = i
	}

	specProcs := pe.numSpecWorkers
	if specProcs <= 0 {
		specProcs = threadsPerCounter
	}

	pe.workerWg.Add(specProcs + numGoProcs)

	for i := 0; i < specProcs+numGoProcs; i++ {
		go func(procNum int) {
			defer pe.workerWg.Done()

			doWork := func(task ExecVersionView) {
				res := task.Execute()

				if res.err == nil {
					pe.mvh.FlushMVWriteSet(res.txAllOut)
				}

				pe.resultQueue.Push(res.ver.TxnIndex, res)
				pe.chResults <- struct{}{}
			}

			if procNum < specProcs {
				for range pe.chSpeculativeTasks {
					doWork(pe.specTaskQueue.Pop().(ExecVersionView))
				}
			} else {
				for task := range pe.chTasks {
					doWork(task)
				}
			}
		}(i)
	}

	pe.settleWg.Add(len(pe.tasks))

	go func() {
		for t := range pe.chSettle {
			pe.tasks[t].Settle()
			pe.settleWg.Done()
		}
	}()

	if tx := pe.execTasks.takeNextPending(); tx != -1 {
		pe.cntExec++
		pe.chTasks <- ExecVersionView{ver: Version{TxnIndex: tx, Incarnation: 0}, task: pe.tasks[tx], mvh: pe.mvh, storage: pe.storage, begin: pe.begin}
	}
}

// retryAfterAbort handles an ErrExecAbortError result: the incarnation
// suspended without completing, so it's parked on its dependency (or a
// heuristic estimate) and re-queued once that dependency clears.
func (pe *ParallelExecutor) retryAfterAbort(tx int, execErr ErrExecAbortError) {
	addedDependencies := false

	if execErr.Dependency >= 0 {
		deps := pe.estimateDeps.get(tx)
		l := len(deps)

		for l > 0 && deps[l-1] > execErr.Dependency {
			pe.execTasks.removeDependency(deps[l-1])
			deps = deps[:l-1]
			l--
		}

		pe.estimateDeps.set(tx, deps)

		addedDependencies = pe.execTasks.addDependencies(execErr.Dependency, tx)
	} else {
		deps := pe.estimateDeps.get(tx)

		estimate := 0
		if len(deps) > 0 {
			estimate = deps[len(deps)-1]
		}

		addedDependencies = pe.execTasks.addDependencies(estimate, tx)
		newEstimate := estimate + (estimate+tx)/2
		if newEstimate >= tx {
			newEstimate = tx - 1
		}

		pe.estimateDeps.set(tx, append(deps, newEstimate))
	}

	pe.execTasks.clearInProgress(tx)

	if !addedDependencies {
		pe.execTasks.pushPending(tx)
	}

	pe.txIncarnations[tx]++
	pe.cntAbort++
}

// commitSuccess folds a successful incarnation's reads/writes into LastIO
// and the versioned map, diffing against the previous incarnation's write
// set when this isn't the txn's first attempt.
func (pe *ParallelExecutor) commitSuccess(tx int, res ExecResult) {
	pe.lastTxIO.recordRead(tx, res.txIn)

	if res.ver.Incarnation == 0 {
		pe.lastTxIO.recordWrite(tx, res.txOut)
		pe.lastTxIO.recordAllWrite(tx, res.txAllOut)
	} else {
		if res.txAllOut.hasNewWrite(pe.lastTxIO.AllWriteSet(tx)) {
			pe.validateTasks.pushPendingSet(pe.execTasks.getRevalidationRange(tx + 1))
		}

		prevWrite := pe.lastTxIO.AllWriteSet(tx)

		cmpMap := make(map[Key]bool, len(res.txAllOut))
		for _, w := range res.txAllOut {
			cmpMap[w.Path] = true
		}

		for _, v := range prevWrite {
			if !cmpMap[v.Path] {
				pe.mvh.Delete(v.Path, tx)
			}
		}

		pe.lastTxIO.recordWrite(tx, res.txOut)
		pe.lastTxIO.recordAllWrite(tx, res.txAllOut)
	}

	pe.lastTxIO.recordStatus(tx, TxnSuccess, nil)
	pe.validateTasks.pushPending(tx)
	pe.execTasks.markComplete(tx)
	pe.cntSuccess++

	if pe.profile {
		pe.stats[tx] = res.stat
	}

	pe.execTasks.removeDependency(tx)
}

// commitTerminal retires a txn that ended in a VM-reported terminal status
// (Abort or SkipRest, spec §6) rather than a success or a retryable
// ErrExecAbortError: its write set is necessarily empty (the worker never
// flushes a non-nil result into the versioned map), it is never
// re-executed, and the block keeps running around it.
func (pe *ParallelExecutor) commitTerminal(tx int, res ExecResult, status TxnStatus, cause error) {
	pe.lastTxIO.recordRead(tx, res.txIn)
	pe.lastTxIO.recordWrite(tx, res.txOut)
	pe.lastTxIO.recordAllWrite(tx, res.txAllOut)
	pe.lastTxIO.recordStatus(tx, status, cause)

	pe.validateTasks.pushPending(tx)
	pe.execTasks.markComplete(tx)
	pe.cntSuccess++

	if pe.profile {
		pe.stats[tx] = res.stat
	}

	pe.execTasks.removeDependency(tx)
}

// beginSkipRest records the earliest SkipRest boundary seen so far, truncates
// the committed output at it, and retires every later txn the scheduler
// hasn't already dispatched so termination doesn't wait on work whose output
// would be dropped anyway. Txns already in flight are left to complete
// normally; their effects just fall outside the truncated output.
func (pe *ParallelExecutor) beginSkipRest(tx int) {
	if pe.skipRestAt >= 0 && tx >= pe.skipRestAt {
		return
	}

	pe.skipRestAt = tx
	pe.lastTxIO.truncate(tx)

	for i := tx + 1; i < len(pe.tasks); i++ {
		if pe.execTasks.checkInProgress(i) {
			continue
		}

		pe.execTasks.clearPending(i)
		pe.execTasks.markComplete(i)
		pe.validateTasks.markComplete(i)
	}
}

// Step folds one worker result into the scheduler state: records reads and
// writes, handles an abort-and-retry, or retires a per-txn terminal status,
// then advances validation up to the new execution frontier, settles
// anything fully validated, and dispatches the next execution/speculative
// tasks. Returns a non-nil TxIO once the block is fully executed and
// validated.
//
//nolint:gocognit
func (pe *ParallelExecutor) Step(res ExecResult) (result ParallelExecutionResult, err error) {
	tx := res.ver.TxnIndex

	switch e := res.err.(type) {
	case ErrExecAbortError:
		pe.retryAfterAbort(tx, e)
	case nil:
		pe.commitSuccess(tx, res)
	case ErrSkipRest:
		pe.commitTerminal(tx, res, TxnSkipped, nil)
		pe.beginSkipRest(tx)
	default:
		// Any other VM-reported error (e.g. ErrDeltaApplication) is a
		// per-txn Abort (spec §6/§7): only this txn's output is marked
		// aborted, and the block keeps executing around it.
		pe.commitTerminal(tx, res, TxnAborted, res.err)
	}

	maxComplete := pe.execTasks.maxAllComplete()

	toValidate := make([]int, 0, 2)

	for pe.validateTasks.minPending() <= maxComplete && pe.validateTasks.minPending() >= 0 {
		toValidate = append(toValidate, pe.validateTasks.takeNextPending())
	}

	for _, vtx := range toValidate {
		pe.cntTotalValidations++

		if pe.skipCheck[vtx] || ValidateVersion(vtx, pe.lastTxIO, pe.mvh) {
			pe.validateTasks.markComplete(vtx)
		} else {
			pe.cntValidationFail++

			for _, v := range pe.lastTxIO.AllWriteSet(vtx) {
				pe.mvh.MarkEstimate(v.Path, vtx)
			}

			pe.validateTasks.pushPendingSet(pe.execTasks.getRevalidationRange(vtx + 1))
			pe.validateTasks.clearInProgress(vtx)

			pe.execTasks.clearComplete(vtx)
			pe.execTasks.pushPending(vtx)

			pe.txIncarnations[vtx]++
		}
	}

	maxValidated := pe.validateTasks.maxAllComplete()

	for pe.lastSettled < maxValidated {
		pe.lastSettled++
		if pe.execTasks.checkInProgress(pe.lastSettled) || pe.execTasks.checkPending(pe.lastSettled) || pe.execTasks.isBlocked(pe.lastSettled) {
			pe.lastSettled--
			break
		}

		pe.chSettle <- pe.lastSettled
	}

	if pe.validateTasks.countComplete() == len(pe.tasks) && pe.execTasks.countComplete() == len(pe.tasks) {
		log.Debug("blockstm exec summary", "execs", pe.cntExec, "success", pe.cntSuccess, "aborts", pe.cntAbort,
			"validations", pe.cntTotalValidations, "failures", pe.cntValidationFail)

		close(pe.chTasks)
		close(pe.chSpeculativeTasks)
		pe.workerWg.Wait()
		close(pe.chResults)
		pe.settleWg.Wait()
		close(pe.chSettle)

		return ParallelExecutionResult{TxIO: pe.lastTxIO, MVHashMap: pe.mvh, Stats: pe.stats}, err
	}

	if pe.execTasks.minPending() != -1 && pe.execTasks.minPending() == maxValidated+1 {
		if nextTx := pe.execTasks.takeNextPending(); nextTx != -1 {
			pe.cntExec++
			pe.skipCheck[nextTx] = true
			pe.chTasks <- ExecVersionView{ver: Version{TxnIndex: nextTx, Incarnation: pe.txIncarnations[nextTx]}, task: pe.tasks[nextTx], mvh: pe.mvh, storage: pe.storage, begin: pe.begin}
		}
	}

	for pe.execTasks.minPending() != -1 {
		nextTx := pe.execTasks.takeNextPending()
		if nextTx == -1 {
			break
		}

		pe.cntExec++

		task := ExecVersionView{ver: Version{TxnIndex: nextTx, Incarnation: pe.txIncarnations[nextTx]}, task: pe.tasks[nextTx], mvh: pe.mvh, storage: pe.storage, begin: pe.begin}

		pe.specTaskQueue.Push(nextTx, task)
		pe.chSpeculativeTasks <- struct{}{}
	}

	return
}

// ParallelExecutionResult is the committed output of one block's parallel
// phase: the final LastIO table (reads/writes per txn) and the versioned
// map, which still needs to be fed through the Delta Resolver for any
// aggregator keys it touched.
type ParallelExecutionResult struct {
	TxIO      *TxnInputOutput
	MVHashMap *MVHashMap

	// Stats holds per-txn timing windows when the executor was run with
	// profiling enabled; nil otherwise. Feeds DAG.Report for shard-balance
	// analysis.
	Stats map[int]ExecutionStat
}

// PropertyCheck lets tests hook into the scheduler after every Step, to
// assert invariants (spec §8) while the block is mid-flight.
type PropertyCheck func(*ParallelExecutor) error

func executeParallelWithCheck(tasks []ExecTask, storage Storage, profile bool, numWorkers int, check PropertyCheck) (result ParallelExecutionResult, err error) {
	if len(tasks) == 0 {
		return ParallelExecutionResult{TxIO: MakeTxnInputOutput(0), MVHashMap: MakeMVHashMap()}, nil
	}

	if DetectModulePathConflict(tasks) {
		return result, ErrModulePathReadWrite{}
	}

	pe := NewParallelExecutor(tasks, storage, profile, numWorkers)
	pe.Prepare()

	for range pe.chResults {
		res := pe.resultQueue.Pop().(ExecResult)

		result, err = pe.Step(res)
		if err != nil {
			return result, err
		}

		if check != nil {
			if cerr := check(pe); cerr != nil {
				return result, cerr
			}
		}

		if result.TxIO != nil {
			return result, err
		}
	}

	return
}

// ExecuteParallel is the execute_transactions_parallel entry point of
// spec §6, using the package-wide default worker count.
func ExecuteParallel(tasks []ExecTask, storage Storage, profile bool) (ParallelExecutionResult, error) {
	return executeParallelWithCheck(tasks, storage, profile, 0, nil)
}

// ExecuteParallelWithWorkers is ExecuteParallel with an explicit speculative
// worker-pool size, used by the Sharded Dispatcher to give each shard
// ceil(cpu_count/numShards) workers instead of the package-wide default.
func ExecuteParallelWithWorkers(tasks []ExecTask, storage Storage, profile bool, numWorkers int) (ParallelExecutionResult, error) {
	return executeParallelWithCheck(tasks, storage, profile, numWorkers, nil)
}
