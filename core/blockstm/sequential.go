package blockstm

// ExecuteSequential is the execute_transactions_sequential entry point of
// spec §6: the oracle/fallback path. It runs every task in block order, one
// incarnation each, feeding writes through the same MVHashMap/view plumbing
// the parallel path uses so the two are directly comparable - per spec §8's
// equivalence invariant, a parallel run must match this, txn-by-txn,
// including which txns land as Success/Abort/SkipRest.
//
// Unlike the parallel path there is no abort-and-retry: a sequential
// ErrExecAbortError can only mean a task tried to read ahead of its own
// position, which never happens when txns run strictly in order, so that
// error is surfaced directly to the caller as a hard failure. Any other
// VM-reported error is a per-txn Abort (spec §6/§7): it's recorded against
// that txn alone and the run continues. SkipRest truncates the committed
// output at its txn and stops the run.
func ExecuteSequential(tasks []ExecTask, storage Storage) (ParallelExecutionResult, error) {
	mvh := MakeMVHashMap()
	io := MakeTxnInputOutput(len(tasks))

	for i, task := range tasks {
		view := NewMVHashMapView(mvh, storage, i)

		err := task.Execute(view, 0)

		switch e := err.(type) {
		case nil:
			io.recordRead(i, view.ReadSet())
			io.recordWrite(i, task.MVWriteList())
			io.recordAllWrite(i, task.MVFullWriteList())
			io.recordStatus(i, TxnSuccess, nil)

			mvh.FlushMVWriteSet(task.MVFullWriteList())
		case ErrExecAbortError:
			return ParallelExecutionResult{}, e
		case ErrSkipRest:
			io.recordRead(i, view.ReadSet())
			io.recordStatus(i, TxnSkipped, nil)
			io.truncate(i)

			return ParallelExecutionResult{TxIO: io, MVHashMap: mvh}, nil
		default:
			io.recordRead(i, view.ReadSet())
			io.recordStatus(i, TxnAborted, err)
		}
	}

	return ParallelExecutionResult{TxIO: io, MVHashMap: mvh}, nil
}
