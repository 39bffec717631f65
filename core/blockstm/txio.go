package blockstm

// ReadKind classifies where a logged read was actually satisfied from.
type ReadKind int

const (
	ReadKindMap ReadKind = iota
	ReadKindStorage
	ReadKindDelta
)

// ReadDescriptor is the Read-Set Log entry of spec §4.B: a (key, source)
// pair as observed by one incarnation. V is meaningful when Kind ==
// ReadKindMap; DeltaAccum holds the materialized integer when Kind ==
// ReadKindDelta.
type ReadDescriptor struct {
	Path Key
	Kind ReadKind
	V    Version

	// DeltaAccum is the materialized value the VM observed (base folded
	// with every prior delta); DeltaSum is the raw sum of those deltas
	// alone, used by validation to detect a changed chain without needing
	// the base value. Both are only meaningful when Kind == ReadKindDelta.
	DeltaAccum uint64
	DeltaSum   int64
}

// WriteDescriptor is one write (or delta) an incarnation produced.
type WriteDescriptor struct {
	Path  Key
	V     Version
	Value Value
}

type TxnInput []ReadDescriptor
type TxnOutput []WriteDescriptor

// hasNewWrite reports whether txo contains a key absent from cmpSet - used
// by the scheduler to decide whether a re-executed incarnation must trigger
// revalidation of downstream txns (spec §4.D finish_execution).
func (txo TxnOutput) hasNewWrite(cmpSet []WriteDescriptor) bool {
	if len(txo) == 0 {
		return false
	} else if len(cmpSet) == 0 || len(txo) > len(cmpSet) {
		return true
	}

	cmpMap := make(map[Key]bool, len(cmpSet))
	for _, w := range cmpSet {
		cmpMap[w.Path] = true
	}

	for _, w := range txo {
		if !cmpMap[w.Path] {
			return true
		}
	}

	return false
}

// TxnStatus is the terminal per-txn outcome of the spec §6 VM task contract:
// `Success`, `Abort{cause}`, or `SkipRest`. It is recorded in the LastIO
// table alongside a txn's reads/writes so a VM-reported failure flows into
// the committed output instead of failing the whole block (spec §7: "per-txn
// errors are recorded in LastIO and flow to the committed output").
type TxnStatus int

const (
	TxnSuccess TxnStatus = iota
	TxnAborted
	TxnSkipped
)

func (s TxnStatus) String() string {
	switch s {
	case TxnAborted:
		return "aborted"
	case TxnSkipped:
		return "skipped"
	default:
		return "success"
	}
}

// TxnInputOutput is the LastIO Table of spec §4.C: per txn, the most
// recently completed incarnation's reads, checked writes and full writes.
type TxnInputOutput struct {
	inputs     []TxnInput
	outputs    []TxnOutput // write sets that should be checked during validation
	allOutputs []TxnOutput // entire write sets in the MVHashMap; allOutputs is always a superset of outputs
	statuses   []TxnStatus
	causes     []error

	// committed is the length of the committed output prefix. It equals
	// len(inputs) unless some txn requested SkipRest, in which case it is
	// that txn's index + 1 - spec §8's "outputs length k+1" boundary case.
	committed int
}

func MakeTxnInputOutput(numTx int) *TxnInputOutput {
	return &TxnInputOutput{
		inputs:     make([]TxnInput, numTx),
		outputs:    make([]TxnOutput, numTx),
		allOutputs: make([]TxnOutput, numTx),
		statuses:   make([]TxnStatus, numTx),
		causes:     make([]error, numTx),
		committed:  numTx,
	}
}

func (io *TxnInputOutput) ReadSet(txn TxnIndex) []ReadDescriptor { return io.inputs[txn] }

func (io *TxnInputOutput) WriteSet(txn TxnIndex) []WriteDescriptor { return io.outputs[txn] }

func (io *TxnInputOutput) AllWriteSet(txn TxnIndex) []WriteDescriptor { return io.allOutputs[txn] }

// Status reports a txn's terminal outcome. Zero-valued (TxnSuccess) for any
// txn that hasn't had recordStatus called on it yet.
func (io *TxnInputOutput) Status(txn TxnIndex) TxnStatus { return io.statuses[txn] }

// Cause is the VM-reported error behind a TxnAborted status, or nil.
func (io *TxnInputOutput) Cause(txn TxnIndex) error { return io.causes[txn] }

// Len is the length of the committed output prefix: len(inputs) unless a
// SkipRest truncated it. Callers iterating committed output should bound on
// this rather than the full task count.
func (io *TxnInputOutput) Len() int { return io.committed }

func (io *TxnInputOutput) recordRead(txn TxnIndex, input []ReadDescriptor) { io.inputs[txn] = input }

func (io *TxnInputOutput) recordWrite(txn TxnIndex, output []WriteDescriptor) {
	io.outputs[txn] = output
}

func (io *TxnInputOutput) recordAllWrite(txn TxnIndex, output []WriteDescriptor) {
	io.allOutputs[txn] = output
}

func (io *TxnInputOutput) recordStatus(txn TxnIndex, status TxnStatus, cause error) {
	io.statuses[txn] = status
	io.causes[txn] = cause
}

// truncate marks tx as the last committed index; every later txn drops out
// of the committed output regardless of whether it already ran
// speculatively. A later, larger tx is a no-op - the earliest SkipRest wins.
func (io *TxnInputOutput) truncate(tx int) {
	if tx+1 < io.committed {
		io.committed = tx + 1
	}
}

// HintedTask is implemented by ExecTasks that can declare their read/write
// sets ahead of execution. It powers the module-path conflict check
// (mvhashmap.go) and the Dependency Partitioner and BuildConflictDAG
// (partition.go).
// Plain ExecTasks that don't implement it simply opt out of both - the
// scheduler itself never requires hints.
type HintedTask interface {
	ReadHints() []Key
	WriteHints() []Key
}
