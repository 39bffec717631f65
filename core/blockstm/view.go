package blockstm

import "github.com/holiman/uint256"

// Storage is the read-only base view external collaborators hand the
// executor (spec §6): a plain key/value getter plus an aggregator base
// lookup for Delta keys.
type Storage interface {
	Get(key Key) ([]byte, bool)
	AggregatorBase(key Key) *uint256.Int
}

// MVHashMapView is the VM Adapter of spec §4.F: the read-through view given
// to an ExecTask's Execute method. Every read is routed through the
// versioned map (falling back to Storage on a miss) and logged into the
// read-set, which the scheduler later replays during validation.
type MVHashMapView struct {
	mvh     *MVHashMap
	storage Storage
	txn     TxnIndex
	reads   []ReadDescriptor
}

func NewMVHashMapView(mvh *MVHashMap, storage Storage, txn TxnIndex) *MVHashMapView {
	return &MVHashMapView{mvh: mvh, storage: storage, txn: txn}
}

// Read resolves a plain (non-aggregator) key. A Dependency result from the
// versioned map is surfaced as ErrExecAbortError, which the worker loop
// treats as an immediate, uncompleted abort of the current incarnation -
// the "suspension signal" of spec §4.F.
func (v *MVHashMapView) Read(key Key) ([]byte, error) {
	res := v.mvh.Read(key, v.txn)

	switch res.Status() {
	case MVReadResultDependency:
		return nil, ErrExecAbortError{Dependency: res.DepIdx()}
	case MVReadResultNone:
		val, ok := v.storage.Get(key)
		v.reads = append(v.reads, ReadDescriptor{Path: key, Kind: ReadKindStorage})

		if !ok {
			return nil, nil
		}

		return val, nil
	default: // MVReadResultDone
		v.reads = append(v.reads, ReadDescriptor{
			Path: key,
			Kind: ReadKindMap,
			V:    Version{TxnIndex: res.DepIdx(), Incarnation: res.Incarnation()},
		})

		if res.Value().IsDelete() {
			return nil, nil
		}

		return res.Value().Bytes(), nil
	}
}

// ReadAggregator resolves a Delta (aggregator) key: folds every prior delta
// recorded below txn against the storage base plus op, the delta this
// incarnation is about to apply, enforcing bound. A Delta entry flagged
// Estimate surfaces the same dependency-abort signal as Read. A fold that
// would overflow or underflow the bound aborts the incarnation with
// ErrDeltaApplication (spec §4.F/§7): the VM observes the materialized
// integer only when the composition, including its own pending write,
// stays within bound - spec §8 scenario 6 requires the txn that would push
// the fold past the bound to see the overflow on its own read, not the next
// one.
func (v *MVHashMapView) ReadAggregator(key Key, op DeltaOp, bound *uint256.Int) (*uint256.Int, error) {
	ops, estimateDep := v.mvh.readDeltaChain(key, v.txn)
	if estimateDep >= 0 {
		return nil, ErrExecAbortError{Dependency: estimateDep}
	}

	base := v.storage.AggregatorBase(key)

	candidate := make([]DeltaOp, len(ops), len(ops)+1)
	copy(candidate, ops)
	candidate = append(candidate, op)

	result, overflow, underflow := foldDeltas(base, candidate, bound)
	if overflow || underflow {
		return nil, ErrDeltaApplication{Key: key, Overflow: overflow, Underflow: underflow}
	}

	// DeltaSum only covers the chain below txn: validate.go re-derives it to
	// detect whether that chain changed, which has nothing to do with this
	// incarnation's own pending op.
	var priorSum int64
	for _, o := range ops {
		priorSum += o.Delta
	}

	v.reads = append(v.reads, ReadDescriptor{Path: key, Kind: ReadKindDelta, DeltaAccum: result.Uint64(), DeltaSum: priorSum})

	return result, nil
}

// ReadSet returns everything this view has logged so far. Taken by the
// worker loop once Execute returns, to populate the Read-Set Log (spec §4.B).
func (v *MVHashMapView) ReadSet() []ReadDescriptor { return v.reads }
