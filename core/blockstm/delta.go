package blockstm

import "github.com/holiman/uint256"

// foldDeltas is the fold of spec §4.G/§8: apply ops in order against base,
// saturating at bound: a step that would exceed bound stops the fold and
// returns bound with overflow set (nil bound means unbounded above, but the
// fold still reports underflow below zero). Shared by the live view (peeking at the
// accumulated value mid-block) and the post-block DeltaResolver.
func foldDeltas(base *uint256.Int, ops []DeltaOp, bound *uint256.Int) (result *uint256.Int, overflow, underflow bool) {
	acc := new(uint256.Int).Set(base)

	for _, op := range ops {
		mag := op.magnitude()

		if op.isAdd() {
			sum := new(uint256.Int)
			if _, ovf := sum.AddOverflow(acc, mag); ovf {
				return acc, true, false
			}

			if bound != nil && sum.Cmp(bound) > 0 {
				return new(uint256.Int).Set(bound), true, false
			}

			acc = sum
		} else {
			diff := new(uint256.Int)
			if _, ovf := diff.SubOverflow(acc, mag); ovf {
				return acc, false, true
			}

			acc = diff
		}
	}

	return acc, false, false
}

// BaseValueResult is the post-block base lookup for one aggregator key: the
// value storage held before this block, or an error/absence.
type BaseValueResult struct {
	Value   *uint256.Int
	Present bool
	Err     error
}

// ResolvedValue is one aggregator key's final, folded value.
type ResolvedValue struct {
	Value     *uint256.Int
	Overflow  bool
	Underflow bool
}

// DeltaResolver is component G: it finalizes every aggregator key's deltas,
// recorded in the versioned map during the parallel phase, against a
// post-block base value.
type DeltaResolver struct {
	mvh    *MVHashMap
	bounds map[Key]*uint256.Int
}

func NewDeltaResolver(mvh *MVHashMap) *DeltaResolver {
	return &DeltaResolver{mvh: mvh, bounds: make(map[Key]*uint256.Int)}
}

// SetBound declares the saturation bound for an aggregator key. Keys with no
// declared bound fold unbounded above (spec's "bound ∈ {u128::MAX, ...}").
func (r *DeltaResolver) SetBound(key Key, bound *uint256.Int) {
	r.bounds[key] = bound
}

// Resolve implements the DeltaResolver.resolve interface of spec §6:
// resolve(base_map, txn_count) -> {K -> Value}.
func (r *DeltaResolver) Resolve(baseMap map[Key]BaseValueResult, txnCount int) map[Key]ResolvedValue {
	out := make(map[Key]ResolvedValue, len(baseMap))

	for key, baseRes := range baseMap {
		base := uint256.NewInt(0)
		if baseRes.Err == nil && baseRes.Present && baseRes.Value != nil {
			base = baseRes.Value
		}

		ops, _ := r.mvh.readDeltaChain(key, txnCount)

		bound := r.bounds[key]

		value, overflow, underflow := foldDeltas(base, ops, bound)
		out[key] = ResolvedValue{Value: value, Overflow: overflow, Underflow: underflow}
	}

	return out
}

// CollectAggregatorKeys scans committed output for every key any txn wrote
// as a Delta, for callers that need to build the base_map passed to
// Resolve without tracking aggregator keys themselves.
func CollectAggregatorKeys(io *TxnInputOutput) []Key {
	seen := make(map[Key]bool)

	var keys []Key

	for _, out := range io.allOutputs {
		for _, w := range out {
			if w.Value.IsDelta() && !seen[w.Path] {
				seen[w.Path] = true

				keys = append(keys, w.Path)
			}
		}
	}

	return keys
}
