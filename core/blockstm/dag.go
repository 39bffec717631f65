package blockstm

import (
	"fmt"
	"strings"
	"time"

	"github.com/heimdalr/dag"

	"github.com/ethereum/go-ethereum/log"
)

// DAG wraps a committed block's txn dependency graph: an edge i -> j means
// txn j's committed read-set overlaps a key txn i wrote, so j could not
// have started ahead of i even under unlimited parallelism. Built from the
// final LastIO table after a block finishes, purely for shard-balance
// diagnostics - the scheduler itself never constructs one.
type DAG struct {
	*dag.DAG
}

// readsIntersectWrites reports whether txTo's read-set overlaps txFrom's
// write-set: a genuine read-after-write dependency between two committed
// incarnations.
func readsIntersectWrites(txFrom TxnOutput, txTo TxnInput) bool {
	reads := make(map[Key]bool, len(txTo))

	for _, rd := range txTo {
		reads[rd.Path] = true
	}

	for _, wd := range txFrom {
		if reads[wd.Path] {
			return true
		}
	}

	return false
}

// BuildDependencyDAG derives the forward dependency graph of a committed
// block from its LastIO table: an edge from every earlier txn to a later
// one whose read-set it fed. Every txn is a vertex, including txns with no
// edges. Feeds LongestPath/Report below.
func BuildDependencyDAG(io TxnInputOutput) DAG {
	d := DAG{dag.NewDAG()}
	ids := make(map[int]string, len(io.inputs))

	vertex := func(i int) string {
		if id, ok := ids[i]; ok {
			return id
		}

		id, _ := d.AddVertex(i)
		ids[i] = id

		return id
	}

	for i := range io.inputs {
		vertex(i)
	}

	for i := len(io.inputs) - 1; i > 0; i-- {
		txTo := io.inputs[i]

		for j := i - 1; j >= 0; j-- {
			if readsIntersectWrites(io.allOutputs[j], txTo) {
				if err := d.AddEdge(vertex(j), vertex(i)); err != nil {
					log.Warn("blockstm dag: failed to add dependency edge", "from", j, "to", i, "err", err)
				}
			}
		}
	}

	return d
}

// DependencyMap returns, per txn index, every earlier txn whose committed
// write-set overlaps its read-set (not only the nearest writer it actually
// read from) - the same edges BuildDependencyDAG encodes, in adjacency-list
// form for callers that want the raw relation without DAG traversal.
func DependencyMap(io TxnInputOutput) map[int][]int {
	deps := make(map[int][]int)

	for i := len(io.inputs) - 1; i > 0; i-- {
		txTo := io.inputs[i]

		for j := i - 1; j >= 0; j-- {
			if readsIntersectWrites(io.allOutputs[j], txTo) {
				deps[i] = append(deps[i], j)
			}
		}
	}

	return deps
}

// LongestPath finds the critical path through the dependency DAG, weighted
// by each txn's measured execution window (spec §9's shard-balance
// reporting): the chain of transactions that bounds the block's wall-clock
// time no matter how many workers are available, because each one in the
// chain can only start once its predecessor commits.
func (d DAG) LongestPath(stats map[int]ExecutionStat) ([]int, uint64) {
	vertices := d.GetVertices()

	idxToID := make(map[int]string, len(vertices))
	for id, v := range vertices {
		idxToID[v.(int)] = id
	}

	prev := make(map[int]int, len(vertices))
	weight := make(map[int]uint64, len(vertices))

	best, bestWeight := 0, uint64(0)

	for i := 0; i < len(idxToID); i++ {
		prev[i] = -1

		parents, _ := d.GetParents(idxToID[i])

		own := stats[i].End - stats[i].Start

		if len(parents) == 0 {
			weight[i] = own
		} else {
			for _, p := range parents {
				pi := p.(int)
				if w := weight[pi] + own; w > weight[i] {
					weight[i] = w
					prev[i] = pi
				}
			}
		}

		if weight[i] > bestWeight {
			best, bestWeight = i, weight[i]
		}
	}

	path := make([]int, 0, len(idxToID))
	for i := best; i != -1; i = prev[i] {
		path = append(path, i)
	}

	for l, r := 0, len(path)-1; l < r; l, r = l+1, r-1 {
		path[l], path[r] = path[r], path[l]
	}

	return path, bestWeight
}

// Report writes a human-readable shard-balance summary to out: the longest
// dependency chain in the block and how much of the block's total serial
// execution time it accounts for.
func (d DAG) Report(stats map[int]ExecutionStat, out func(string)) {
	longestPath, weight := d.LongestPath(stats)

	var serialWeight uint64
	for i := 0; i < len(d.GetVertices()); i++ {
		serialWeight += stats[i].End - stats[i].Start
	}

	steps := make([]string, len(longestPath))
	for i, v := range longestPath {
		steps[i] = fmt.Sprint(v)
	}

	out("Longest execution path:")
	out(fmt.Sprintf("(%v) %v", len(longestPath), strings.Join(steps, "->")))

	pct := float64(weight) * 100.0 / float64(serialWeight)
	out(fmt.Sprintf("Longest path ideal execution time: %v of %v (serial total), %.1f%%",
		time.Duration(weight), time.Duration(serialWeight), pct))
}

// ReportShardBalance builds the dependency DAG for a completed run and
// writes its shard-balance report to out. A no-op if the run wasn't
// profiled (Stats is nil) or produced no TxIO.
func (r ParallelExecutionResult) ReportShardBalance(out func(string)) {
	if r.Stats == nil || r.TxIO == nil {
		return
	}

	BuildDependencyDAG(*r.TxIO).Report(r.Stats, out)
}
