package blockstm

import "github.com/heimdalr/dag"

// Partitioner is the polymorphic capability of spec §4.H/§9: partition
// splits an ordered sequence of tasks into numShards groups, covering every
// input exactly once, in a way that's deterministic for a given input.
type Partitioner interface {
	Partition(tasks []ExecTask, numShards int) [][]ExecTask
}

// UniformPartitioner is the default for blocks with no usable hints: a
// straight contiguous split preserving input order within each shard.
type UniformPartitioner struct{}

func (UniformPartitioner) Partition(tasks []ExecTask, numShards int) [][]ExecTask {
	if numShards <= 0 {
		numShards = 1
	}

	shards := make([][]ExecTask, numShards)

	if len(tasks) == 0 {
		return shards
	}

	base := len(tasks) / numShards
	rem := len(tasks) % numShards

	start := 0

	for i := 0; i < numShards; i++ {
		size := base
		if i < rem {
			size++
		}

		shards[i] = tasks[start : start+size]
		start += size
	}

	return shards
}

// DependencyAwarePartitioner builds the conflict graph of spec §4.H from
// each task's declared read/write hints (HintedTask) and greedily assigns
// whole connected components to shards, so that two transactions that would
// conflict land in the same shard instead of being forced to false-serialize
// across shard boundaries. Tasks that don't implement HintedTask are treated
// as having no hints: each forms its own single-task component.
type DependencyAwarePartitioner struct{}

func (DependencyAwarePartitioner) Partition(tasks []ExecTask, numShards int) [][]ExecTask {
	if numShards <= 0 {
		numShards = 1
	}

	shards := make([][]ExecTask, numShards)

	if len(tasks) == 0 {
		return shards
	}

	comp := connectedComponents(tasks)

	groups := make(map[int][]int) // component root -> task indices
	for idx, root := range comp {
		groups[root] = append(groups[root], idx)
	}

	// Assign components, by descending size, each to the currently
	// least-loaded shard, a simple greedy balance: biggest groups go first
	// so no shard starves while another hoards every conflicting chain.
	// Roots are collected in order of each component's lowest task index so
	// the result does not depend on map iteration order.
	roots := make([]int, 0, len(groups))
	for idx, root := range comp {
		if groups[root][0] == idx {
			roots = append(roots, root)
		}
	}

	sortDescBySize(roots, groups)

	load := make([]int, numShards)

	for _, r := range roots {
		target := 0
		for i := 1; i < numShards; i++ {
			if load[i] < load[target] {
				target = i
			}
		}

		for _, idx := range groups[r] {
			shards[target] = append(shards[target], tasks[idx])
		}

		load[target] += len(groups[r])
	}

	return shards
}

// connectedComponents builds the undirected conflict graph (spec §4.H note:
// "implementations may emit an undirected conflict graph") over hinted keys
// via a union-find, and returns each task's component root index.
func connectedComponents(tasks []ExecTask) []int {
	parent := make([]int, len(tasks))
	for i := range parent {
		parent[i] = i
	}

	var find func(int) int
	find = func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}

		return x
	}

	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[ra] = rb
		}
	}

	writers := make(map[Key][]int)
	readers := make(map[Key][]int)

	for i, t := range tasks {
		ht, ok := t.(HintedTask)
		if !ok {
			continue
		}

		for _, k := range ht.WriteHints() {
			writers[k] = append(writers[k], i)
		}

		for _, k := range ht.ReadHints() {
			readers[k] = append(readers[k], i)
		}
	}

	for k, ws := range writers {
		for _, w := range ws {
			union(w, w)

			for _, r := range readers[k] {
				union(w, r)
			}

			for _, w2 := range ws {
				union(w, w2)
			}
		}
	}

	roots := make([]int, len(tasks))
	for i := range tasks {
		roots[i] = find(i)
	}

	return roots
}

func sortDescBySize(roots []int, groups map[int][]int) {
	for i := 1; i < len(roots); i++ {
		j := i
		for j > 0 && len(groups[roots[j-1]]) < len(groups[roots[j]]) {
			roots[j-1], roots[j] = roots[j], roots[j-1]
			j--
		}
	}
}

// BuildConflictDAG exposes hinted read-after-write conflicts as a *dag.DAG,
// for callers that want to inspect or report on the conflict graph directly
// (e.g. shard-balance tooling) rather than just receive the partitioned
// shards. It has an edge w -> i for every earlier task w that write-hints a
// key task i read-hints; write-write conflicts and a read followed by a later
// write, which DependencyAwarePartitioner also groups, get no edge.
func BuildConflictDAG(tasks []ExecTask) *dag.DAG {
	d := dag.NewDAG()
	ids := make([]string, len(tasks))

	for i := range tasks {
		id, _ := d.AddVertex(i)
		ids[i] = id
	}

	writers := make(map[Key][]int)

	for i, t := range tasks {
		if ht, ok := t.(HintedTask); ok {
			for _, k := range ht.WriteHints() {
				writers[k] = append(writers[k], i)
			}
		}
	}

	for i, t := range tasks {
		ht, ok := t.(HintedTask)
		if !ok {
			continue
		}

		for _, k := range ht.ReadHints() {
			for _, w := range writers[k] {
				if w < i {
					_ = d.AddEdge(ids[w], ids[i])
				}
			}
		}
	}

	return d
}
