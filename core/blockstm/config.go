package blockstm

import (
	"runtime"
	"sync"
)

// threadsPerCounter mirrors the teacher's fixed numGoProcs/numSpeculativeProcs
// split, but lets a host process raise it once at startup - spec §9's
// THREADS_PER_COUNTER design note generalized into a real set-once knob
// rather than a package-level var anyone can mutate mid-run.
var (
	threadsPerCounterOnce sync.Once
	threadsPerCounter     = numSpeculativeProcs
)

// SetThreadsPerCounter overrides the number of speculative worker goroutines
// the ParallelExecutor pool runs. Non-positive values are ignored; only the
// first call with a positive value takes effect, and later calls are no-ops.
// Meant to be called once during process init, before any
// block is executed in parallel.
func SetThreadsPerCounter(n int) {
	if n <= 0 {
		return
	}

	threadsPerCounterOnce.Do(func() {
		threadsPerCounter = n
	})
}

// defaultShardWorkers returns the number of worker goroutines a single shard
// should run when the caller doesn't specify one: the host's CPU budget
// spread evenly across shards, floored at 1.
func defaultShardWorkers(numShards int) int {
	if numShards <= 0 {
		numShards = 1
	}

	n := (runtime.NumCPU() + numShards - 1) / numShards
	if n < 1 {
		n = 1
	}

	return n
}
