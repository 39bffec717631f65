package blockstm

import lru "github.com/hashicorp/golang-lru"

// estimateDepsThreshold is the block size above which the scheduler backs
// its per-txn estimate-dependency chains with a bounded ARC cache instead of
// a plain map, per spec §9's THREADS_PER_COUNTER-adjacent memory-pressure
// note: estimate chains are a re-derivable heuristic, so evicting the
// coldest ones under a very large block is safe - a cache miss just costs a
// wider dependency guess on the next abort, never incorrect output.
const estimateDepsThreshold = 4096

// estimateDepsStore holds each txn's growing list of estimated blocking
// indices (ParallelExecutor.estimateDeps). Small blocks get an exact,
// unbounded map; blocks past estimateDepsThreshold get an ARC cache so a
// pathologically large block can't pin unbounded memory in the estimate
// machinery.
type estimateDepsStore struct {
	plain map[int][]int
	cache *lru.ARCCache
}

func newEstimateDepsStore(numTasks int) *estimateDepsStore {
	if numTasks <= estimateDepsThreshold {
		return &estimateDepsStore{plain: make(map[int][]int, numTasks)}
	}

	c, err := lru.NewARC(estimateDepsThreshold)
	if err != nil {
		// Only returns an error for a non-positive size, which
		// estimateDepsThreshold never is.
		return &estimateDepsStore{plain: make(map[int][]int, numTasks)}
	}

	return &estimateDepsStore{cache: c}
}

func (s *estimateDepsStore) get(tx int) []int {
	if s.plain != nil {
		return s.plain[tx]
	}

	v, ok := s.cache.Get(tx)
	if !ok {
		return nil
	}

	return v.([]int)
}

func (s *estimateDepsStore) set(tx int, deps []int) {
	if s.plain != nil {
		s.plain[tx] = deps
		return
	}

	s.cache.Add(tx, deps)
}

func (s *estimateDepsStore) init(tx int) {
	if s.get(tx) == nil {
		s.set(tx, make([]int, 0))
	}
}
