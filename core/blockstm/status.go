package blockstm

import "sync"

// statusManager tracks one dimension of scheduler state (spec §4.D) over a
// fixed-size block: which txn indices are pending, in progress, or complete,
// plus the dependency wake-up graph for txns parked on a blocking txn. The
// ParallelExecutor keeps two independent instances - one for execution, one
// for validation - cross-referencing each other's completion state.
type statusManager struct {
	mu sync.Mutex

	pending    []int // sorted, ascending, deduped
	inProgress map[int]bool
	complete   []int // sorted, ascending, deduped

	blocked    map[int]bool
	dependency map[int][]int // blocking txn -> waiters
}

func makeStatusManager(numTasks int) statusManager {
	s := statusManager{
		inProgress: make(map[int]bool, numTasks),
		blocked:    make(map[int]bool),
		dependency: make(map[int][]int),
	}

	for i := 0; i < numTasks; i++ {
		s.pending = append(s.pending, i)
	}

	return s
}

func (s *statusManager) takeNextPending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return -1
	}

	x := s.pending[0]
	s.pending = s.pending[1:]
	s.inProgress[x] = true

	return x
}

func (s *statusManager) pushPending(tx int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pushPendingLocked(tx)
}

func (s *statusManager) pushPendingLocked(tx int) {
	delete(s.inProgress, tx)
	s.complete = removeFromList(s.complete, tx)
	s.pending = insertInList(s.pending, tx)
}

func (s *statusManager) pushPendingSet(txs []int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tx := range txs {
		s.pushPendingLocked(tx)
	}
}

func (s *statusManager) markComplete(tx int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.inProgress, tx)
	s.complete = insertInList(s.complete, tx)
}

func (s *statusManager) clearComplete(tx int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.complete = removeFromList(s.complete, tx)
}

func (s *statusManager) clearInProgress(tx int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.inProgress, tx)
}

func (s *statusManager) clearPending(tx int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = removeFromList(s.pending, tx)
}

func (s *statusManager) checkInProgress(tx int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inProgress[tx]
}

func (s *statusManager) checkPending(tx int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := floorOrEqual(s.pending, tx)

	return ok
}

func (s *statusManager) isBlocked(tx int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.blocked[tx]
}

func (s *statusManager) minPending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return -1
	}

	return s.pending[0]
}

func (s *statusManager) countComplete() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.complete)
}

// maxAllComplete returns the largest k such that every index in [0, k] is
// complete (the contiguous settle frontier), or -1 if 0 itself isn't
// complete yet.
func (s *statusManager) maxAllComplete() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.maxAllCompleteLocked()
}

func (s *statusManager) maxAllCompleteLocked() int {
	want := 0
	max := -1

	for _, v := range s.complete {
		if v == want {
			max = want
			want++
		} else if v > want {
			break
		}
	}

	return max
}

// getRevalidationRange returns the complete indices in [from, maxAllComplete()],
// i.e. the txns that have already executed and now need re-validation
// because something upstream of them changed.
func (s *statusManager) getRevalidationRange(from int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	max := s.maxAllCompleteLocked()

	out := make([]int, 0, len(s.complete))

	for _, v := range s.complete {
		if v >= from && v <= max {
			out = append(out, v)
		}
	}

	return out
}

// addDependencies registers waiting as blocked on blocking. Returns false
// (no dependency recorded) if blocking has already completed by the time
// this call takes the lock, so waiting is never parked on a txn that will
// not wake it. The caller (retryAfterAbort) then puts waiting straight back
// on pending for a new incarnation; the aborted incarnation is not resumed.
func (s *statusManager) addDependencies(blocking, waiting int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := floorOrEqual(s.complete, blocking); ok {
		return false
	}

	s.dependency[blocking] = append(s.dependency[blocking], waiting)
	s.blocked[waiting] = true

	return true
}

// removeDependency wakes every txn waiting on tx: moves them out of blocked
// and back onto pending. Called once tx finishes executing.
func (s *statusManager) removeDependency(tx int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	waiters := s.dependency[tx]
	delete(s.dependency, tx)

	for _, w := range waiters {
		delete(s.blocked, w)
		s.pushPendingLocked(w)
	}
}

func floorOrEqual(sorted []int, v int) (int, bool) {
	lo, hi := 0, len(sorted)

	for lo < hi {
		mid := (lo + hi) / 2
		if sorted[mid] < v {
			lo = mid + 1
		} else {
			hi = mid
		}
	}

	if lo < len(sorted) && sorted[lo] == v {
		return v, true
	}

	return 0, false
}
