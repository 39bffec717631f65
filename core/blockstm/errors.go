package blockstm

import "fmt"

// ErrExecAbortError signals that an incarnation must stop immediately because
// a read observed a dependency on a transaction that has not finished (or an
// Estimate left over from an aborted one). Dependency is -1 when no specific
// blocking txn could be identified (e.g. a heuristic abort).
type ErrExecAbortError struct {
	Dependency int
}

func (e ErrExecAbortError) Error() string {
	if e.Dependency >= 0 {
		return fmt.Sprintf("execution aborted due to dependency on txn %d", e.Dependency)
	}

	return "execution aborted"
}

// ErrModulePathReadWrite is returned by the parallel entry points when a
// block both reads and writes a Module-kind key. Per spec §4.A this rejects
// the whole parallel run; the caller is expected to fall back to
// execute_transactions_sequential.
type ErrModulePathReadWrite struct{}

func (ErrModulePathReadWrite) Error() string {
	return "block reads and writes a module path; rejecting parallel execution"
}

// ErrDeltaApplication reports that folding a DeltaOp against its resolved
// base would violate the aggregator's declared bound (over the top) or go
// negative (underflow).
type ErrDeltaApplication struct {
	Key       Key
	Overflow  bool
	Underflow bool
}

func (e ErrDeltaApplication) Error() string {
	switch {
	case e.Overflow:
		return fmt.Sprintf("delta application overflow at %s", e.Key)
	case e.Underflow:
		return fmt.Sprintf("delta application underflow at %s", e.Key)
	default:
		return fmt.Sprintf("delta application error at %s", e.Key)
	}
}

// ErrSkipRest is the spec §6 `Transaction::SkipRest` terminal marker: the
// returning txn stays in the committed output with a skipped status, and
// every txn after it in block order is dropped from it (spec §8: "SkipRest
// at index k -> outputs length k+1").
// It is not an execution failure - the scheduler keeps running, it just
// stops admitting new txns past the boundary.
type ErrSkipRest struct{}

func (ErrSkipRest) Error() string { return "transaction requested skip-rest" }

// ErrInvariantViolation marks a scheduler or versioned-map invariant breach.
// It is unrecoverable: callers should treat it as a bug, not a retryable
// condition.
type ErrInvariantViolation struct {
	Detail string
}

func (e ErrInvariantViolation) Error() string {
	return fmt.Sprintf("blockstm invariant violation: %s", e.Detail)
}
