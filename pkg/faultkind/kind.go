// Package faultkind enumerates the failure kinds an attempt can end with
// and what the stage scheduler owes each one (spec §7). It replaces the
// throw-to-fail-query control flow the source uses with a typed value
// threaded through ordinary return values (spec §9).
package faultkind

// Kind classifies why a task attempt failed.
type Kind string

const (
	// UserError is a plan or input error. Never retried.
	UserError Kind = "USER_ERROR"
	// TransientWorkerFailure covers network blips, process crashes, and
	// lost nodes. Retriable, counted against both retry budgets.
	TransientWorkerFailure Kind = "TRANSIENT_WORKER_FAILURE"
	// OutOfMemory is a worker OOM. Retriable; the memory estimator must
	// return a strictly larger estimate on the next attempt.
	OutOfMemory Kind = "OUT_OF_MEMORY"
	// NodeAllocationStarvation is not a failure at all — it models a
	// lease that never resolves. It never reaches the retry protocol.
	NodeAllocationStarvation Kind = "NODE_ALLOCATION_STARVATION"
	// StorageOverflow is a task-descriptor-storage capacity breach. Not
	// retriable; fails the query.
	StorageOverflow Kind = "STORAGE_OVERFLOW"
	// InvariantViolation is a scheduler-internal bug. Uncounted but
	// fatal: the query still fails, it just doesn't spend the budget.
	InvariantViolation Kind = "INVARIANT_VIOLATION"
	// SchedulerShutdown marks a lease cancellation caused by scheduler
	// teardown. Always uncounted (spec §4.6).
	SchedulerShutdown Kind = "SCHEDULER_SHUTDOWN"
)

// Retriable reports whether an attempt failing with this kind is even
// eligible for the per-task/per-query retry budgets.
func (k Kind) Retriable() bool {
	switch k {
	case TransientWorkerFailure, OutOfMemory:
		return true
	default:
		return false
	}
}

// Counted reports whether a retriable failure of this kind decrements the
// retry budgets. Every retriable kind is counted; a scheduler shutdown
// cancellation is not retriable, so it never reaches the budgets.
func (k Kind) Counted() bool {
	return k.Retriable() && k != SchedulerShutdown
}

// Fatal reports whether this kind, once it reaches the stage scheduler
// without being retried, must fail the stage (and therefore the query)
// immediately rather than merely ending an attempt.
func (k Kind) Fatal() bool {
	return !k.Retriable()
}

// Failure pairs a Kind with the underlying cause.
type Failure struct {
	Kind  Kind
	Cause error
}

func (f *Failure) Error() string {
	if f.Cause == nil {
		return string(f.Kind)
	}
	return string(f.Kind) + ": " + f.Cause.Error()
}

func (f *Failure) Unwrap() error { return f.Cause }

// New builds a Failure.
func New(kind Kind, cause error) *Failure {
	return &Failure{Kind: kind, Cause: cause}
}
