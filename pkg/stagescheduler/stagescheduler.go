// Package stagescheduler implements the fault-tolerant Stage Scheduler
// (C6): it drains task descriptors from a tasksource.TaskSource, leases
// worker nodes through an allocator.Allocator, hands each task to a
// RemoteTaskFactory, and retries failed attempts against a per-task and
// per-query budget. It is grounded in the teacher's pkg/scheduler — the
// same "evaluate once, let IsBlocked tell you when to come back" loop
// shape nomad's generic_sched.go uses around its own retry-attempt
// counters — generalized from bin-packing allocations onto one stage's
// worth of partitioned task attempts.
package stagescheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/prism-sql/ftsched/pkg/allocator"
	"github.com/prism-sql/ftsched/pkg/descriptorstore"
	"github.com/prism-sql/ftsched/pkg/faultkind"
	"github.com/prism-sql/ftsched/pkg/future"
	"github.com/prism-sql/ftsched/pkg/memory"
	"github.com/prism-sql/ftsched/pkg/metrics"
	"github.com/prism-sql/ftsched/pkg/tasksource"
	"github.com/prism-sql/ftsched/pkg/types"
)

// PartitionStatus is one partition's place in the stage's retry protocol.
type PartitionStatus string

const (
	PartitionPending  PartitionStatus = "PENDING"
	PartitionRunning  PartitionStatus = "RUNNING"
	PartitionFinished PartitionStatus = "FINISHED"
	PartitionFailed   PartitionStatus = "FAILED"
)

// Attempt is one scheduling of one partition onto one worker node.
type Attempt struct {
	AttemptID      int
	Node           types.InternalNode
	MemoryEstimate types.DataSize
	State          RemoteTaskState
	Failure        *faultkind.Failure

	lease  *allocator.NodeLease
	remote RemoteTask
	done   *future.Future[struct{}]
}

// PartitionState tracks every attempt made at one partition of the stage.
type PartitionState struct {
	PartitionID int
	Attempts    []*Attempt
	Status      PartitionStatus

	descriptor types.TaskDescriptor
}

func (p *PartitionState) latest() *Attempt {
	if len(p.Attempts) == 0 {
		return nil
	}
	return p.Attempts[len(p.Attempts)-1]
}

// Budget is the per-query retry budget shared across every stage of one
// query. remainingOverall only ever decreases (spec §4.6, §4.4).
type Budget struct {
	QueryID                types.QueryID
	TaskRetryAttemptsPerTask int
	remainingOverall       *int64
}

// NewBudget builds a Budget with the given overall per-query retry
// allowance, shared by reference across every stage scheduler of one
// query.
func NewBudget(queryID types.QueryID, perTask int, overall int64) *Budget {
	remaining := overall
	return &Budget{QueryID: queryID, TaskRetryAttemptsPerTask: perTask, remainingOverall: &remaining}
}

func (b *Budget) observe() {
	metrics.RemainingRetryBudget.WithLabelValues(string(b.QueryID)).Set(float64(atomic.LoadInt64(b.remainingOverall)))
}

// Remaining returns the overall retry attempts left for the query.
func (b *Budget) Remaining() int64 {
	return atomic.LoadInt64(b.remainingOverall)
}

// Scheduler is the fault-tolerant Stage Scheduler for one stage.
type Scheduler struct {
	queryID types.QueryID
	stageID types.StageID

	source      tasksource.TaskSource
	allocator   allocator.Allocator
	estimator   memory.Estimator
	descriptors descriptorstore.Store
	factory     RemoteTaskFactory
	priority    int
	budget      *Budget

	mu              sync.Mutex
	partitions      map[int]*PartitionState
	perTaskAttempts map[int]int
	sourceFuture    *future.Future[[]types.TaskDescriptor]
	sourceFinished  bool
	failed          bool
	failure         *faultkind.Failure
	cancelled       bool
	aborted         bool
}

// New builds a Scheduler. priority is the value passed to every
// allocator.Acquire call for this stage's attempts (spec §4.3 — higher
// priority classes are served first).
func New(
	queryID types.QueryID,
	stageID types.StageID,
	source tasksource.TaskSource,
	alloc allocator.Allocator,
	estimator memory.Estimator,
	descriptors descriptorstore.Store,
	factory RemoteTaskFactory,
	budget *Budget,
	priority int,
) *Scheduler {
	return &Scheduler{
		queryID:         queryID,
		stageID:         stageID,
		source:          source,
		allocator:       alloc,
		estimator:       estimator,
		descriptors:     descriptors,
		factory:         factory,
		priority:        priority,
		budget:          budget,
		partitions:      make(map[int]*PartitionState),
		perTaskAttempts: make(map[int]int),
	}
}

// Failed reports whether the stage has reached a terminal failure, and
// the failure that caused it.
func (s *Scheduler) Failed() (bool, *faultkind.Failure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed, s.failure
}

// Cancelled reports whether Cancel or Abort has been called.
func (s *Scheduler) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// IsFinished reports whether every observed partition has finished and
// the task source has no more descriptors to give (spec §4.6).
func (s *Scheduler) IsFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isFinishedLocked()
}

func (s *Scheduler) isFinishedLocked() bool {
	if s.failed {
		return false
	}
	if !s.sourceFinished || s.sourceFuture != nil {
		return false
	}
	for _, p := range s.partitions {
		if p.Status != PartitionFinished {
			return false
		}
	}
	return true
}

// Schedule drains whatever the task source and pending leases have ready
// and advances them one step. Non-blocking, idempotent — callers should
// call IsBlocked between calls to avoid busy-looping.
func (s *Scheduler) Schedule(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failed || s.cancelled || s.aborted {
		return nil
	}

	if s.sourceFuture == nil && !s.sourceFinished {
		s.sourceFuture = s.source.MoreTasks(ctx)
	}

	if s.sourceFuture != nil && s.sourceFuture.IsDone() {
		tasks, err := s.sourceFuture.Result()
		s.sourceFuture = nil
		if err != nil {
			s.failLocked(faultkind.New(faultkind.InvariantViolation, fmt.Errorf("task source: %w", err)))
			return err
		}
		for _, t := range tasks {
			s.admitLocked(t)
		}
		if s.source.IsFinished() {
			s.sourceFinished = true
		} else {
			s.sourceFuture = s.source.MoreTasks(ctx)
		}
	}

	s.pumpPendingLeasesLocked(ctx)
	return nil
}

// admitLocked registers a freshly delivered descriptor as a new
// partition (first attempt) or a re-submission of an existing one, and
// immediately requests a node lease for it.
func (s *Scheduler) admitLocked(descriptor types.TaskDescriptor) {
	part, ok := s.partitions[descriptor.PartitionID]
	if !ok {
		part = &PartitionState{PartitionID: descriptor.PartitionID, Status: PartitionPending}
		s.partitions[descriptor.PartitionID] = part
	}
	if descriptor.MemoryEstimate == 0 {
		descriptor.MemoryEstimate = s.estimator.InitialEstimate(descriptor.PartitionID)
	}
	part.descriptor = descriptor
	part.Status = PartitionRunning

	lease := s.allocator.Acquire(descriptor.NodeRequirement, descriptor.MemoryEstimate, s.priority)
	attempt := &Attempt{
		AttemptID:      len(part.Attempts),
		MemoryEstimate: descriptor.MemoryEstimate,
		State:          RemoteTaskPending,
		lease:          lease,
		done:           future.New[struct{}](),
	}
	part.Attempts = append(part.Attempts, attempt)
	metrics.PartitionMemoryEstimateBytes.Observe(float64(descriptor.MemoryEstimate))
}

// pumpPendingLeasesLocked finalizes every attempt whose lease has
// resolved: either starting the remote task or, if the allocator
// cancelled the lease (shutdown), running that failure through the
// retry protocol.
func (s *Scheduler) pumpPendingLeasesLocked(ctx context.Context) {
	for _, part := range s.partitions {
		attempt := part.latest()
		if attempt == nil || attempt.State != RemoteTaskPending {
			continue
		}
		if !attempt.lease.Node().IsDone() {
			continue
		}
		node, err := attempt.lease.Node().Result()
		if err != nil {
			failure := asFailure(err)
			attempt.State = RemoteTaskFailed
			attempt.Failure = failure
			attempt.done.Complete(struct{}{}, nil)
			s.applyRetryProtocolLocked(part, failure)
			continue
		}

		attempt.Node = node
		taskID := types.TaskID{StageID: s.stageID, PartitionID: part.PartitionID, AttemptID: attempt.AttemptID}
		remote, err := s.factory.CreateRemoteTask(ctx, taskID, node, part.descriptor)
		if err != nil {
			failure := faultkind.New(faultkind.TransientWorkerFailure, err)
			attempt.State = RemoteTaskFailed
			attempt.Failure = failure
			attempt.lease.Release()
			attempt.done.Complete(struct{}{}, nil)
			s.applyRetryProtocolLocked(part, failure)
			continue
		}

		s.descriptors.Initialize(s.queryID)
		if err := s.descriptors.Put(s.queryID, taskID, part.descriptor); err != nil {
			failure := asFailure(err)
			attempt.State = RemoteTaskFailed
			attempt.Failure = failure
			attempt.lease.Release()
			attempt.done.Complete(struct{}{}, nil)
			s.applyRetryProtocolLocked(part, failure)
			continue
		}

		attempt.remote = remote
		pid, aid := part.PartitionID, attempt.AttemptID
		remote.AddStateChangeListener(func(state RemoteTaskState, failure *faultkind.Failure) {
			s.onAttemptStateChange(pid, aid, state, failure)
		})
		if err := remote.Start(); err != nil {
			failure := faultkind.New(faultkind.TransientWorkerFailure, err)
			attempt.State = RemoteTaskFailed
			attempt.Failure = failure
			attempt.lease.Release()
			attempt.done.Complete(struct{}{}, nil)
			s.applyRetryProtocolLocked(part, failure)
			continue
		}
		attempt.State = RemoteTaskRunning
		metrics.TasksScheduled.Inc()
	}
}

// onAttemptStateChange is the RemoteTask state-change callback. It is
// invoked from whatever goroutine the RemoteTaskFactory implementation
// drives (spec §5's "callback publish, then signal" pattern), never
// while the scheduler's own mutex is held by the caller, so it takes the
// lock itself.
func (s *Scheduler) onAttemptStateChange(partitionID, attemptID int, state RemoteTaskState, failure *faultkind.Failure) {
	if !state.Terminal() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancelled || s.aborted {
		// A task-failed (or finished) notification after cancel/abort is
		// discarded; teardown already released the lease and dropped
		// the attempt.
		return
	}

	part, ok := s.partitions[partitionID]
	if !ok {
		return
	}
	attempt := part.latest()
	if attempt == nil || attempt.AttemptID != attemptID || attempt.State == RemoteTaskFinished || attempt.State == RemoteTaskFailed {
		return
	}

	attempt.State = state
	attempt.lease.Release()
	attempt.done.Complete(struct{}{}, nil)

	switch state {
	case RemoteTaskFinished:
		part.Status = PartitionFinished
	case RemoteTaskFailed, RemoteTaskAborted:
		if failure == nil {
			failure = faultkind.New(faultkind.TransientWorkerFailure, fmt.Errorf("partition %d reached %s with no failure detail", part.PartitionID, state))
		}
		attempt.Failure = failure
		s.applyRetryProtocolLocked(part, failure)
	}
}

// applyRetryProtocolLocked implements spec §4.6's retry protocol. Must be
// called with s.mu held.
func (s *Scheduler) applyRetryProtocolLocked(part *PartitionState, failure *faultkind.Failure) {
	kind := failure.Kind
	perTask := s.perTaskAttempts[part.PartitionID]

	if kind.Retriable() && perTask < s.budget.TaskRetryAttemptsPerTask && atomic.LoadInt64(s.budget.remainingOverall) > 0 {
		if kind.Counted() {
			s.perTaskAttempts[part.PartitionID] = perTask + 1
			atomic.AddInt64(s.budget.remainingOverall, -1)
			s.budget.observe()
		}
		metrics.TasksRetried.Inc()

		prevEstimate := part.latest().MemoryEstimate
		next := part.descriptor.Clone()
		next.MemoryEstimate = s.estimator.OnFailure(prevEstimate, kind)
		next.Attempt++
		part.descriptor = *next
		part.Status = PartitionPending

		lease := s.allocator.Acquire(next.NodeRequirement, next.MemoryEstimate, s.priority)
		part.Attempts = append(part.Attempts, &Attempt{
			AttemptID:      len(part.Attempts),
			MemoryEstimate: next.MemoryEstimate,
			State:          RemoteTaskPending,
			lease:          lease,
			done:           future.New[struct{}](),
		})
		return
	}

	metrics.TasksFailed.WithLabelValues(string(kind)).Inc()
	part.Status = PartitionFailed
	s.failLocked(failure)
}

func (s *Scheduler) failLocked(failure *faultkind.Failure) {
	if s.failed {
		return
	}
	s.failed = true
	s.failure = failure
}

// IsBlocked returns a future that completes as soon as any condition
// spec §4.6's is_blocked describes becomes true: new tasks arriving,
// a pending lease resolving, or a running attempt reaching a terminal
// state. A stage with nothing outstanding (already finished or failed)
// has nothing left to block on, so the returned future completes
// immediately — callers are expected to check IsFinished/Failed first.
func (s *Scheduler) IsBlocked() *future.Future[struct{}] {
	s.mu.Lock()
	var awaitables []future.Awaitable
	if s.sourceFuture != nil {
		awaitables = append(awaitables, s.sourceFuture)
	}
	for _, part := range s.partitions {
		attempt := part.latest()
		if attempt == nil {
			continue
		}
		switch attempt.State {
		case RemoteTaskPending:
			awaitables = append(awaitables, attempt.lease.Node())
		case RemoteTaskRunning:
			awaitables = append(awaitables, attempt.done)
		}
	}
	s.mu.Unlock()

	if len(awaitables) == 0 {
		return future.Completed(struct{}{}, nil)
	}
	return future.Any(awaitables...)
}

// Cancel requests a graceful teardown: running attempts are asked to
// stop via RemoteTask.Cancel, every lease is released, and every
// partition's in-flight attempt is dropped (spec §4.6). Idempotent.
func (s *Scheduler) Cancel() {
	s.teardown(false)
}

// Abort forces an immediate teardown: running attempts are aborted
// rather than asked to stop cooperatively. Idempotent.
func (s *Scheduler) Abort() {
	s.teardown(true)
}

func (s *Scheduler) teardown(forceful bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancelled || s.aborted {
		return
	}
	s.cancelled = true
	if forceful {
		s.aborted = true
	}

	for _, part := range s.partitions {
		attempt := part.latest()
		if attempt == nil {
			continue
		}
		switch attempt.State {
		case RemoteTaskPending:
			attempt.lease.Release()
		case RemoteTaskRunning:
			if forceful {
				attempt.remote.Abort()
			} else {
				attempt.remote.Cancel()
			}
			attempt.lease.Release()
		}
	}
}

func asFailure(err error) *faultkind.Failure {
	var f *faultkind.Failure
	if errors.As(err, &f) {
		return f
	}
	return faultkind.New(faultkind.TransientWorkerFailure, err)
}
