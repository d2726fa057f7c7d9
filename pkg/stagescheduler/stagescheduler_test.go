package stagescheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prism-sql/ftsched/pkg/allocator"
	"github.com/prism-sql/ftsched/pkg/descriptorstore"
	"github.com/prism-sql/ftsched/pkg/faultkind"
	"github.com/prism-sql/ftsched/pkg/future"
	"github.com/prism-sql/ftsched/pkg/memory"
	"github.com/prism-sql/ftsched/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInventory struct {
	nodes []allocator.NodeCapacity
}

func (f *fakeInventory) ListNodes(ctx context.Context) ([]allocator.NodeCapacity, error) {
	return f.nodes, nil
}

func plentifulAllocator() allocator.Allocator {
	return allocator.NewPoolAllocator(&fakeInventory{nodes: []allocator.NodeCapacity{
		{Node: types.InternalNode{ID: "n1", Address: "n1:8080"}, MemoryCapacity: types.Gigabyte},
	}}, nil)
}

type fakeTaskSource struct {
	mu       sync.Mutex
	batches  [][]types.TaskDescriptor
	idx      int
	finished bool
}

func (f *fakeTaskSource) MoreTasks(ctx context.Context) *future.Future[[]types.TaskDescriptor] {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idx >= len(f.batches) {
		f.finished = true
		return future.Completed[[]types.TaskDescriptor](nil, nil)
	}
	b := f.batches[f.idx]
	f.idx++
	if f.idx >= len(f.batches) {
		f.finished = true
	}
	return future.Completed(b, nil)
}

func (f *fakeTaskSource) IsFinished() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finished
}

func (f *fakeTaskSource) Close() {}

type fakeRemoteTask struct {
	mu            sync.Mutex
	state         RemoteTaskState
	listeners     []StateChangeListener
	startErr      error
	cancelCalls   int
	abortCalls    int
	startCalls    int
}

func (r *fakeRemoteTask) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startCalls++
	if r.startErr != nil {
		return r.startErr
	}
	r.state = RemoteTaskRunning
	return nil
}

func (r *fakeRemoteTask) Cancel() {
	r.mu.Lock()
	r.cancelCalls++
	r.mu.Unlock()
}

func (r *fakeRemoteTask) Abort() {
	r.mu.Lock()
	r.abortCalls++
	r.mu.Unlock()
}

func (r *fakeRemoteTask) AddStateChangeListener(l StateChangeListener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

func (r *fakeRemoteTask) State() RemoteTaskState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// complete synchronously invokes every registered listener as if the
// remote task just reached a terminal state.
func (r *fakeRemoteTask) complete(state RemoteTaskState, failure *faultkind.Failure) {
	r.mu.Lock()
	r.state = state
	listeners := append([]StateChangeListener(nil), r.listeners...)
	r.mu.Unlock()
	for _, l := range listeners {
		l(state, failure)
	}
}

type fakeFactory struct {
	mu    sync.Mutex
	tasks []*fakeRemoteTask
	err   error
}

func (f *fakeFactory) CreateRemoteTask(ctx context.Context, taskID types.TaskID, node types.InternalNode, descriptor types.TaskDescriptor) (RemoteTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	rt := &fakeRemoteTask{}
	f.tasks = append(f.tasks, rt)
	return rt, nil
}

func (f *fakeFactory) last() *fakeRemoteTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[len(f.tasks)-1]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

func descriptor(partitionID int) types.TaskDescriptor {
	return types.TaskDescriptor{
		PartitionID:    partitionID,
		Splits:         map[types.PlanNodeID][]types.Split{"scan": {}},
		MemoryEstimate: 64 * types.Megabyte,
	}
}

func newTestScheduler(source *fakeTaskSource, factory *fakeFactory, perTask int, overall int64) *Scheduler {
	budget := NewBudget(types.QueryID("q1"), perTask, overall)
	return New(
		types.QueryID("q1"),
		types.StageID("s1"),
		source,
		plentifulAllocator(),
		memory.NewGrowthEstimator(64*types.Megabyte, types.Gigabyte, 2),
		descriptorstore.NewBoundedStore(10*int64(types.Megabyte)),
		factory,
		budget,
		0,
	)
}

func TestScheduleRunsSingleTaskToFinish(t *testing.T) {
	source := &fakeTaskSource{batches: [][]types.TaskDescriptor{{descriptor(0)}}}
	factory := &fakeFactory{}
	s := newTestScheduler(source, factory, 2, 10)

	ctx := context.Background()
	require.NoError(t, s.Schedule(ctx))

	require.Equal(t, 1, factory.count())
	assert.Equal(t, 1, factory.last().startCalls)
	assert.False(t, s.IsFinished())

	factory.last().complete(RemoteTaskFinished, nil)

	require.NoError(t, s.Schedule(ctx))
	assert.True(t, s.IsFinished())
	ok, failure := s.Failed()
	assert.False(t, ok)
	assert.Nil(t, failure)
}

func TestRetriableFailureResubmitsWithGrownEstimate(t *testing.T) {
	source := &fakeTaskSource{batches: [][]types.TaskDescriptor{{descriptor(0)}}}
	factory := &fakeFactory{}
	s := newTestScheduler(source, factory, 2, 10)

	ctx := context.Background()
	require.NoError(t, s.Schedule(ctx))
	require.Equal(t, 1, factory.count())
	firstEstimate := s.partitions[0].Attempts[0].MemoryEstimate

	factory.last().complete(RemoteTaskFailed, faultkind.New(faultkind.OutOfMemory, errors.New("killed")))

	part := s.partitions[0]
	require.Equal(t, PartitionPending, part.Status)
	require.Len(t, part.Attempts, 2)
	assert.Greater(t, int64(part.Attempts[1].MemoryEstimate), int64(firstEstimate))
	assert.Equal(t, int64(9), s.budget.Remaining())

	require.NoError(t, s.Schedule(ctx))
	require.Equal(t, 2, factory.count())
	assert.Equal(t, 1, factory.last().startCalls)

	factory.last().complete(RemoteTaskFinished, nil)
	require.NoError(t, s.Schedule(ctx))
	assert.True(t, s.IsFinished())
}

func TestRetryBudgetExhaustionFailsStage(t *testing.T) {
	source := &fakeTaskSource{batches: [][]types.TaskDescriptor{{descriptor(0)}}}
	factory := &fakeFactory{}
	s := newTestScheduler(source, factory, 1, 10)

	ctx := context.Background()
	require.NoError(t, s.Schedule(ctx))
	failure := faultkind.New(faultkind.TransientWorkerFailure, errors.New("node lost"))

	// first failure: perTaskAttempts(0) < taskRetryAttemptsPerTask(1), retried
	factory.last().complete(RemoteTaskFailed, failure)
	require.Equal(t, PartitionPending, s.partitions[0].Status)
	require.NoError(t, s.Schedule(ctx))

	// second failure: perTaskAttempts(1) is no longer < 1, budget exhausted
	factory.last().complete(RemoteTaskFailed, failure)

	ok, f := s.Failed()
	require.True(t, ok)
	require.NotNil(t, f)
	assert.Equal(t, faultkind.TransientWorkerFailure, f.Kind)
	assert.Equal(t, PartitionFailed, s.partitions[0].Status)
	assert.False(t, s.IsFinished())
}

func TestNonRetriableFailureFailsStageImmediately(t *testing.T) {
	source := &fakeTaskSource{batches: [][]types.TaskDescriptor{{descriptor(0)}}}
	factory := &fakeFactory{}
	s := newTestScheduler(source, factory, 5, 50)

	ctx := context.Background()
	require.NoError(t, s.Schedule(ctx))
	factory.last().complete(RemoteTaskFailed, faultkind.New(faultkind.UserError, errors.New("bad query")))

	ok, f := s.Failed()
	require.True(t, ok)
	assert.Equal(t, faultkind.UserError, f.Kind)
	assert.Equal(t, int64(50), s.budget.Remaining(), "non-retriable failures never touch the retry budget")
}

func TestSchedulerShutdownLeaseCancellationIsUncounted(t *testing.T) {
	source := &fakeTaskSource{batches: [][]types.TaskDescriptor{{descriptor(0)}}}
	factory := &fakeFactory{}
	budget := NewBudget(types.QueryID("q1"), 2, 10)
	alloc := plentifulAllocator()
	alloc.Close() // every future Acquire call is rejected immediately with SchedulerShutdown

	s := New(types.QueryID("q1"), types.StageID("s1"), source, alloc,
		memory.NewGrowthEstimator(64*types.Megabyte, types.Gigabyte, 2),
		descriptorstore.NewBoundedStore(10*int64(types.Megabyte)), factory, budget, 0)

	require.NoError(t, s.Schedule(context.Background()))

	ok, f := s.Failed()
	require.True(t, ok)
	assert.Equal(t, faultkind.SchedulerShutdown, f.Kind)
	assert.Equal(t, int64(10), budget.Remaining(), "scheduler-shutdown lease cancellations are uncounted")
	assert.Equal(t, 0, factory.count(), "no remote task should ever be created for a lease that never resolved")
}

func TestIsBlockedResolvesWhenAttemptReachesTerminalState(t *testing.T) {
	source := &fakeTaskSource{batches: [][]types.TaskDescriptor{{descriptor(0)}}}
	factory := &fakeFactory{}
	s := newTestScheduler(source, factory, 2, 10)

	ctx := context.Background()
	require.NoError(t, s.Schedule(ctx))

	blocked := s.IsBlocked()
	select {
	case <-blocked.Done():
		t.Fatal("IsBlocked should not resolve before the running attempt reaches a terminal state")
	case <-time.After(20 * time.Millisecond):
	}

	factory.last().complete(RemoteTaskFinished, nil)

	waitCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := blocked.Wait(waitCtx)
	assert.NoError(t, err)
}

func TestCancelReleasesLeasesAndRequestsGracefulStop(t *testing.T) {
	source := &fakeTaskSource{batches: [][]types.TaskDescriptor{{descriptor(0)}}}
	factory := &fakeFactory{}
	s := newTestScheduler(source, factory, 2, 10)

	require.NoError(t, s.Schedule(context.Background()))
	s.Cancel()

	assert.True(t, s.Cancelled())
	assert.Equal(t, 1, factory.last().cancelCalls)
	assert.Equal(t, 0, factory.last().abortCalls)

	// a late state-change notification after cancel must be discarded,
	// not resurrect a dropped attempt
	factory.last().complete(RemoteTaskFinished, nil)
	assert.Equal(t, PartitionRunning, s.partitions[0].Status)
}

func TestAbortForcefullyAbortsRunningAttempts(t *testing.T) {
	source := &fakeTaskSource{batches: [][]types.TaskDescriptor{{descriptor(0)}}}
	factory := &fakeFactory{}
	s := newTestScheduler(source, factory, 2, 10)

	require.NoError(t, s.Schedule(context.Background()))
	s.Abort()

	assert.True(t, s.Cancelled())
	assert.Equal(t, 1, factory.last().abortCalls)
}

func TestScheduleIsIdempotentAcrossMultipleCalls(t *testing.T) {
	source := &fakeTaskSource{batches: [][]types.TaskDescriptor{{descriptor(0)}}}
	factory := &fakeFactory{}
	s := newTestScheduler(source, factory, 2, 10)

	ctx := context.Background()
	require.NoError(t, s.Schedule(ctx))
	require.NoError(t, s.Schedule(ctx))
	require.NoError(t, s.Schedule(ctx))
	assert.Equal(t, 1, factory.count(), "re-calling schedule before new work arrives must not create duplicate attempts")
}
