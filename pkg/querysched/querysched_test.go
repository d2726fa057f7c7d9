package querysched

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prism-sql/ftsched/pkg/allocator"
	"github.com/prism-sql/ftsched/pkg/descriptorstore"
	"github.com/prism-sql/ftsched/pkg/exchange"
	"github.com/prism-sql/ftsched/pkg/faultkind"
	"github.com/prism-sql/ftsched/pkg/stagemanager"
	"github.com/prism-sql/ftsched/pkg/stagescheduler"
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
		{Node: types.InternalNode{ID: "n2", Address: "n2:8080"}, MemoryCapacity: types.Gigabyte},
	}}, nil)
}

func allocatorWithCoordinator() allocator.Allocator {
	return allocator.NewPoolAllocator(&fakeInventory{nodes: []allocator.NodeCapacity{
		{Node: types.InternalNode{ID: "n1", Address: "n1:8080"}, MemoryCapacity: types.Gigabyte},
		{Node: types.InternalNode{ID: "coord", Address: "coord:8080", Coordinator: true}, MemoryCapacity: types.Gigabyte},
	}}, nil)
}

func testConfig() Config {
	return Config{
		TaskRetryAttemptsPerTask:   2,
		TaskRetryAttemptsOverall:   10,
		InitialMemoryEstimate:      64 * types.Megabyte,
		MaxMemoryEstimate:          types.Gigabyte,
		MemoryGrowthFactor:         2,
		TargetPartitionSplitWeight: types.Gigabyte,
		TargetPartitionSourceSize:  types.Gigabyte,
		MinSplitsPerTask:           1,
		MaxSplitsPerTask:           1000,
	}
}

// fakeSplitSource hands out a fixed batch of splits exactly once.
type fakeSplitSource struct {
	mu        sync.Mutex
	splits    []types.Split
	delivered bool
	closed    int
}

func (f *fakeSplitSource) GetNextBatch(ctx context.Context, maxSize int) (types.SplitBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.delivered {
		return types.SplitBatch{NoMoreSplits: true}, nil
	}
	f.delivered = true
	return types.SplitBatch{Splits: f.splits, NoMoreSplits: true}, nil
}

func (f *fakeSplitSource) Close() {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
}

// autoFinishTask completes itself asynchronously once Start is called,
// mirroring a worker that finishes almost immediately.
type autoFinishTask struct {
	mu          sync.Mutex
	state       stagescheduler.RemoteTaskState
	listeners   []stagescheduler.StateChangeListener
	startErr    error
	finishState stagescheduler.RemoteTaskState
	failure     *faultkind.Failure
	cancelCalls int
	abortCalls  int
}

func newAutoFinishTask() *autoFinishTask {
	return &autoFinishTask{finishState: stagescheduler.RemoteTaskFinished}
}

func (r *autoFinishTask) Start() error {
	r.mu.Lock()
	if r.startErr != nil {
		err := r.startErr
		r.mu.Unlock()
		return err
	}
	r.state = stagescheduler.RemoteTaskRunning
	listeners := append([]stagescheduler.StateChangeListener(nil), r.listeners...)
	finishState, failure := r.finishState, r.failure
	r.mu.Unlock()

	go func() {
		for _, l := range listeners {
			l(finishState, failure)
		}
	}()
	return nil
}

func (r *autoFinishTask) Cancel() {
	r.mu.Lock()
	r.cancelCalls++
	r.mu.Unlock()
}

func (r *autoFinishTask) Abort() {
	r.mu.Lock()
	r.abortCalls++
	r.mu.Unlock()
}

func (r *autoFinishTask) AddStateChangeListener(l stagescheduler.StateChangeListener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

func (r *autoFinishTask) State() stagescheduler.RemoteTaskState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// autoFinishFactory creates autoFinishTask instances that finish
// successfully as soon as they're started, unless failAll is set, in
// which case they fail with that failure.
type autoFinishFactory struct {
	mu      sync.Mutex
	created []*autoFinishTask
	failAll *faultkind.Failure
}

func (f *autoFinishFactory) CreateRemoteTask(ctx context.Context, taskID types.TaskID, node types.InternalNode, descriptor types.TaskDescriptor) (stagescheduler.RemoteTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := newAutoFinishTask()
	if f.failAll != nil {
		t.finishState = stagescheduler.RemoteTaskFailed
		t.failure = f.failAll
	}
	f.created = append(f.created, t)
	return t, nil
}

// buildPipeline wires a leaf SOURCE stage feeding a root stage whose
// partitioning is given by rootKind, registering both with a fresh
// stagemanager.Manager in the children-before-parents order Build
// requires.
func buildPipeline(rootKind types.PartitioningKind) (*stagemanager.Manager, *fakeSplitSource) {
	leafSplits := &fakeSplitSource{splits: []types.Split{
		&types.ConnectorSplit{CatalogHandleValue: "cat1", Weight: types.Megabyte},
		&types.ConnectorSplit{CatalogHandleValue: "cat1", Weight: types.Megabyte},
	}}

	leafFragment := &types.PlanFragment{
		ID:                   "leaf",
		Partitioning:         types.PartitioningHandle{Kind: types.PartitioningSource, PartitionCount: 1},
		TableScanNodeID:      "scan",
		ConnectorSplitSource: leafSplits,
	}
	rootFragment := &types.PlanFragment{
		ID:                "root",
		Partitioning:      types.PartitioningHandle{Kind: rootKind, PartitionCount: 1},
		SourceFragmentIDs: []types.FragmentID{"leaf"},
	}

	stages := stagemanager.New(types.QueryID("q1"))
	stages.AddStage(&stagemanager.Stage{Runtime: &types.Stage{ID: "leaf-stage", Fragment: leafFragment, Status: types.StagePlanned}})
	stages.AddStage(&stagemanager.Stage{Runtime: &types.Stage{ID: "root-stage", Fragment: rootFragment, Status: types.StagePlanned}})
	return stages, leafSplits
}

func TestBuildConstructsExchangesWithRootAsOutputStage(t *testing.T) {
	stages, _ := buildPipeline(types.PartitioningSingle)
	factory := &autoFinishFactory{}

	q, err := Build(context.Background(), types.QueryID("q1"), stages, plentifulAllocator(), descriptorstore.NewBoundedStore(10*int64(types.Megabyte)), factory, nil, testConfig())
	require.NoError(t, err)

	require.Len(t, q.exchanges, 2)
	assert.Same(t, q.exchanges["root"], q.outputExchange)
	for _, stage := range stages.Stages() {
		require.NotNil(t, stage.Scheduler, "every registered stage must get a scheduler during Build")
	}
}

func TestRunSingleDistributedRootFinishesQuery(t *testing.T) {
	stages, leaf := buildPipeline(types.PartitioningSingle)
	factory := &autoFinishFactory{}

	q, err := Build(context.Background(), types.QueryID("q1"), stages, plentifulAllocator(), descriptorstore.NewBoundedStore(10*int64(types.Megabyte)), factory, nil, testConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := q.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateFinished, q.State())
	assert.NotNil(t, result)
	assert.True(t, leaf.delivered, "the leaf stage's split source must have been drained")

	resolved, err := q.Result().Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, result, resolved)
}

func TestRunCoordinatorDistributedRootPinsToCoordinatorAddress(t *testing.T) {
	stages, _ := buildPipeline(types.PartitioningCoordinator)
	factory := &autoFinishFactory{}
	config := testConfig()
	config.CoordinatorAddress = "coord:8080"

	q, err := Build(context.Background(), types.QueryID("q1"), stages, allocatorWithCoordinator(), descriptorstore.NewBoundedStore(10*int64(types.Megabyte)), factory, nil, config)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = q.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateFinished, q.State())
}

func TestRunPropagatesStageFailureAndAbortsSiblings(t *testing.T) {
	stages, _ := buildPipeline(types.PartitioningSingle)
	factory := &autoFinishFactory{failAll: faultkind.New(faultkind.InvariantViolation, errors.New("corrupt descriptor"))}

	q, err := Build(context.Background(), types.QueryID("q1"), stages, plentifulAllocator(), descriptorstore.NewBoundedStore(10*int64(types.Megabyte)), factory, nil, testConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = q.Run(ctx)
	require.Error(t, err)
	assert.Equal(t, StateFailed, q.State())

	var failure *faultkind.Failure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, faultkind.InvariantViolation, failure.Kind)

	_, resultErr := q.Result().Wait(context.Background())
	assert.Error(t, resultErr)
}

func TestRunReturnsSchedulerShutdownOnContextCancellation(t *testing.T) {
	// A split source that never reports NoMoreSplits keeps the leaf
	// stage (and therefore the whole query) running forever, so Run
	// only ever exits via ctx cancellation.
	stall := &stallingSplitSource{}
	leafFragment := &types.PlanFragment{
		ID:                   "leaf",
		Partitioning:         types.PartitioningHandle{Kind: types.PartitioningSource, PartitionCount: 1},
		TableScanNodeID:      "scan",
		ConnectorSplitSource: stall,
	}
	rootFragment := &types.PlanFragment{
		ID:                "root",
		Partitioning:      types.PartitioningHandle{Kind: types.PartitioningSingle, PartitionCount: 1},
		SourceFragmentIDs: []types.FragmentID{"leaf"},
	}
	stages := stagemanager.New(types.QueryID("q1"))
	stages.AddStage(&stagemanager.Stage{Runtime: &types.Stage{ID: "leaf-stage", Fragment: leafFragment, Status: types.StagePlanned}})
	stages.AddStage(&stagemanager.Stage{Runtime: &types.Stage{ID: "root-stage", Fragment: rootFragment, Status: types.StagePlanned}})

	factory := &autoFinishFactory{}
	q, err := Build(context.Background(), types.QueryID("q1"), stages, plentifulAllocator(), descriptorstore.NewBoundedStore(10*int64(types.Megabyte)), factory, nil, testConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = q.Run(ctx)
	require.Error(t, err)
	var failure *faultkind.Failure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, faultkind.SchedulerShutdown, failure.Kind)
	assert.Equal(t, StateFailed, q.State())
}

type stallingSplitSource struct{}

func (s *stallingSplitSource) GetNextBatch(ctx context.Context, maxSize int) (types.SplitBatch, error) {
	return types.SplitBatch{}, nil
}
func (s *stallingSplitSource) Close() {}

func TestSinkWiringFactoryFinishesSinkOnRemoteTaskFinished(t *testing.T) {
	base := &autoFinishFactory{}
	ex := exchange.NewInMemory(0, false)
	f := &sinkWiringFactory{base: base, exchange: ex}

	remote, err := f.CreateRemoteTask(context.Background(), types.TaskID{StageID: "s1"}, types.InternalNode{ID: "n1"}, types.TaskDescriptor{PartitionID: 0})
	require.NoError(t, err)

	handles := ex.GetSourceHandles(0)
	assert.False(t, handles.IsDone())

	require.NoError(t, remote.Start())
	_, err = handles.Wait(context.Background())
	require.NoError(t, err)
}
