// Package querysched implements the Query Scheduler (C8): the per-query
// orchestrator that builds one stagescheduler.Scheduler per stage, wires
// each stage's exchange output into the next stage's task source, and
// drives every stage scheduler through a cooperative scheduling loop
// until the query finishes or fails. It is grounded in the teacher's
// pkg/reconciler reconciliation loop shape — evaluate every tracked
// object, block on whatever signals progress, repeat — generalized from
// a fixed-interval poll over cluster state into an event-driven wait
// over one query's stage schedulers (spec §4.8).
package querysched

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prism-sql/ftsched/pkg/allocator"
	"github.com/prism-sql/ftsched/pkg/descriptorstore"
	"github.com/prism-sql/ftsched/pkg/exchange"
	"github.com/prism-sql/ftsched/pkg/faultkind"
	"github.com/prism-sql/ftsched/pkg/future"
	"github.com/prism-sql/ftsched/pkg/log"
	"github.com/prism-sql/ftsched/pkg/memory"
	"github.com/prism-sql/ftsched/pkg/metrics"
	"github.com/prism-sql/ftsched/pkg/stagemanager"
	"github.com/prism-sql/ftsched/pkg/stagescheduler"
	"github.com/prism-sql/ftsched/pkg/tasksource"
	"github.com/prism-sql/ftsched/pkg/types"
)

// State is the query's own lifecycle, layered on top of the per-stage
// StageStatus values (spec §4.8, §9).
type State string

const (
	StateRunning   State = "RUNNING"
	StateFinishing State = "FINISHING"
	StateFinished  State = "FINISHED"
	StateFailed    State = "FAILED"
)

// blockerWaitCap bounds how long the scheduling loop waits on any single
// round of stage blockers, so shutdown/cancellation is always observed
// promptly (spec §4.8's cooperative loop pseudocode).
const blockerWaitCap = time.Second

// Config carries the per-query knobs spec.md §6 lists as recognized
// configuration.
type Config struct {
	TaskRetryAttemptsPerTask   int
	TaskRetryAttemptsOverall   int64
	InitialMemoryEstimate      types.DataSize
	MaxMemoryEstimate          types.DataSize
	MemoryGrowthFactor         float64
	TargetPartitionSplitWeight types.DataSize
	TargetPartitionSourceSize  types.DataSize
	MinSplitsPerTask           int
	MaxSplitsPerTask           int
	CoordinatorAddress         types.HostAddress

	// StagePriority assigns the allocator priority class for a
	// fragment's task attempts (spec §4.3 — higher classes are served
	// first). A nil func gives every stage priority 0.
	StagePriority func(fragment *types.PlanFragment) int
}

func (c Config) priorityFor(f *types.PlanFragment) int {
	if c.StagePriority == nil {
		return 0
	}
	return c.StagePriority(f)
}

// Scheduler is the C8 Query Scheduler for one query.
type Scheduler struct {
	queryID types.QueryID
	config  Config

	stages         *stagemanager.Manager
	exchanges      map[types.FragmentID]exchange.Exchange
	outputExchange exchange.Exchange

	mu      sync.Mutex
	state   State
	failure *faultkind.Failure

	result *future.Future[types.SpoolingExchangeInput]
}

// Build constructs the Query Scheduler for queryID. stages must already
// hold every stage of the query, registered via AddStage in
// children-before-parents order (stagemanager's native topological
// order); a PartitioningSource fragment reads its splits from its own
// ConnectorSplitSource field.
//
// Each fragment's children feed it through the plan node id
// types.PlanNodeID(child fragment id) — the one-to-one "this child's
// output lands on this plan node" convention a real query planner would
// otherwise encode explicitly; planning itself is out of scope here.
func Build(
	ctx context.Context,
	queryID types.QueryID,
	stages *stagemanager.Manager,
	alloc allocator.Allocator,
	descriptors descriptorstore.Store,
	factory stagescheduler.RemoteTaskFactory,
	mapper BucketNodeMapper,
	config Config,
) (*Scheduler, error) {
	native := stages.Stages() // leaves first, root last
	if len(native) == 0 {
		return nil, errors.New("querysched: no stages registered")
	}
	outputStage := native[len(native)-1]

	q := &Scheduler{
		queryID:   queryID,
		config:    config,
		stages:    stages,
		exchanges: make(map[types.FragmentID]exchange.Exchange),
		state:     StateRunning,
		result:    future.New[types.SpoolingExchangeInput](),
	}

	// spec §4.8 step 3: one external exchange per stage; only the
	// output (root) stage preserves sink-creation order end to end,
	// since its handles become the query's final spooled result.
	for _, stage := range native {
		preserveOrder := stage == outputStage
		q.exchanges[stage.Runtime.Fragment.ID] = exchange.NewInMemory(0, preserveOrder)
	}
	q.outputExchange = q.exchanges[outputStage.Runtime.Fragment.ID]

	cache := newPartitioningCache(mapper)
	budget := stagescheduler.NewBudget(queryID, config.TaskRetryAttemptsPerTask, config.TaskRetryAttemptsOverall)

	// spec §4.8 step 1: construct root-first.
	rootFirst := make([]*stagemanager.Stage, len(native))
	for i, s := range native {
		rootFirst[len(native)-1-i] = s
	}

	for _, stage := range rootFirst {
		fragment := stage.Runtime.Fragment
		children := stages.Children(fragment.ID)

		resolved, err := cache.resolve(ctx, fragment.Partitioning)
		if err != nil {
			return nil, err
		}

		source := q.buildDeferredSource(fragment, children, resolved)

		estimator := memory.NewGrowthEstimator(config.InitialMemoryEstimate, config.MaxMemoryEstimate, config.MemoryGrowthFactor)
		sinkFactory := &sinkWiringFactory{base: factory, exchange: q.exchanges[fragment.ID]}

		sched := stagescheduler.New(queryID, stage.Runtime.ID, source, alloc, estimator, descriptors, sinkFactory, budget, config.priorityFor(fragment))
		stage.Scheduler = sched
	}

	return q, nil
}

// buildDeferredSource picks the right tasksource.TaskSource constructor
// for fragment.Partitioning.Kind and wraps it so the actual build — which
// blocks on children's exchange output — happens lazily on first
// Schedule() call rather than during Build.
func (q *Scheduler) buildDeferredSource(
	fragment *types.PlanFragment,
	children []*stagemanager.Stage,
	resolved resolvedPartitioning,
) tasksource.TaskSource {
	return newDeferredSource(func(ctx context.Context) (tasksource.TaskSource, error) {
		switch {
		case fragment.IsSourceDistributed():
			replicated, err := q.gatherReplicated(ctx, children)
			if err != nil {
				return nil, err
			}
			return tasksource.NewSourceDistribution(
				fragment.TableScanNodeID, fragment.ConnectorSplitSource, replicated,
				q.config.TargetPartitionSplitWeight, q.config.MinSplitsPerTask, q.config.MaxSplitsPerTask,
			), nil

		case fragment.Partitioning.Kind == types.PartitioningHash:
			partitioned, err := q.gatherPartitioned(ctx, children, resolved.partitionCount)
			if err != nil {
				return nil, err
			}
			scheme := fragment.Partitioning
			scheme.PartitionCount = resolved.partitionCount
			scheme.BucketToNode = resolved.bucketToNode
			return tasksource.NewHashDistribution(
				ctx, scheme, nil, partitioned, nil,
				q.config.TargetPartitionSplitWeight, q.config.TargetPartitionSourceSize, resolved.bucketToPartition,
			), nil

		case fragment.Partitioning.Kind == types.PartitioningArbitrary:
			nodeID, handles, err := q.gatherFlat(ctx, children)
			if err != nil {
				return nil, err
			}
			return tasksource.NewArbitraryDistribution(nodeID, handles, nil, q.config.TargetPartitionSourceSize), nil

		default: // SINGLE, COORDINATOR
			splits, err := q.gatherAsSplits(ctx, children)
			if err != nil {
				return nil, err
			}
			coordinatorOnly := fragment.Partitioning.Kind == types.PartitioningCoordinator
			return tasksource.NewSingleDistribution(splits, nil, coordinatorOnly, q.config.CoordinatorAddress), nil
		}
	})
}

func (q *Scheduler) gatherReplicated(ctx context.Context, children []*stagemanager.Stage) (tasksource.ReplicatedHandles, error) {
	replicated := make(tasksource.ReplicatedHandles)
	for _, child := range children {
		ex := q.exchanges[child.Runtime.Fragment.ID]
		handles, err := ex.GetSourceHandles(0).Wait(ctx)
		if err != nil {
			return nil, err
		}
		replicated[types.PlanNodeID(child.Runtime.Fragment.ID)] = handles
	}
	return replicated, nil
}

func (q *Scheduler) gatherPartitioned(ctx context.Context, children []*stagemanager.Stage, partitionCount int) (map[types.PlanNodeID]map[int][]types.ExchangeSourceHandle, error) {
	out := make(map[types.PlanNodeID]map[int][]types.ExchangeSourceHandle)
	for _, child := range children {
		ex := q.exchanges[child.Runtime.Fragment.ID]
		byPartition := make(map[int][]types.ExchangeSourceHandle, partitionCount)
		for pid := 0; pid < partitionCount; pid++ {
			handles, err := ex.GetSourceHandles(pid).Wait(ctx)
			if err != nil {
				return nil, err
			}
			byPartition[pid] = handles
		}
		out[types.PlanNodeID(child.Runtime.Fragment.ID)] = byPartition
	}
	return out, nil
}

func (q *Scheduler) gatherFlat(ctx context.Context, children []*stagemanager.Stage) (types.PlanNodeID, []types.ExchangeSourceHandle, error) {
	var nodeID types.PlanNodeID
	var handles []types.ExchangeSourceHandle
	for _, child := range children {
		nodeID = types.PlanNodeID(child.Runtime.Fragment.ID)
		ex := q.exchanges[child.Runtime.Fragment.ID]
		h, err := ex.GetSourceHandles(0).Wait(ctx)
		if err != nil {
			return "", nil, err
		}
		handles = append(handles, h...)
	}
	return nodeID, handles, nil
}

func (q *Scheduler) gatherAsSplits(ctx context.Context, children []*stagemanager.Stage) (map[types.PlanNodeID][]types.Split, error) {
	splits := make(map[types.PlanNodeID][]types.Split)
	for _, child := range children {
		nodeID := types.PlanNodeID(child.Runtime.Fragment.ID)
		ex := q.exchanges[child.Runtime.Fragment.ID]
		handles, err := ex.GetSourceHandles(0).Wait(ctx)
		if err != nil {
			return nil, err
		}
		if len(handles) > 0 {
			splits[nodeID] = []types.Split{types.NewRemoteSplit(handles)}
		}
	}
	return splits, nil
}

// sinkWiringFactory decorates a RemoteTaskFactory so every attempt's
// output exchange sink is finished once the attempt reaches FINISHED.
// Producing the actual ExchangeSourceHandle values a finished attempt
// wrote is the worker-side runtime's concern (out of scope, per the
// RemoteTask contract's own doc comment) — this only guarantees the
// exchange's completion accounting advances so downstream stages'
// GetSourceHandles futures resolve once every producer is done.
type sinkWiringFactory struct {
	base     stagescheduler.RemoteTaskFactory
	exchange exchange.Exchange
}

func (f *sinkWiringFactory) CreateRemoteTask(ctx context.Context, taskID types.TaskID, node types.InternalNode, descriptor types.TaskDescriptor) (stagescheduler.RemoteTask, error) {
	remote, err := f.base.CreateRemoteTask(ctx, taskID, node, descriptor)
	if err != nil {
		return nil, err
	}
	sink := f.exchange.CreateSink(descriptor.PartitionID)
	remote.AddStateChangeListener(func(state stagescheduler.RemoteTaskState, _ *faultkind.Failure) {
		if state == stagescheduler.RemoteTaskFinished {
			sink.Finish()
		}
	})
	return remote, nil
}

// State reports the query's current lifecycle state.
func (q *Scheduler) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

func (q *Scheduler) setState(s State) {
	q.mu.Lock()
	q.state = s
	q.mu.Unlock()
}

// Result returns the future that resolves to the query's final spooled
// output once Run reaches FINISHED, or fails with the query's failure
// cause if it reaches FAILED.
func (q *Scheduler) Result() *future.Future[types.SpoolingExchangeInput] {
	return q.result
}

// Run drives the cooperative scheduling loop of spec §4.8 until every
// stage finishes, one stage fails terminally, or ctx is cancelled.
func (q *Scheduler) Run(ctx context.Context) (types.SpoolingExchangeInput, error) {
	logger := log.WithComponent("querysched")
	start := time.Now()
	q.setState(StateRunning)
	metrics.QueriesTotal.WithLabelValues(string(StateRunning)).Inc()

	for {
		select {
		case <-ctx.Done():
			q.teardownAll()
			return q.finishFailed(start, faultkind.New(faultkind.SchedulerShutdown, ctx.Err()))
		default:
		}

		allFinished := true
		var blockers []future.Awaitable

		for _, stage := range q.stages.Stages() {
			sched := stage.Scheduler
			if sched == nil {
				continue
			}
			if failed, failure := sched.Failed(); failed {
				logger.Error().Str("stage_id", string(stage.Runtime.ID)).Err(failure).Msg("stage failed, aborting query")
				q.teardownExcept(stage.Runtime.ID)
				return q.finishFailed(start, failure)
			}
			if sched.IsFinished() {
				q.stages.Finish(stage.Runtime.ID)
				continue
			}

			allFinished = false
			if err := sched.Schedule(ctx); err != nil {
				failure := asFailure(err)
				logger.Error().Str("stage_id", string(stage.Runtime.ID)).Err(failure).Msg("schedule failed, aborting query")
				q.teardownExcept(stage.Runtime.ID)
				return q.finishFailed(start, failure)
			}
			blockers = append(blockers, sched.IsBlocked())
		}

		if allFinished {
			break
		}
		awaitBlockers(ctx, blockers, blockerWaitCap)
	}

	q.setState(StateFinishing)
	handles, err := q.outputExchange.GetSourceHandles(0).Wait(ctx)
	if err != nil {
		return q.finishFailed(start, asFailure(err))
	}

	result := types.SpoolingExchangeInput{Handles: handles}
	q.setState(StateFinished)
	metrics.QueriesTotal.WithLabelValues(string(StateFinished)).Inc()
	metrics.QueryDuration.Observe(time.Since(start).Seconds())
	q.result.Complete(result, nil)
	return result, nil
}

func (q *Scheduler) finishFailed(start time.Time, failure *faultkind.Failure) (types.SpoolingExchangeInput, error) {
	q.mu.Lock()
	q.state = StateFailed
	q.failure = failure
	q.mu.Unlock()
	metrics.QueriesTotal.WithLabelValues(string(StateFailed)).Inc()
	metrics.QueryDuration.Observe(time.Since(start).Seconds())
	q.result.Complete(types.SpoolingExchangeInput{}, failure)
	return types.SpoolingExchangeInput{}, failure
}

// teardownExcept aborts every stage other than causeStage, which is
// already terminal; causeStage is merely cancelled to release whatever
// leases it still holds.
func (q *Scheduler) teardownExcept(causeStage types.StageID) {
	for _, stage := range q.stages.Stages() {
		if stage.Scheduler == nil {
			continue
		}
		if stage.Runtime.ID == causeStage {
			stage.Scheduler.Cancel()
		} else {
			stage.Scheduler.Abort()
		}
		q.stages.Abort(stage.Runtime.ID)
	}
}

func (q *Scheduler) teardownAll() {
	for _, stage := range q.stages.Stages() {
		if stage.Scheduler != nil {
			stage.Scheduler.Abort()
		}
		q.stages.Abort(stage.Runtime.ID)
	}
}

func awaitBlockers(ctx context.Context, blockers []future.Awaitable, maxWait time.Duration) {
	if len(blockers) == 0 {
		return
	}
	waitCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()
	future.Any(blockers...).Wait(waitCtx)
}

func asFailure(err error) *faultkind.Failure {
	var f *faultkind.Failure
	if errors.As(err, &f) {
		return f
	}
	return faultkind.New(faultkind.InvariantViolation, err)
}
