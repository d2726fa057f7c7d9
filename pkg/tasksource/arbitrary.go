package tasksource

import (
	"context"
	"sync"

	"github.com/prism-sql/ftsched/pkg/future"
	"github.com/prism-sql/ftsched/pkg/types"
)

// ArbitraryDistribution greedily packs one plan node's exchange-source
// handles into partitions by byte size, per spec §4.2.2. Handles are
// assumed already fully available (the caller has awaited the producing
// stage's GetSourceHandles future before constructing this source), so
// the entire partition set is computed once, up front.
type ArbitraryDistribution struct {
	mu        sync.Mutex
	tasks     []types.TaskDescriptor
	delivered bool
}

// NewArbitraryDistribution packs handles (from plan node nodeID) into
// partitions, sealing each one as soon as its total byte size reaches
// targetPartitionSize (so a partition can exceed the target by the size
// of its last handle), breaking ties per the
// insertion-order rules in spec §4.2.2, and appends replicated's handles
// to every emitted task.
func NewArbitraryDistribution(nodeID types.PlanNodeID, handles []types.ExchangeSourceHandle, replicated ReplicatedHandles, targetPartitionSize types.DataSize) *ArbitraryDistribution {
	sealed := packByByteSize(handles, targetPartitionSize)

	tasks := make([]types.TaskDescriptor, 0, len(sealed))
	for i, group := range sealed {
		splits := map[types.PlanNodeID][]types.Split{
			nodeID: remoteSplitsFor(group),
		}
		applyReplicated(splits, replicated)
		tasks = append(tasks, types.TaskDescriptor{PartitionID: i, Splits: splits})
	}

	return &ArbitraryDistribution{tasks: tasks}
}

// packByByteSize implements spec §4.2.2 steps 1-4: an open partition
// accumulates handles until its running total reaches target, at which
// point it is sealed. A handle that alone meets or exceeds target seals
// whatever was open first, then forms its own one-handle partition.
func packByByteSize(handles []types.ExchangeSourceHandle, target types.DataSize) [][]types.ExchangeSourceHandle {
	var sealed [][]types.ExchangeSourceHandle
	var open []types.ExchangeSourceHandle
	var openTotal types.DataSize

	for _, h := range handles {
		size := h.HandleByteSize()
		if size >= target && len(open) > 0 {
			sealed = append(sealed, open)
			open = nil
			openTotal = 0
		}
		open = append(open, h)
		openTotal += size
		if openTotal >= target {
			sealed = append(sealed, open)
			open = nil
			openTotal = 0
		}
	}
	if len(open) > 0 {
		sealed = append(sealed, open)
	}
	return sealed
}

// MoreTasks returns every sealed partition on the first call, then an
// empty, finished result.
func (a *ArbitraryDistribution) MoreTasks(ctx context.Context) *future.Future[[]types.TaskDescriptor] {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.delivered {
		return future.Completed[[]types.TaskDescriptor](nil, nil)
	}
	a.delivered = true
	return future.Completed(a.tasks, nil)
}

// IsFinished reports whether the partition set has already been
// delivered.
func (a *ArbitraryDistribution) IsFinished() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.delivered
}

// Close is a no-op: ArbitraryDistribution owns no split sources.
func (a *ArbitraryDistribution) Close() {}
