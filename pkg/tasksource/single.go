package tasksource

import (
	"context"
	"sync"

	"github.com/prism-sql/ftsched/pkg/future"
	"github.com/prism-sql/ftsched/pkg/types"
)

// SingleDistribution emits exactly one task (partition 0) holding every
// split handed to it, per spec §4.2.1.
type SingleDistribution struct {
	mu        sync.Mutex
	splits    map[types.PlanNodeID][]types.Split
	nodeReq   types.NodeRequirement
	delivered bool
}

// NewSingleDistribution builds a SingleDistribution. When coordinatorOnly
// is set the one task is pinned to coordinatorAddress; otherwise it may
// run on any node.
func NewSingleDistribution(splits map[types.PlanNodeID][]types.Split, replicated ReplicatedHandles, coordinatorOnly bool, coordinatorAddress types.HostAddress) *SingleDistribution {
	merged := make(map[types.PlanNodeID][]types.Split, len(splits))
	for k, v := range splits {
		merged[k] = append([]types.Split(nil), v...)
	}
	applyReplicated(merged, replicated)

	var req types.NodeRequirement
	if coordinatorOnly {
		req = types.SingleAddress(coordinatorAddress)
	}

	return &SingleDistribution{splits: merged, nodeReq: req}
}

// MoreTasks returns the single task on its first call and an empty,
// already-finished result thereafter.
func (s *SingleDistribution) MoreTasks(ctx context.Context) *future.Future[[]types.TaskDescriptor] {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.delivered {
		return future.Completed[[]types.TaskDescriptor](nil, nil)
	}
	s.delivered = true
	task := types.TaskDescriptor{
		PartitionID:     0,
		Splits:          s.splits,
		NodeRequirement: s.nodeReq,
	}
	return future.Completed([]types.TaskDescriptor{task}, nil)
}

// IsFinished reports whether the one task has already been delivered.
func (s *SingleDistribution) IsFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered
}

// Close is a no-op: SingleDistribution owns no split sources.
func (s *SingleDistribution) Close() {}
