package tasksource

import (
	"context"
	"sync"

	"github.com/prism-sql/ftsched/pkg/future"
	"github.com/prism-sql/ftsched/pkg/types"
)

// SourceDistribution reads splits from a single connector split source
// and carves them into tasks as accumulated weight or count crosses a
// threshold, per spec §4.2.4.
type SourceDistribution struct {
	nodeID             types.PlanNodeID
	source             types.ConnectorSplitSource
	replicated         ReplicatedHandles
	splitWeightPerTask types.DataSize
	maxSplitsPerTask   int
	minSplitsPerTask   int
	batchSize          int

	mu              sync.Mutex
	pending         []types.Split
	exhausted       bool
	finished        bool
	nextPartitionID int
}

// NewSourceDistribution builds a SourceDistribution over source, reading
// nodeID's splits.
func NewSourceDistribution(nodeID types.PlanNodeID, source types.ConnectorSplitSource, replicated ReplicatedHandles, splitWeightPerTask types.DataSize, minSplitsPerTask, maxSplitsPerTask int) *SourceDistribution {
	return &SourceDistribution{
		nodeID:             nodeID,
		source:             source,
		replicated:         replicated,
		splitWeightPerTask: splitWeightPerTask,
		maxSplitsPerTask:   maxSplitsPerTask,
		minSplitsPerTask:   minSplitsPerTask,
		batchSize:          256,
	}
}

// MoreTasks drains the split source (possibly across several batches)
// until it can carve at least one task, or the source is exhausted, in
// which case per §4.2.4's final-task rule the remainder is emitted as
// one last task regardless of thresholds.
func (s *SourceDistribution) MoreTasks(ctx context.Context) *future.Future[[]types.TaskDescriptor] {
	out := future.New[[]types.TaskDescriptor]()
	go s.moreTasks(ctx, out)
	return out
}

func (s *SourceDistribution) moreTasks(ctx context.Context, out *future.Future[[]types.TaskDescriptor]) {
	for {
		s.mu.Lock()
		if s.finished {
			s.mu.Unlock()
			out.Complete(nil, nil)
			return
		}
		exhausted := s.exhausted
		s.mu.Unlock()

		if !exhausted {
			batch, err := s.source.GetNextBatch(ctx, s.batchSize)
			if err != nil {
				out.Complete(nil, err)
				return
			}
			s.mu.Lock()
			s.pending = append(s.pending, batch.Splits...)
			if batch.NoMoreSplits {
				s.exhausted = true
			}
			s.mu.Unlock()
		}

		s.mu.Lock()
		var tasks []types.TaskDescriptor
		for {
			task, ok := s.carveOne(false)
			if !ok {
				break
			}
			tasks = append(tasks, task)
		}
		if s.exhausted {
			if task, ok := s.carveOne(true); ok {
				tasks = append(tasks, task)
			}
			s.finished = true
		}
		s.mu.Unlock()

		if len(tasks) > 0 || s.finishedNow() {
			out.Complete(tasks, nil)
			return
		}

		select {
		case <-ctx.Done():
			out.Complete(nil, ctx.Err())
			return
		default:
		}
	}
}

func (s *SourceDistribution) finishedNow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// carveOne attempts to cut one task out of s.pending. Must be called
// with s.mu held. final bypasses the weight/count/min thresholds and
// takes everything remaining (spec §4.2.4's final-task rule); it never
// fires on an empty pending list, since an empty final task isn't useful
// to the scheduler.
func (s *SourceDistribution) carveOne(final bool) (types.TaskDescriptor, bool) {
	if len(s.pending) == 0 {
		return types.TaskDescriptor{}, false
	}

	anchor, hasAnchor := s.pickAnchor()
	group, rest := partitionByAffinity(s.pending, anchor, hasAnchor)

	if !final {
		if len(group) < s.minSplitsPerTask {
			return types.TaskDescriptor{}, false
		}
		if !meetsThreshold(group, s.splitWeightPerTask, s.maxSplitsPerTask) {
			return types.TaskDescriptor{}, false
		}
		taken, leftover := takeUpTo(group, s.splitWeightPerTask, s.maxSplitsPerTask)
		s.pending = append(leftover, rest...)
		return s.buildTask(taken, anchor, hasAnchor), true
	}

	// Final task: take everything, ignoring thresholds.
	s.pending = nil
	all := append(group, rest...)
	return s.buildTask(all, anchor, hasAnchor), true
}

// pickAnchor chooses the host address shared by the largest number of
// pending splits, per spec §4.2.4's host-affinity grouping rule.
func (s *SourceDistribution) pickAnchor() (types.HostAddress, bool) {
	counts := make(map[types.HostAddress]int)
	for _, sp := range s.pending {
		for _, addr := range sp.Addresses() {
			counts[addr]++
		}
	}
	if len(counts) == 0 {
		return "", false
	}
	var best types.HostAddress
	bestCount := -1
	for addr, count := range counts {
		if count > bestCount || (count == bestCount && addr < best) {
			best, bestCount = addr, count
		}
	}
	return best, true
}

// partitionByAffinity splits pending into splits that may join a task
// anchored at addr (address-agnostic splits plus ones listing addr) and
// the rest.
func partitionByAffinity(pending []types.Split, addr types.HostAddress, hasAnchor bool) (group, rest []types.Split) {
	if !hasAnchor {
		return append([]types.Split(nil), pending...), nil
	}
	for _, sp := range pending {
		addrs := sp.Addresses()
		if len(addrs) == 0 {
			group = append(group, sp)
			continue
		}
		matched := false
		for _, a := range addrs {
			if a == addr {
				matched = true
				break
			}
		}
		if matched {
			group = append(group, sp)
		} else {
			rest = append(rest, sp)
		}
	}
	return group, rest
}

func meetsThreshold(group []types.Split, splitWeightPerTask types.DataSize, maxSplitsPerTask int) bool {
	if maxSplitsPerTask > 0 && len(group) >= maxSplitsPerTask {
		return true
	}
	var weight types.DataSize
	for _, sp := range group {
		weight += sp.SplitWeight()
	}
	return splitWeightPerTask > 0 && weight >= splitWeightPerTask
}

// takeUpTo greedily consumes group (in order) until either threshold is
// met, returning the consumed prefix and the untouched remainder.
func takeUpTo(group []types.Split, splitWeightPerTask types.DataSize, maxSplitsPerTask int) (taken, leftover []types.Split) {
	var weight types.DataSize
	for i, sp := range group {
		taken = append(taken, sp)
		weight += sp.SplitWeight()
		metWeight := splitWeightPerTask > 0 && weight >= splitWeightPerTask
		metCount := maxSplitsPerTask > 0 && len(taken) >= maxSplitsPerTask
		if metWeight || metCount {
			leftover = append(leftover, group[i+1:]...)
			return taken, leftover
		}
	}
	return taken, nil
}

func (s *SourceDistribution) buildTask(splits []types.Split, anchor types.HostAddress, hasAnchor bool) types.TaskDescriptor {
	pid := s.nextPartitionID
	s.nextPartitionID++

	allSplits := map[types.PlanNodeID][]types.Split{s.nodeID: splits}
	applyReplicated(allSplits, s.replicated)

	var req types.NodeRequirement
	if hasAnchor {
		req = types.SingleAddress(anchor)
	}

	return types.TaskDescriptor{
		PartitionID:     pid,
		Splits:          allSplits,
		NodeRequirement: req,
	}
}

// IsFinished reports whether the final task has already been delivered.
func (s *SourceDistribution) IsFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Close releases the underlying split source.
func (s *SourceDistribution) Close() {
	s.source.Close()
}
