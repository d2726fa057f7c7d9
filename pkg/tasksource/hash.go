package tasksource

import (
	"context"
	"sort"
	"sync"

	"github.com/prism-sql/ftsched/pkg/future"
	"github.com/prism-sql/ftsched/pkg/log"
	"github.com/prism-sql/ftsched/pkg/types"
)

// hashPartition accumulates one pre-join candidate's contents: data
// splits keyed by plan node, exchange handles keyed by plan node, and
// the set of original bucket ids (pre-bucketToPartition) that fed it —
// used to pick a node-affinity anchor during adaptive joining.
type hashPartition struct {
	dataSplits    map[types.PlanNodeID][]types.Split
	exchangeInput map[types.PlanNodeID][]types.ExchangeSourceHandle
	buckets       []int
}

// HashDistribution implements spec §4.2.3: splits and partitioned
// exchange input are grouped by bucket-to-partition mapping, then
// adjacent partitions are adaptively joined into tasks bounded by split
// weight and exchange byte size.
type HashDistribution struct {
	scheme                     types.PartitioningHandle
	splitSources               map[types.PlanNodeID]types.ConnectorSplitSource
	partitionedHandles         map[types.PlanNodeID]map[int][]types.ExchangeSourceHandle
	replicated                 ReplicatedHandles
	targetPartitionSplitWeight types.DataSize
	targetPartitionSourceSize  types.DataSize
	batchSize                  int
	bucketToPartition          map[int]int // nil for FIXED_HASH_DISTRIBUTION's identity mapping

	ready *future.Future[struct{}]

	mu        sync.Mutex
	delivered bool
	tasks     []types.TaskDescriptor
}

// NewHashDistribution starts draining splitSources in the background and
// becomes ready once every source reports exhaustion, at which point the
// full task set is computed per spec §4.2.3. bucketToPartition is the
// per-query cache a query scheduler builds once per partitioning handle
// (spec §4.8 step 2); nil means FIXED_HASH_DISTRIBUTION's identity
// mapping over [0, scheme.PartitionCount).
func NewHashDistribution(
	ctx context.Context,
	scheme types.PartitioningHandle,
	splitSources map[types.PlanNodeID]types.ConnectorSplitSource,
	partitionedHandles map[types.PlanNodeID]map[int][]types.ExchangeSourceHandle,
	replicated ReplicatedHandles,
	targetPartitionSplitWeight, targetPartitionSourceSize types.DataSize,
	bucketToPartition map[int]int,
) *HashDistribution {
	h := &HashDistribution{
		scheme:                     scheme,
		splitSources:               splitSources,
		partitionedHandles:         partitionedHandles,
		replicated:                 replicated,
		targetPartitionSplitWeight: targetPartitionSplitWeight,
		targetPartitionSourceSize:  targetPartitionSourceSize,
		batchSize:                  256,
		bucketToPartition:          bucketToPartition,
		ready:                      future.New[struct{}](),
	}
	go h.drain(ctx)
	return h
}

func identityBucketToPartition(bucket, partitionCount int) int {
	if partitionCount <= 0 {
		return 0
	}
	return bucket % partitionCount
}

// partitionFor resolves a bucket id to a partition id, consulting the
// per-query cache first and falling back to FIXED_HASH_DISTRIBUTION's
// identity mapping.
func (h *HashDistribution) partitionFor(bucket int) int {
	if h.bucketToPartition != nil {
		if pid, ok := h.bucketToPartition[bucket]; ok {
			return pid
		}
	}
	return identityBucketToPartition(bucket, h.scheme.PartitionCount)
}

func (h *HashDistribution) drain(ctx context.Context) {
	logger := log.WithComponent("tasksource.hash")
	byPartition := make(map[int]*hashPartition)

	get := func(partitionID int) *hashPartition {
		p, ok := byPartition[partitionID]
		if !ok {
			p = &hashPartition{
				dataSplits:    make(map[types.PlanNodeID][]types.Split),
				exchangeInput: make(map[types.PlanNodeID][]types.ExchangeSourceHandle),
			}
			byPartition[partitionID] = p
		}
		return p
	}

	// Step 1: drain every connector split source, grouping by
	// bucketToPartition(bucket(split)).
	for nodeID, source := range h.splitSources {
		for {
			batch, err := source.GetNextBatch(ctx, h.batchSize)
			if err != nil {
				logger.Error().Err(err).Str("plan_node", string(nodeID)).Msg("split source drain failed")
				break
			}
			for _, sp := range batch.Splits {
				bucket, ok := sp.Bucket()
				if !ok {
					bucket = 0
				}
				pid := h.partitionFor(bucket)
				part := get(pid)
				part.dataSplits[nodeID] = append(part.dataSplits[nodeID], sp)
				part.buckets = append(part.buckets, bucket)
			}
			if batch.NoMoreSplits {
				break
			}
		}
	}

	// Step 2: group partitioned exchange handles by their source-handle
	// partition id, mapped through bucketToPartition.
	for nodeID, byRawID := range h.partitionedHandles {
		for rawID, handles := range byRawID {
			pid := h.partitionFor(rawID)
			part := get(pid)
			part.exchangeInput[nodeID] = append(part.exchangeInput[nodeID], handles...)
			part.buckets = append(part.buckets, rawID)
		}
	}

	tasks := h.joinPartitions(byPartition)

	h.mu.Lock()
	h.tasks = tasks
	h.mu.Unlock()
	h.ready.Complete(struct{}{}, nil)
}

// joinPartitions implements step 3-5: candidate tasks per populated
// partition id, adaptively joined in ascending id order while weight,
// exchange-byte, and node-affinity constraints hold.
func (h *HashDistribution) joinPartitions(byPartition map[int]*hashPartition) []types.TaskDescriptor {
	ids := make([]int, 0, len(byPartition))
	for id := range byPartition {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var tasks []types.TaskDescriptor
	var staged *stagedTask

	flush := func() {
		if staged == nil {
			return
		}
		tasks = append(tasks, staged.build(h.replicated))
		staged = nil
	}

	for _, id := range ids {
		part := byPartition[id]
		addr, hasAddr := h.affinityFor(part)

		if staged != nil {
			sameAffinity := staged.hasAddr == hasAddr && staged.addr == addr
			if !sameAffinity ||
				staged.splitWeight+weightOf(part.dataSplits) > h.targetPartitionSplitWeight ||
				staged.exchangeBytes+bytesOf(part.exchangeInput) > h.targetPartitionSourceSize {
				flush()
			}
		}
		if staged == nil {
			staged = newStagedTask(len(tasks), addr, hasAddr)
		}
		staged.absorb(part)
	}
	flush()

	return tasks
}

func (h *HashDistribution) affinityFor(part *hashPartition) (types.HostAddress, bool) {
	if len(h.scheme.BucketToNode) == 0 || len(part.buckets) == 0 {
		return "", false
	}
	bucket := part.buckets[0]
	for _, b := range part.buckets {
		if b < bucket {
			bucket = b
		}
	}
	addr, ok := h.scheme.BucketToNode[bucket]
	return addr, ok
}

func weightOf(splits map[types.PlanNodeID][]types.Split) types.DataSize {
	var total types.DataSize
	for _, list := range splits {
		for _, s := range list {
			total += s.SplitWeight()
		}
	}
	return total
}

func bytesOf(handles map[types.PlanNodeID][]types.ExchangeSourceHandle) types.DataSize {
	var total types.DataSize
	for _, list := range handles {
		for _, h := range list {
			total += h.HandleByteSize()
		}
	}
	return total
}

type stagedTask struct {
	partitionID   int
	addr          types.HostAddress
	hasAddr       bool
	dataSplits    map[types.PlanNodeID][]types.Split
	exchangeInput map[types.PlanNodeID][]types.ExchangeSourceHandle
	splitWeight   types.DataSize
	exchangeBytes types.DataSize
	catalog       types.CatalogHandle
}

func newStagedTask(partitionID int, addr types.HostAddress, hasAddr bool) *stagedTask {
	return &stagedTask{
		partitionID:   partitionID,
		addr:          addr,
		hasAddr:       hasAddr,
		dataSplits:    make(map[types.PlanNodeID][]types.Split),
		exchangeInput: make(map[types.PlanNodeID][]types.ExchangeSourceHandle),
	}
}

func (s *stagedTask) absorb(part *hashPartition) {
	for nodeID, splits := range part.dataSplits {
		s.dataSplits[nodeID] = append(s.dataSplits[nodeID], splits...)
		for _, sp := range splits {
			s.splitWeight += sp.SplitWeight()
			if s.catalog == "" && sp.Catalog() != types.RemoteCatalogHandle {
				s.catalog = sp.Catalog()
			}
		}
	}
	for nodeID, handles := range part.exchangeInput {
		s.exchangeInput[nodeID] = append(s.exchangeInput[nodeID], handles...)
		for _, h := range handles {
			s.exchangeBytes += h.HandleByteSize()
		}
	}
}

func (s *stagedTask) build(replicated ReplicatedHandles) types.TaskDescriptor {
	splits := make(map[types.PlanNodeID][]types.Split, len(s.dataSplits)+len(s.exchangeInput))
	for nodeID, list := range s.dataSplits {
		splits[nodeID] = append(splits[nodeID], list...)
	}
	for nodeID, handles := range s.exchangeInput {
		splits[nodeID] = append(splits[nodeID], remoteSplitsFor(handles)...)
	}
	applyReplicated(splits, replicated)

	var req types.NodeRequirement
	req.CatalogHandle = s.catalog
	if s.hasAddr {
		req.Addresses = map[types.HostAddress]struct{}{s.addr: {}}
	}

	return types.TaskDescriptor{
		PartitionID:     s.partitionID,
		Splits:          splits,
		NodeRequirement: req,
	}
}

// MoreTasks blocks until the drain completes, then returns the full task
// set once and an empty, finished result thereafter.
func (h *HashDistribution) MoreTasks(ctx context.Context) *future.Future[[]types.TaskDescriptor] {
	out := future.New[[]types.TaskDescriptor]()
	go func() {
		if _, err := h.ready.Wait(ctx); err != nil {
			out.Complete(nil, err)
			return
		}
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.delivered {
			out.Complete(nil, nil)
			return
		}
		h.delivered = true
		out.Complete(h.tasks, nil)
	}()
	return out
}

// IsFinished reports whether the drain has completed and its task set
// has already been delivered.
func (h *HashDistribution) IsFinished() bool {
	if !h.ready.IsDone() {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.delivered
}

// Close releases every underlying connector split source.
func (h *HashDistribution) Close() {
	for _, source := range h.splitSources {
		source.Close()
	}
}
