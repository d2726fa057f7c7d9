// Package allocator implements the Node Allocator (C3): it leases worker
// nodes to the stage scheduler against a memory budget, grounded in the
// teacher's storage.Store.ListNodes inventory and pkg/scheduler's
// node-filtering pattern, generalized from "assign a container" to
// "lease a node for a task attempt".
package allocator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prism-sql/ftsched/pkg/faultkind"
	"github.com/prism-sql/ftsched/pkg/failuredetector"
	"github.com/prism-sql/ftsched/pkg/future"
	"github.com/prism-sql/ftsched/pkg/log"
	"github.com/prism-sql/ftsched/pkg/metrics"
	"github.com/prism-sql/ftsched/pkg/types"
)

// NodeCapacity pairs a worker node with the memory budget the allocator
// may hand out against it.
type NodeCapacity struct {
	Node           types.InternalNode
	MemoryCapacity types.DataSize
}

// NodeInventory lists the nodes currently known to the cluster, mirroring
// the teacher's storage.Store.ListNodes but scoped to what the allocator
// needs: identity, catalogs, and a memory budget.
type NodeInventory interface {
	ListNodes(ctx context.Context) ([]NodeCapacity, error)
}

// Allocator is the NodeAllocator contract from spec §4.3.
type Allocator interface {
	Acquire(req types.NodeRequirement, memoryEstimate types.DataSize, priority int) *NodeLease
	Close()
}

// NodeLease is returned by Acquire. Node resolves once a node with
// sufficient headroom satisfying the requirement exists; it is never
// force-resolved on failure to acquire — starvation is modeled as a
// future that simply never completes.
type NodeLease struct {
	node     *future.Future[types.InternalNode]
	released bool
	mu       sync.Mutex
	onRelease func()
}

// Node returns the future that resolves to the leased node.
func (l *NodeLease) Node() *future.Future[types.InternalNode] {
	return l.node
}

// Release returns the lease's reserved memory to the pool. Safe to call
// more than once; only the first call has an effect.
func (l *NodeLease) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return
	}
	l.released = true
	if l.onRelease != nil {
		l.onRelease()
	}
}

type pendingRequest struct {
	seq       int64
	req       types.NodeRequirement
	estimate  types.DataSize
	priority  int
	lease     *NodeLease
	satisfied bool
	createdAt time.Time
}

// poolAllocator is the concrete NodeAllocator: it tracks per-node reserved
// memory against NodeInventory's advertised capacity, grants leases
// FIFO-within-priority-class, and asks failuredetector.Detector to skip
// nodes it believes have failed.
type poolAllocator struct {
	inventory NodeInventory
	detector  failuredetector.Detector

	mu       sync.Mutex
	reserved map[string]types.DataSize // keyed by HostAddress
	pending  []*pendingRequest
	nextSeq  int64
	closed   bool
}

// NewPoolAllocator builds an Allocator over the given inventory. detector
// may be nil, in which case no node is ever considered failed.
func NewPoolAllocator(inventory NodeInventory, detector failuredetector.Detector) Allocator {
	return &poolAllocator{
		inventory: inventory,
		detector:  detector,
		reserved:  make(map[string]types.DataSize),
	}
}

// Acquire enqueues a request for a node and immediately attempts to
// satisfy it (and the rest of the pending queue) against current
// inventory.
func (a *poolAllocator) Acquire(req types.NodeRequirement, memoryEstimate types.DataSize, priority int) *NodeLease {
	a.mu.Lock()
	defer a.mu.Unlock()

	lease := &NodeLease{node: future.New[types.InternalNode]()}

	if a.closed {
		lease.node.Complete(types.InternalNode{}, faultkind.New(faultkind.SchedulerShutdown, fmt.Errorf("allocator closed")))
		return lease
	}

	a.nextSeq++
	pr := &pendingRequest{
		seq:       a.nextSeq,
		req:       req,
		estimate:  memoryEstimate,
		priority:  priority,
		lease:     lease,
		createdAt: time.Now(),
	}
	lease.onRelease = func() { a.release(pr) }

	a.pending = append(a.pending, pr)
	a.dispatch()
	return lease
}

// release returns pr's reservation (if granted) and re-runs dispatch so a
// freed budget can satisfy the next-highest-priority waiter.
func (a *poolAllocator) release(pr *pendingRequest) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if pr.satisfied {
		if node, err := pr.lease.node.Result(); err == nil {
			a.reserved[string(node.Address)] -= pr.estimate
			if a.reserved[string(node.Address)] <= 0 {
				delete(a.reserved, string(node.Address))
			}
		}
	} else {
		a.removePending(pr)
	}
	a.dispatch()
}

func (a *poolAllocator) removePending(pr *pendingRequest) {
	for i, p := range a.pending {
		if p == pr {
			a.pending = append(a.pending[:i], a.pending[i+1:]...)
			return
		}
	}
}

// Close cancels every pending (unsatisfied) lease and rejects future
// acquisitions. Already-granted leases are left alone; callers release
// them normally.
func (a *poolAllocator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.closed = true
	for _, pr := range a.pending {
		if !pr.satisfied {
			pr.lease.node.Complete(types.InternalNode{}, faultkind.New(faultkind.SchedulerShutdown, fmt.Errorf("allocator closed")))
		}
	}
	a.pending = nil
}

// dispatch walks the pending queue in FIFO-within-priority-class order
// (higher priority value first, then arrival order) and grants leases
// against available inventory headroom. Must be called with a.mu held.
func (a *poolAllocator) dispatch() {
	if len(a.pending) == 0 {
		return
	}

	nodes, err := a.inventory.ListNodes(context.Background())
	if err != nil {
		log.WithComponent("allocator").Error().Err(err).Msg("failed to list node inventory")
		return
	}

	unsatisfied := make([]*pendingRequest, 0, len(a.pending))
	for _, pr := range a.pending {
		if !pr.satisfied {
			unsatisfied = append(unsatisfied, pr)
		}
	}
	sort.SliceStable(unsatisfied, func(i, j int) bool {
		if unsatisfied[i].priority != unsatisfied[j].priority {
			return unsatisfied[i].priority > unsatisfied[j].priority
		}
		return unsatisfied[i].seq < unsatisfied[j].seq
	})

	for _, pr := range unsatisfied {
		node, capacity, ok := a.pickNode(nodes, pr)
		if !ok {
			continue
		}
		a.reserved[string(node.Address)] += pr.estimate
		pr.satisfied = true
		pr.lease.node.Complete(node, nil)
		metrics.NodeLeaseWaitSeconds.Observe(time.Since(pr.createdAt).Seconds())
		_ = capacity
	}

	remaining := a.pending[:0]
	for _, pr := range a.pending {
		if !pr.satisfied {
			remaining = append(remaining, pr)
		}
	}
	a.pending = remaining
}

func (a *poolAllocator) pickNode(nodes []NodeCapacity, pr *pendingRequest) (types.InternalNode, types.DataSize, bool) {
	for _, nc := range nodes {
		if !pr.req.Satisfies(nc.Node.Address, nc.Node.Catalogs) {
			continue
		}
		if a.detector != nil && a.detector.IsFailed(nc.Node) {
			continue
		}
		used := a.reserved[string(nc.Node.Address)]
		if used+pr.estimate > nc.MemoryCapacity {
			continue
		}
		return nc.Node, nc.MemoryCapacity, true
	}
	return types.InternalNode{}, 0, false
}
