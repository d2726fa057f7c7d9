package allocator

import (
	"context"
	"testing"
	"time"

	"github.com/prism-sql/ftsched/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInventory struct {
	nodes []NodeCapacity
}

func (f *fakeInventory) ListNodes(ctx context.Context) ([]NodeCapacity, error) {
	return f.nodes, nil
}

func node(addr string) types.InternalNode {
	return types.InternalNode{ID: addr, Address: types.HostAddress(addr)}
}

func waitFor(t *testing.T, lease *NodeLease) types.InternalNode {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n, err := lease.Node().Wait(ctx)
	require.NoError(t, err)
	return n
}

func TestAcquireGrantsLeaseWithinCapacity(t *testing.T) {
	inv := &fakeInventory{nodes: []NodeCapacity{{Node: node("n1"), MemoryCapacity: types.Gigabyte}}}
	a := NewPoolAllocator(inv, nil)
	lease := a.Acquire(types.NodeRequirement{}, 100*types.Megabyte, 0)
	n := waitFor(t, lease)
	assert.Equal(t, types.HostAddress("n1"), n.Address)
}

func TestAcquireBlocksWhenNoCapacityRemains(t *testing.T) {
	inv := &fakeInventory{nodes: []NodeCapacity{{Node: node("n1"), MemoryCapacity: 100 * types.Megabyte}}}
	a := NewPoolAllocator(inv, nil)
	first := a.Acquire(types.NodeRequirement{}, 100*types.Megabyte, 0)
	waitFor(t, first)

	second := a.Acquire(types.NodeRequirement{}, 50*types.Megabyte, 0)
	assert.False(t, second.Node().IsDone())
}

func TestReleaseUnblocksNextWaiter(t *testing.T) {
	inv := &fakeInventory{nodes: []NodeCapacity{{Node: node("n1"), MemoryCapacity: 100 * types.Megabyte}}}
	a := NewPoolAllocator(inv, nil)
	first := a.Acquire(types.NodeRequirement{}, 100*types.Megabyte, 0)
	waitFor(t, first)

	second := a.Acquire(types.NodeRequirement{}, 50*types.Megabyte, 0)
	require.False(t, second.Node().IsDone())

	first.Release()
	waitFor(t, second)
}

func TestAcquireServesHigherPriorityClassFirst(t *testing.T) {
	inv := &fakeInventory{nodes: []NodeCapacity{{Node: node("n1"), MemoryCapacity: 100 * types.Megabyte}}}
	a := NewPoolAllocator(inv, nil)
	first := a.Acquire(types.NodeRequirement{}, 100*types.Megabyte, 0)
	waitFor(t, first)

	low := a.Acquire(types.NodeRequirement{}, 100*types.Megabyte, 0)
	high := a.Acquire(types.NodeRequirement{}, 100*types.Megabyte, 5)

	first.Release()
	// higher priority request should be granted before the earlier
	// lower-priority one even though it arrived second
	waitFor(t, high)
	assert.False(t, low.Node().IsDone())
}

func TestAcquireSkipsNodesThatDoNotSatisfyRequirement(t *testing.T) {
	inv := &fakeInventory{nodes: []NodeCapacity{{Node: node("n1"), MemoryCapacity: types.Gigabyte}}}
	a := NewPoolAllocator(inv, nil)
	lease := a.Acquire(types.NodeRequirement{Addresses: map[types.HostAddress]struct{}{"n2": {}}}, types.Megabyte, 0)
	assert.False(t, lease.Node().IsDone())
}

type alwaysFailedDetector struct{}

func (alwaysFailedDetector) IsFailed(types.InternalNode) bool { return true }

func TestAcquireSkipsFailedNodes(t *testing.T) {
	inv := &fakeInventory{nodes: []NodeCapacity{{Node: node("n1"), MemoryCapacity: types.Gigabyte}}}
	a := NewPoolAllocator(inv, alwaysFailedDetector{})
	lease := a.Acquire(types.NodeRequirement{}, types.Megabyte, 0)
	assert.False(t, lease.Node().IsDone())
}

func TestCloseCancelsPendingLeases(t *testing.T) {
	inv := &fakeInventory{nodes: []NodeCapacity{{Node: node("n1"), MemoryCapacity: 100 * types.Megabyte}}}
	a := NewPoolAllocator(inv, nil)
	first := a.Acquire(types.NodeRequirement{}, 100*types.Megabyte, 0)
	waitFor(t, first)

	pending := a.Acquire(types.NodeRequirement{}, 50*types.Megabyte, 0)
	a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := pending.Node().Wait(ctx)
	assert.Error(t, err)
}

func TestAcquireAfterCloseFailsImmediately(t *testing.T) {
	inv := &fakeInventory{nodes: []NodeCapacity{{Node: node("n1"), MemoryCapacity: 100 * types.Megabyte}}}
	a := NewPoolAllocator(inv, nil)
	a.Close()
	lease := a.Acquire(types.NodeRequirement{}, types.Megabyte, 0)
	require.True(t, lease.Node().IsDone())
	_, err := lease.Node().Result()
	assert.Error(t, err)
}
