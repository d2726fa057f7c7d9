package querysched

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/prism-sql/ftsched/pkg/types"
)

// BucketNodeMapper resolves a catalog-bound HASH handle's bucket-to-node
// assignment, mirroring the NodePartitioningManager.getBucketNodeMap
// collaborator spec.md §6 lists as consumed and out of scope. A nil
// mapper means every HASH handle is treated as FIXED_HASH_DISTRIBUTION:
// partitions are the identity mapping over [0, PartitionCount).
type BucketNodeMapper interface {
	GetBucketNodeMap(ctx context.Context, handle types.PartitioningHandle) (map[int]types.HostAddress, error)
}

// resolvedPartitioning is one HASH handle's fully worked out partition
// count and bucket assignment.
type resolvedPartitioning struct {
	partitionCount    int
	bucketToPartition map[int]int // nil for the identity mapping
	bucketToNode      map[int]types.HostAddress
}

// partitioningCache memoizes resolvedPartitioning per distinct handle so
// every stage sharing a handle gets the exact same assignment — the
// "bucket affinity consistency" requirement of spec.md §8.
type partitioningCache struct {
	mapper BucketNodeMapper

	mu     sync.Mutex
	byKey  map[string]resolvedPartitioning
}

func newPartitioningCache(mapper BucketNodeMapper) *partitioningCache {
	return &partitioningCache{mapper: mapper, byKey: make(map[string]resolvedPartitioning)}
}

func partitioningKey(handle types.PartitioningHandle) string {
	return fmt.Sprintf("%s:%d:%d:%d", handle.Kind, handle.PartitionCount, handle.BucketCount, len(handle.BucketToNode))
}

// resolve returns handle's resolvedPartitioning, computing and caching it
// on first use. Non-HASH handles resolve trivially to their own
// PartitionCount.
func (c *partitioningCache) resolve(ctx context.Context, handle types.PartitioningHandle) (resolvedPartitioning, error) {
	if handle.Kind != types.PartitioningHash {
		return resolvedPartitioning{partitionCount: handle.PartitionCount}, nil
	}

	key := partitioningKey(handle)
	c.mu.Lock()
	if cached, ok := c.byKey[key]; ok {
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	var resolved resolvedPartitioning
	if c.mapper == nil || len(handle.BucketToNode) > 0 {
		// FIXED_HASH_DISTRIBUTION, or a handle that already carries a
		// static bucket-to-node map: identity mapping, scheme.PartitionCount
		// as planned.
		resolved = resolvedPartitioning{partitionCount: handle.PartitionCount, bucketToNode: handle.BucketToNode}
	} else {
		bucketToNode, err := c.mapper.GetBucketNodeMap(ctx, handle)
		if err != nil {
			return resolvedPartitioning{}, err
		}
		resolved = nodeStablePartitioning(bucketToNode)
	}

	c.mu.Lock()
	c.byKey[key] = resolved
	c.mu.Unlock()
	return resolved, nil
}

// nodeStablePartitioning implements spec.md §4.8 step 2 for catalog-bound
// handles: one partition per distinct node, assigned in stable
// (ascending bucket) first-seen order, with every bucket mapped to its
// node's partition id.
func nodeStablePartitioning(bucketToNode map[int]types.HostAddress) resolvedPartitioning {
	buckets := make([]int, 0, len(bucketToNode))
	for b := range bucketToNode {
		buckets = append(buckets, b)
	}
	sort.Ints(buckets)

	partitionOf := make(map[types.HostAddress]int)
	bucketToPartition := make(map[int]int, len(buckets))
	for _, b := range buckets {
		addr := bucketToNode[b]
		pid, ok := partitionOf[addr]
		if !ok {
			pid = len(partitionOf)
			partitionOf[addr] = pid
		}
		bucketToPartition[b] = pid
	}
	return resolvedPartitioning{
		partitionCount:    len(partitionOf),
		bucketToPartition: bucketToPartition,
		bucketToNode:      bucketToNode,
	}
}
