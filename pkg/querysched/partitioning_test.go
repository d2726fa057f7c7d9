package querysched

import (
	"context"
	"errors"
	"testing"

	"github.com/prism-sql/ftsched/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticMapper struct {
	byHandle map[string]map[int]types.HostAddress
	err      error
	calls    int
}

func (m *staticMapper) GetBucketNodeMap(ctx context.Context, handle types.PartitioningHandle) (map[int]types.HostAddress, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.byHandle[partitioningKey(handle)], nil
}

func TestNodeStablePartitioningAssignsOnePartitionPerDistinctNodeInBucketOrder(t *testing.T) {
	bucketToNode := map[int]types.HostAddress{
		3: "n2:8080",
		0: "n1:8080",
		1: "n1:8080",
		2: "n2:8080",
	}
	resolved := nodeStablePartitioning(bucketToNode)

	assert.Equal(t, 2, resolved.partitionCount)
	assert.Equal(t, 0, resolved.bucketToPartition[0])
	assert.Equal(t, 0, resolved.bucketToPartition[1])
	assert.Equal(t, 1, resolved.bucketToPartition[2])
	assert.Equal(t, 1, resolved.bucketToPartition[3])
}

func TestPartitioningCacheMemoizesPerHandleForBucketAffinityConsistency(t *testing.T) {
	handle := types.PartitioningHandle{Kind: types.PartitioningHash, BucketCount: 4}
	mapper := &staticMapper{byHandle: map[string]map[int]types.HostAddress{
		partitioningKey(handle): {0: "n1:8080", 1: "n2:8080", 2: "n1:8080", 3: "n2:8080"},
	}}
	cache := newPartitioningCache(mapper)

	first, err := cache.resolve(context.Background(), handle)
	require.NoError(t, err)
	second, err := cache.resolve(context.Background(), handle)
	require.NoError(t, err)

	assert.Equal(t, 1, mapper.calls, "second resolve for the same handle must hit the cache")
	assert.Equal(t, first.partitionCount, second.partitionCount)
	assert.Equal(t, first.bucketToPartition, second.bucketToPartition)
}

func TestPartitioningCacheTreatsNilMapperAsFixedHashIdentityMapping(t *testing.T) {
	cache := newPartitioningCache(nil)
	handle := types.PartitioningHandle{Kind: types.PartitioningHash, PartitionCount: 8, BucketCount: 8}

	resolved, err := cache.resolve(context.Background(), handle)
	require.NoError(t, err)

	assert.Equal(t, 8, resolved.partitionCount)
	assert.Nil(t, resolved.bucketToPartition)
}

func TestPartitioningCacheSkipsMapperWhenHandleAlreadyCarriesBucketToNode(t *testing.T) {
	mapper := &staticMapper{byHandle: map[string]map[int]types.HostAddress{}}
	cache := newPartitioningCache(mapper)
	handle := types.PartitioningHandle{
		Kind:           types.PartitioningHash,
		PartitionCount: 2,
		BucketCount:    2,
		BucketToNode:   map[int]types.HostAddress{0: "n1:8080", 1: "n2:8080"},
	}

	resolved, err := cache.resolve(context.Background(), handle)
	require.NoError(t, err)

	assert.Equal(t, 0, mapper.calls, "a handle carrying a static BucketToNode must not hit the mapper")
	assert.Equal(t, 2, resolved.partitionCount)
	assert.Equal(t, handle.BucketToNode, resolved.bucketToNode)
}

func TestPartitioningCacheResolvesNonHashHandlesTrivially(t *testing.T) {
	cache := newPartitioningCache(nil)
	handle := types.PartitioningHandle{Kind: types.PartitioningSingle, PartitionCount: 1}

	resolved, err := cache.resolve(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, 1, resolved.partitionCount)
}

func TestPartitioningCachePropagatesMapperError(t *testing.T) {
	mapper := &staticMapper{err: errors.New("catalog unavailable")}
	cache := newPartitioningCache(mapper)
	handle := types.PartitioningHandle{Kind: types.PartitioningHash, BucketCount: 2}

	_, err := cache.resolve(context.Background(), handle)
	assert.Error(t, err)
}
