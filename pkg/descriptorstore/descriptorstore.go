// Package descriptorstore implements the Task Descriptor Storage (C5): a
// bounded, per-query index of in-flight task descriptors. It is grounded
// in the shape of the teacher's storage.Store interface (typed
// Create/Get/Delete methods per entity) but drops BoltDB persistence
// entirely — spec.md §6 is explicit that no on-disk format is owned by
// this core, so the store here is an in-memory map guarded by a memory
// cap rather than a durable one guarded by disk space.
package descriptorstore

import (
	"fmt"
	"sync"

	"github.com/prism-sql/ftsched/pkg/faultkind"
	"github.com/prism-sql/ftsched/pkg/metrics"
	"github.com/prism-sql/ftsched/pkg/types"
)

// Store is the Task Descriptor Storage contract from spec §4.5.
type Store interface {
	Initialize(queryID types.QueryID)
	Put(queryID types.QueryID, taskID types.TaskID, descriptor types.TaskDescriptor) error
	Get(queryID types.QueryID, taskID types.TaskID) (types.TaskDescriptor, bool)
	Remove(queryID types.QueryID, taskID types.TaskID)
	Destroy(queryID types.QueryID)
}

// queryBucket holds one query's descriptors plus its running byte total.
type queryBucket struct {
	descriptors map[types.TaskID]types.TaskDescriptor
	bytes       int64
}

// BoundedStore is the concrete in-memory Store. It enforces a total
// memory cap across every query it holds and returns an overflow error
// once an insert would exceed it; the stage scheduler fails the stage with
// that StorageOverflow-kind failure, which is not retried.
type BoundedStore struct {
	mu       sync.Mutex
	capacity int64
	used     int64
	queries  map[types.QueryID]*queryBucket
}

// NewBoundedStore builds a Store capped at capacityBytes across all
// queries combined.
func NewBoundedStore(capacityBytes int64) *BoundedStore {
	return &BoundedStore{
		capacity: capacityBytes,
		queries:  make(map[types.QueryID]*queryBucket),
	}
}

// Initialize reserves an (empty) bucket for queryID. Calling it twice for
// the same query is a no-op.
func (s *BoundedStore) Initialize(queryID types.QueryID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queries[queryID]; ok {
		return
	}
	s.queries[queryID] = &queryBucket{descriptors: make(map[types.TaskID]types.TaskDescriptor)}
}

// Put inserts or replaces a descriptor. It fails with a StorageOverflow
// faultkind once the insert would push total usage past capacity.
func (s *BoundedStore) Put(queryID types.QueryID, taskID types.TaskID, descriptor types.TaskDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.queries[queryID]
	if !ok {
		bucket = &queryBucket{descriptors: make(map[types.TaskID]types.TaskDescriptor)}
		s.queries[queryID] = bucket
	}

	size := estimateSize(descriptor)
	var previous int64
	if existing, ok := bucket.descriptors[taskID]; ok {
		previous = estimateSize(existing)
	}

	projected := s.used - previous + size
	if s.capacity > 0 && projected > s.capacity {
		metrics.DescriptorStorageOverflowsTotal.Inc()
		return faultkind.New(faultkind.StorageOverflow,
			fmt.Errorf("descriptor store capacity exceeded: %d + %d > %d", s.used-previous, size, s.capacity))
	}

	s.used = projected
	bucket.bytes = bucket.bytes - previous + size
	bucket.descriptors[taskID] = descriptor

	metrics.DescriptorStorageBytes.WithLabelValues(string(queryID)).Set(float64(bucket.bytes))
	return nil
}

// Get returns a stored descriptor, if present.
func (s *BoundedStore) Get(queryID types.QueryID, taskID types.TaskID) (types.TaskDescriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.queries[queryID]
	if !ok {
		return types.TaskDescriptor{}, false
	}
	d, ok := bucket.descriptors[taskID]
	return d, ok
}

// Remove deletes one descriptor, freeing its reserved bytes.
func (s *BoundedStore) Remove(queryID types.QueryID, taskID types.TaskID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.queries[queryID]
	if !ok {
		return
	}
	existing, ok := bucket.descriptors[taskID]
	if !ok {
		return
	}
	size := estimateSize(existing)
	delete(bucket.descriptors, taskID)
	bucket.bytes -= size
	s.used -= size
	metrics.DescriptorStorageBytes.WithLabelValues(string(queryID)).Set(float64(bucket.bytes))
}

// Destroy drops an entire query's bucket. Idempotent.
func (s *BoundedStore) Destroy(queryID types.QueryID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.queries[queryID]
	if !ok {
		return
	}
	s.used -= bucket.bytes
	delete(s.queries, queryID)
	metrics.DescriptorStorageBytes.DeleteLabelValues(string(queryID))
}

// estimateSize approximates a descriptor's retained memory: a fixed
// per-descriptor overhead plus the declared weight of each split it
// carries. It is a cost model for store admission, not a measurement of
// actual Go heap usage.
func estimateSize(d types.TaskDescriptor) int64 {
	const baseOverhead = 256
	total := int64(baseOverhead)
	for _, splits := range d.Splits {
		for _, sp := range splits {
			total += int64(sp.SplitWeight()) + 64
		}
	}
	return total
}
