// Package exchange defines the Exchange collaborator contract spec.md §3
// and §6 describe as external (the shuffle service itself is out of
// scope) and ships one in-memory reference implementation for tests and
// the demonstration CLI. It is grounded in the teacher's pkg/events
// broker: a central broadcaster handing buffered per-subscriber channels
// out to interested callers, here retargeted from "broadcast cluster
// events to N subscribers" to "collect per-partition source handles and
// let each downstream partition wait for its own finished list".
package exchange

import (
	"sort"
	"sync"

	"github.com/prism-sql/ftsched/pkg/future"
	"github.com/prism-sql/ftsched/pkg/types"
)

// Sink is returned by CreateSink for one upstream (producer) partition.
// A task attempt writing that partition's output calls Add for every
// handle it produces, and Finish exactly once when the partition's
// output is complete.
type Sink interface {
	Add(downstreamPartition int, handle types.ExchangeSourceHandle)
	Finish()
}

// Exchange is the external contract consumed by the stage scheduler and
// query scheduler (spec §3, §6): it decouples a producing stage's task
// attempts from the consuming stage's task source.
type Exchange interface {
	CreateSink(partitionID int) Sink
	GetSourceHandles(downstreamPartition int) *future.Future[[]types.ExchangeSourceHandle]
	Close()
}

// InMemory is a reference Exchange backed by in-process maps, suitable
// for tests and the simulate CLI harness — not a real shuffle service.
// When preserveOrder is true, handles for a given downstream partition
// are delivered in the order their producing sinks were created,
// matching spec §5's "ordered output exchange" guarantee.
type InMemory struct {
	preserveOrder bool

	mu            sync.Mutex
	sinkCount     int
	finishedSinks int
	handles       map[int][]orderedHandle
	futures       map[int]*future.Future[[]types.ExchangeSourceHandle]
	closed        bool
}

type orderedHandle struct {
	sinkSeq int
	handle  types.ExchangeSourceHandle
}

// NewInMemory builds an in-memory Exchange. producerPartitions is not
// used: the source-handle futures for each downstream partition complete
// once every sink created so far has called Finish, and never before the
// first sink is created. A sink created after that point is not waited for.
func NewInMemory(producerPartitions int, preserveOrder bool) *InMemory {
	return &InMemory{
		preserveOrder: preserveOrder,
		handles:       make(map[int][]orderedHandle),
		futures:       make(map[int]*future.Future[[]types.ExchangeSourceHandle]),
	}
}

// CreateSink returns a sink for the given producer partition. partitionID
// is accepted for interface symmetry with the external contract; this
// reference implementation tracks sinks by creation order rather than by
// partition identity, since producers and sink count are what gate
// completion here.
func (e *InMemory) CreateSink(partitionID int) Sink {
	e.mu.Lock()
	seq := e.sinkCount
	e.sinkCount++
	e.mu.Unlock()
	return &inMemorySink{exchange: e, seq: seq}
}

func (e *InMemory) addHandle(downstreamPartition, sinkSeq int, handle types.ExchangeSourceHandle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handles[downstreamPartition] = append(e.handles[downstreamPartition], orderedHandle{sinkSeq: sinkSeq, handle: handle})
}

func (e *InMemory) finishSink() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finishedSinks++
	if e.finishedSinks < e.sinkCount {
		return
	}
	for partition, pending := range e.futures {
		if pending.IsDone() {
			continue
		}
		pending.Complete(e.snapshotLocked(partition), nil)
	}
}

func (e *InMemory) snapshotLocked(downstreamPartition int) []types.ExchangeSourceHandle {
	entries := append([]orderedHandle(nil), e.handles[downstreamPartition]...)
	if e.preserveOrder {
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].sinkSeq < entries[j].sinkSeq })
	}
	out := make([]types.ExchangeSourceHandle, len(entries))
	for i, e := range entries {
		out[i] = e.handle
	}
	return out
}

// GetSourceHandles returns the future that resolves to downstreamPartition's
// complete, finite handle list once every sink has finished producing.
func (e *InMemory) GetSourceHandles(downstreamPartition int) *future.Future[[]types.ExchangeSourceHandle] {
	e.mu.Lock()
	defer e.mu.Unlock()

	if f, ok := e.futures[downstreamPartition]; ok {
		return f
	}
	f := future.New[[]types.ExchangeSourceHandle]()
	e.futures[downstreamPartition] = f
	if e.sinkCount > 0 && e.finishedSinks >= e.sinkCount {
		f.Complete(e.snapshotLocked(downstreamPartition), nil)
	}
	return f
}

// Close releases this exchange. Outstanding GetSourceHandles futures are
// left exactly as they are — an unfinished producer stage that never
// finishes is a stall, not something Close should paper over.
func (e *InMemory) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
}

type inMemorySink struct {
	exchange *InMemory
	seq      int
}

func (s *inMemorySink) Add(downstreamPartition int, handle types.ExchangeSourceHandle) {
	s.exchange.addHandle(downstreamPartition, s.seq, handle)
}

func (s *inMemorySink) Finish() {
	s.exchange.finishSink()
}
