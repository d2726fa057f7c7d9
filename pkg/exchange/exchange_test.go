package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/prism-sql/ftsched/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	id   string
	size types.DataSize
}

func (f fakeHandle) HandleByteSize() types.DataSize { return f.size }

func TestSourceHandlesResolveOnceAllSinksFinish(t *testing.T) {
	ex := NewInMemory(2, false)
	sinkA := ex.CreateSink(0)
	sinkB := ex.CreateSink(1)

	pending := ex.GetSourceHandles(0)
	assert.False(t, pending.IsDone())

	sinkA.Add(0, fakeHandle{id: "a1"})
	sinkA.Finish()
	assert.False(t, pending.IsDone(), "must wait for every sink, not just one")

	sinkB.Add(0, fakeHandle{id: "b1"})
	sinkB.Finish()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	handles, err := pending.Wait(ctx)
	require.NoError(t, err)
	assert.Len(t, handles, 2)
}

func TestSourceHandlesGroupedByDownstreamPartition(t *testing.T) {
	ex := NewInMemory(1, false)
	sink := ex.CreateSink(0)
	sink.Add(0, fakeHandle{id: "to-0"})
	sink.Add(1, fakeHandle{id: "to-1"})
	sink.Finish()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	h0, err := ex.GetSourceHandles(0).Wait(ctx)
	require.NoError(t, err)
	require.Len(t, h0, 1)
	assert.Equal(t, "to-0", h0[0].(fakeHandle).id)

	h1, err := ex.GetSourceHandles(1).Wait(ctx)
	require.NoError(t, err)
	require.Len(t, h1, 1)
	assert.Equal(t, "to-1", h1[0].(fakeHandle).id)
}

func TestPreserveOrderKeepsSinkCreationOrder(t *testing.T) {
	ex := NewInMemory(3, true)
	sinks := []Sink{ex.CreateSink(0), ex.CreateSink(1), ex.CreateSink(2)}

	// finish in reverse order; handle order must still follow sink
	// creation order, not finish order
	sinks[2].Add(0, fakeHandle{id: "c"})
	sinks[1].Add(0, fakeHandle{id: "b"})
	sinks[0].Add(0, fakeHandle{id: "a"})
	sinks[2].Finish()
	sinks[1].Finish()
	sinks[0].Finish()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	handles, err := ex.GetSourceHandles(0).Wait(ctx)
	require.NoError(t, err)
	require.Len(t, handles, 3)
	assert.Equal(t, "a", handles[0].(fakeHandle).id)
	assert.Equal(t, "b", handles[1].(fakeHandle).id)
	assert.Equal(t, "c", handles[2].(fakeHandle).id)
}

func TestGetSourceHandlesRequestedBeforeAnySinkCreated(t *testing.T) {
	ex := NewInMemory(0, false)
	pending := ex.GetSourceHandles(0)
	assert.False(t, pending.IsDone(), "with zero producer sinks the handle list never auto-completes")
}
