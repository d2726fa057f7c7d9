// Package tasksource implements the Task Source (C2): the five
// distribution strategies spec.md §4.2 describes for turning a plan
// fragment's splits and upstream exchange input into TaskDescriptors.
// Every variant is grounded in the teacher's scheduleReplicatedService /
// scheduleGlobalService split in pkg/scheduler/scheduler.go — one
// function per distribution strategy, all converging on the same
// "produce work items, let the caller create attempts" shape — plus the
// teacher's pkg/events broker for the async completion idiom, now
// generalized into pkg/future.
package tasksource

import (
	"context"

	"github.com/prism-sql/ftsched/pkg/future"
	"github.com/prism-sql/ftsched/pkg/types"
)

// TaskSource is the C2 contract from spec §4.2.
type TaskSource interface {
	// MoreTasks completes when at least one new task is ready, or with
	// an empty (possibly nil) list once the source is exhausted.
	MoreTasks(ctx context.Context) *future.Future[[]types.TaskDescriptor]
	// IsFinished transitions from false to true exactly once, after the
	// last batch has been observed by a MoreTasks caller.
	IsFinished() bool
	// Close releases split sources and pending futures. Idempotent.
	Close()
}

// ReplicatedHandles maps a plan node to the exchange-source handles that
// must be broadcast — appended — to every task this source emits.
type ReplicatedHandles map[types.PlanNodeID][]types.ExchangeSourceHandle

// applyReplicated adds one synthetic remote split per replicated plan
// node to splits, per spec §4.2.5.
func applyReplicated(splits map[types.PlanNodeID][]types.Split, replicated ReplicatedHandles) {
	for nodeID, handles := range replicated {
		if len(handles) == 0 {
			continue
		}
		splits[nodeID] = append(splits[nodeID], types.NewRemoteSplit(handles))
	}
}

// remoteSplitsFor wraps handles destined for one plan node as the single
// synthetic remote split spec §4.2.5 describes, or returns nil if there
// are no handles.
func remoteSplitsFor(handles []types.ExchangeSourceHandle) []types.Split {
	if len(handles) == 0 {
		return nil
	}
	return []types.Split{types.NewRemoteSplit(handles)}
}
