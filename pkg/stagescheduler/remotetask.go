package stagescheduler

import (
	"context"

	"github.com/prism-sql/ftsched/pkg/faultkind"
	"github.com/prism-sql/ftsched/pkg/types"
)

// RemoteTaskState mirrors the worker-side task lifecycle spec §6
// describes as part of the consumed RemoteTaskFactory contract.
type RemoteTaskState string

const (
	RemoteTaskPending  RemoteTaskState = "PENDING"
	RemoteTaskRunning  RemoteTaskState = "RUNNING"
	RemoteTaskFinishing RemoteTaskState = "FINISHING"
	RemoteTaskFinished RemoteTaskState = "FINISHED"
	RemoteTaskFailed   RemoteTaskState = "FAILED"
	RemoteTaskAborted  RemoteTaskState = "ABORTED"
)

// Terminal reports whether state ends the remote task's lifecycle.
func (s RemoteTaskState) Terminal() bool {
	switch s {
	case RemoteTaskFinished, RemoteTaskFailed, RemoteTaskAborted:
		return true
	default:
		return false
	}
}

// StateChangeListener is invoked on every RemoteTask state transition. On
// a terminal FAILED transition, failure carries the classified reason.
type StateChangeListener func(state RemoteTaskState, failure *faultkind.Failure)

// RemoteTask is the consumed worker-task handle from spec §6. Its wire
// format and actual execution belong to the worker-side runtime, which
// is explicitly out of scope; this core only needs the control surface.
type RemoteTask interface {
	Start() error
	Cancel()
	Abort()
	AddStateChangeListener(listener StateChangeListener)
	State() RemoteTaskState
}

// RemoteTaskFactory creates RemoteTask handles for scheduled attempts,
// per spec §6's RemoteTaskFactory.createRemoteTask contract.
type RemoteTaskFactory interface {
	CreateRemoteTask(ctx context.Context, taskID types.TaskID, node types.InternalNode, descriptor types.TaskDescriptor) (RemoteTask, error)
}
