package types

import "github.com/google/uuid"

// QueryID identifies one query end to end.
type QueryID string

// StageID identifies a runtime stage within a query.
type StageID string

// FragmentID identifies a planned fragment (the static plan-tree node a
// Stage is instantiated from).
type FragmentID string

// PlanNodeID identifies a node inside a fragment's plan (a table scan, an
// exchange, ...). Task descriptors key their split lists by this id.
type PlanNodeID string

// TaskID identifies one attempt of one partition of one stage.
type TaskID struct {
	StageID     StageID
	PartitionID int
	AttemptID   int
}

// NewQueryID generates a fresh query identifier.
func NewQueryID() QueryID {
	return QueryID(uuid.New().String())
}

// NewStageID generates a fresh stage identifier.
func NewStageID() StageID {
	return StageID(uuid.New().String())
}
