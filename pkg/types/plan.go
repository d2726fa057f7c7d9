package types

// PartitioningKind is the distribution policy attached to a plan fragment.
// It selects which TaskSource variant enumerates the fragment's tasks.
type PartitioningKind string

const (
	// PartitioningSingle runs the fragment as one task on any node.
	PartitioningSingle PartitioningKind = "SINGLE"
	// PartitioningCoordinator is PartitioningSingle pinned to the
	// coordinator address.
	PartitioningCoordinator PartitioningKind = "COORDINATOR"
	// PartitioningHash fans the fragment out to a fixed partition count
	// keyed by a hash of the partitioning columns.
	PartitioningHash PartitioningKind = "HASH"
	// PartitioningArbitrary packs upstream exchange output into
	// byte-sized partitions with no fixed count.
	PartitioningArbitrary PartitioningKind = "ARBITRARY"
	// PartitioningSource drives directly off a connector split source,
	// with no upstream exchange input of its own.
	PartitioningSource PartitioningKind = "SOURCE"
)

// PartitioningHandle describes how a fragment's output (or, for SOURCE,
// its splits) is divided into partitions.
type PartitioningHandle struct {
	Kind PartitioningKind

	// PartitionCount and BucketCount apply to PartitioningHash only.
	// BucketCount must be >= PartitionCount.
	PartitionCount int
	BucketCount    int

	// BucketToNode is an optional per-query affinity map from bucket to
	// a fixed worker address, supplied by the catalog's bucket-node map.
	BucketToNode map[int]HostAddress
}

// PlanFragment is the static, planned unit of parallel work. A Stage is a
// runtime instance of exactly one PlanFragment.
type PlanFragment struct {
	ID                  FragmentID
	Partitioning        PartitioningHandle
	SourceFragmentIDs   []FragmentID // children in the plan tree
	TableScanNodeID     PlanNodeID   // only set for PartitioningSource
	ConnectorSplitSource ConnectorSplitSource // only set for PartitioningSource
}

// IsSourceDistributed reports whether this fragment reads directly from a
// connector split source rather than purely from upstream exchanges.
func (f *PlanFragment) IsSourceDistributed() bool {
	return f.Partitioning.Kind == PartitioningSource
}

// StageStatus is the lifecycle of a runtime Stage.
type StageStatus string

const (
	StagePlanned    StageStatus = "PLANNED"
	StageScheduling StageStatus = "SCHEDULING"
	StageRunning    StageStatus = "RUNNING"
	StageFinished   StageStatus = "FINISHED"
	StageFailed     StageStatus = "FAILED"
	StageAborted    StageStatus = "ABORTED"
)

// Terminal reports whether the status ends the stage's lifecycle.
func (s StageStatus) Terminal() bool {
	switch s {
	case StageFinished, StageFailed, StageAborted:
		return true
	default:
		return false
	}
}

// Stage is a runtime instance of a PlanFragment.
type Stage struct {
	ID       StageID
	Fragment *PlanFragment
	Status   StageStatus
}
