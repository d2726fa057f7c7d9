// Package memory implements the partition memory estimator (spec §4.4):
// an initial guess per partition, and a post-failure revision that grows
// on out-of-memory until it reaches the configured ceiling and holds on
// anything else. Once an estimate is at the ceiling, an out-of-memory
// revision returns the same value; it does not grow past the ceiling.
package memory

import (
	"sync"

	"github.com/prism-sql/ftsched/pkg/faultkind"
	"github.com/prism-sql/ftsched/pkg/types"
)

// Estimator predicts per-partition memory usage for a stage.
type Estimator interface {
	// InitialEstimate returns the memory estimate for a partition's
	// first attempt.
	InitialEstimate(partitionID int) types.DataSize
	// OnFailure returns the next estimate to use after an attempt
	// failed with the given previous estimate and failure kind.
	OnFailure(previous types.DataSize, kind faultkind.Kind) types.DataSize
}

// GrowthEstimator is the reference Estimator: a fixed initial estimate
// per stage, multiplied by GrowthFactor (capped at Max) on OOM, held
// steady otherwise. InitialEstimate never returns less than the largest
// value recorded for that partition through Remember; OnFailure records
// nothing itself.
type GrowthEstimator struct {
	mu      sync.Mutex
	Initial types.DataSize
	Max     types.DataSize
	// GrowthFactor multiplies the previous estimate on OOM; must be > 1.
	GrowthFactor float64

	highWater map[int]types.DataSize
}

// NewGrowthEstimator builds a GrowthEstimator with the given initial
// per-partition estimate, growth factor, and ceiling.
func NewGrowthEstimator(initial, max types.DataSize, growthFactor float64) *GrowthEstimator {
	if growthFactor <= 1 {
		growthFactor = 2
	}
	return &GrowthEstimator{
		Initial:      initial,
		Max:          max,
		GrowthFactor: growthFactor,
		highWater:    make(map[int]types.DataSize),
	}
}

func (e *GrowthEstimator) InitialEstimate(partitionID int) types.DataSize {
	e.mu.Lock()
	defer e.mu.Unlock()
	if hw, ok := e.highWater[partitionID]; ok && hw > e.Initial {
		return hw
	}
	return e.Initial
}

func (e *GrowthEstimator) OnFailure(previous types.DataSize, kind faultkind.Kind) types.DataSize {
	if kind != faultkind.OutOfMemory {
		return previous
	}
	next := types.DataSize(float64(previous) * e.GrowthFactor)
	if next <= previous {
		next = previous + types.Megabyte
	}
	if e.Max > 0 && next > e.Max {
		next = e.Max
	}
	return next
}

// Remember records the estimate a partition's next attempt will use, so
// a subsequent InitialEstimate (partition re-created after full retry
// exhaustion and resubmission) doesn't forget prior OOM growth.
func (e *GrowthEstimator) Remember(partitionID int, estimate types.DataSize) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.highWater[partitionID]; !ok || estimate > cur {
		e.highWater[partitionID] = estimate
	}
}
