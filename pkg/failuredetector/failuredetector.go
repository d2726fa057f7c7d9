// Package failuredetector ships the FailureDetector.isFailed(node)
// contract spec.md §6 lists as a consumed collaborator, plus reference
// checker backends the node allocator can use to implement it. The
// checkers are adapted from the teacher's per-container health-check
// probes (HTTP/TCP), retargeted at worker-node liveness rather than
// container liveness; detector heuristics themselves (how many probes,
// what interval) stay outside this core per spec §1.
package failuredetector

import (
	"context"
	"sync"
	"time"

	"github.com/prism-sql/ftsched/pkg/types"
)

// CheckType identifies a probe mechanism.
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
	CheckTypeGRPC CheckType = "grpc"
)

// Result is the outcome of one probe.
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker probes one worker node and reports a Result.
type Checker interface {
	Check(ctx context.Context) Result
	Type() CheckType
}

// Detector is the FailureDetector contract from spec §6.
type Detector interface {
	IsFailed(node types.InternalNode) bool
}

// CompositeDetector declares a node failed once Retries consecutive probes
// have each had at least one unhealthy checker, matching the teacher's
// ConsecutiveFailures threshold in pkg/health's Status tracking.
type CompositeDetector struct {
	Checkers []Checker
	Retries  int
	Timeout  time.Duration

	mu     sync.Mutex
	status map[string]*nodeStatus
}

type nodeStatus struct {
	consecutiveFailures int
}

// NewCompositeDetector builds a detector over the given checkers. A probe
// counts as a failure when any checker reports unhealthy; a node is
// declared failed after Retries consecutive failed probes.
func NewCompositeDetector(retries int, timeout time.Duration, checkers ...Checker) *CompositeDetector {
	if retries <= 0 {
		retries = 3
	}
	return &CompositeDetector{
		Checkers: checkers,
		Retries:  retries,
		Timeout:  timeout,
		status:   make(map[string]*nodeStatus),
	}
}

// IsFailed runs the configured checkers, each against its own configured
// target, stopping at the first unhealthy one, and reports true once the
// consecutive-failure count kept under node.Address reaches Retries.
func (d *CompositeDetector) IsFailed(node types.InternalNode) bool {
	if len(d.Checkers) == 0 {
		return false
	}

	ctx := context.Background()
	var cancel context.CancelFunc
	if d.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	allHealthy := true
	for _, c := range d.Checkers {
		if !c.Check(ctx).Healthy {
			allHealthy = false
			break
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.status[string(node.Address)]
	if !ok {
		st = &nodeStatus{}
		d.status[string(node.Address)] = st
	}
	if allHealthy {
		st.consecutiveFailures = 0
		return false
	}
	st.consecutiveFailures++
	return st.consecutiveFailures >= d.Retries
}
