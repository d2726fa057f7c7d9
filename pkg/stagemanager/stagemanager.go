// Package stagemanager implements the Stage Manager (C7): it holds a
// query's stages in topological order, answers children(fragmentId) and
// getStage(stageId), aggregates per-stage statistics, and makes sure
// finish()/abort() only ever fire once per stage. It is grounded in the
// teacher's pkg/manager.Manager as an in-memory registry of runtime
// objects keyed by ID, and in pkg/manager/metrics_collector.go's
// per-dimension aggregation-into-gauges pattern for stage statistics —
// generalized from "poll the store on a ticker" to "accumulate as attempt
// outcomes are reported", since a query's stage topology is fixed for the
// query's lifetime rather than polled. Statistics accumulate only through
// the Record* methods; the stage scheduler and the query scheduler do not
// call them. Only CPU time and peak memory are pushed to Prometheus; the
// task counters stay in Stats.
package stagemanager

import (
	"sync"

	"github.com/prism-sql/ftsched/pkg/metrics"
	"github.com/prism-sql/ftsched/pkg/stagescheduler"
	"github.com/prism-sql/ftsched/pkg/types"
)

// Stats is one stage's running totals, surfaced through the metrics
// spec §3.1 adds on top of the distilled Stage type.
type Stats struct {
	CPUSeconds      float64
	PeakMemoryBytes types.DataSize
	TasksScheduled  int
	TasksFailed     int
	TasksFinished   int
}

// Stage is a runtime stage plus the scheduler driving it and the
// bookkeeping the manager needs to broadcast its terminal transition
// exactly once.
type Stage struct {
	Runtime   *types.Stage
	Scheduler *stagescheduler.Scheduler

	mu        sync.Mutex
	stats     Stats
	finished  bool
	aborted   bool
}

// Stats reports the last-observed stats snapshot for this stage.
func (s *Stage) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// FinishListener is invoked exactly once per stage, the first time it
// reaches a terminal outcome via Manager.Finish or Manager.Abort.
type FinishListener func(stage *Stage)

// Manager is the C7 Stage Manager for one query.
type Manager struct {
	queryID types.QueryID

	mu         sync.Mutex
	order      []*Stage // topological order, leaves first, root last
	byID       map[types.StageID]*Stage
	byFragment map[types.FragmentID]*Stage

	onFinish FinishListener
	onAbort  FinishListener
}

// New builds an empty Manager for one query. Stages are added in
// construction order via AddStage — callers are responsible for adding
// children before their parents so Stages() returns root-last order.
func New(queryID types.QueryID) *Manager {
	return &Manager{
		queryID:    queryID,
		byID:       make(map[types.StageID]*Stage),
		byFragment: make(map[types.FragmentID]*Stage),
	}
}

// OnFinish registers the listener invoked once for each stage, the first
// time that stage finishes successfully.
func (m *Manager) OnFinish(fn FinishListener) { m.onFinish = fn }

// OnAbort registers the listener invoked once for each stage, the first
// time that stage reaches a terminal failure or is aborted.
func (m *Manager) OnAbort(fn FinishListener) { m.onAbort = fn }

// AddStage registers a runtime stage. Must be called in topological
// order (a fragment's children before the fragment itself).
func (m *Manager) AddStage(stage *Stage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.order = append(m.order, stage)
	m.byID[stage.Runtime.ID] = stage
	m.byFragment[stage.Runtime.Fragment.ID] = stage
	metrics.StagesTotal.WithLabelValues(string(types.StagePlanned)).Inc()
}

// Stages returns every stage in topological order, leaves first, root
// last — the order spec §4.8 reverses to drive construction root-first.
func (m *Manager) Stages() []*Stage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Stage, len(m.order))
	copy(out, m.order)
	return out
}

// GetStage looks up a stage by its runtime id.
func (m *Manager) GetStage(id types.StageID) (*Stage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	return s, ok
}

// Children returns the runtime stages instantiating fragmentID's source
// fragments — the immediate children in the plan tree.
func (m *Manager) Children(fragmentID types.FragmentID) []*Stage {
	m.mu.Lock()
	defer m.mu.Unlock()
	stage, ok := m.byFragment[fragmentID]
	if !ok {
		return nil
	}
	children := make([]*Stage, 0, len(stage.Runtime.Fragment.SourceFragmentIDs))
	for _, childFragment := range stage.Runtime.Fragment.SourceFragmentIDs {
		if child, ok := m.byFragment[childFragment]; ok {
			children = append(children, child)
		}
	}
	return children
}

// RecordScheduled accounts for a newly created task attempt on stageID.
func (m *Manager) RecordScheduled(stageID types.StageID) {
	stage, ok := m.GetStage(stageID)
	if !ok {
		return
	}
	stage.mu.Lock()
	stage.stats.TasksScheduled++
	stage.mu.Unlock()
}

// RecordAttemptFinished folds a successfully finished attempt's
// resource usage into the stage's running totals.
func (m *Manager) RecordAttemptFinished(stageID types.StageID, cpuSeconds float64, peakMemory types.DataSize) {
	stage, ok := m.GetStage(stageID)
	if !ok {
		return
	}
	stage.mu.Lock()
	stage.stats.TasksFinished++
	stage.stats.CPUSeconds += cpuSeconds
	if peakMemory > stage.stats.PeakMemoryBytes {
		stage.stats.PeakMemoryBytes = peakMemory
	}
	stage.mu.Unlock()

	metrics.StageCPUSeconds.WithLabelValues(string(stageID)).Add(cpuSeconds)
	metrics.StagePeakMemoryBytes.WithLabelValues(string(stageID)).Set(float64(stage.Stats().PeakMemoryBytes))
}

// RecordAttemptFailed accounts for a failed attempt, retried or not.
func (m *Manager) RecordAttemptFailed(stageID types.StageID) {
	stage, ok := m.GetStage(stageID)
	if !ok {
		return
	}
	stage.mu.Lock()
	stage.stats.TasksFailed++
	stage.mu.Unlock()
}

// Finish transitions stageID to FINISHED and broadcasts the finish
// listener exactly once. Calling it again, or calling Abort afterward,
// is a no-op for that stage.
func (m *Manager) Finish(stageID types.StageID) {
	stage, ok := m.GetStage(stageID)
	if !ok {
		return
	}
	stage.mu.Lock()
	alreadyTerminal := stage.finished || stage.aborted
	if !alreadyTerminal {
		stage.finished = true
	}
	stage.mu.Unlock()
	if alreadyTerminal {
		return
	}

	stage.Runtime.Status = types.StageFinished
	metrics.StagesTotal.WithLabelValues(string(types.StageFinished)).Inc()
	if m.onFinish != nil {
		m.onFinish(stage)
	}
}

// Abort transitions stageID to FAILED (or ABORTED, if it hadn't already
// failed on its own) and broadcasts the abort listener exactly once.
func (m *Manager) Abort(stageID types.StageID) {
	stage, ok := m.GetStage(stageID)
	if !ok {
		return
	}
	stage.mu.Lock()
	alreadyTerminal := stage.finished || stage.aborted
	if !alreadyTerminal {
		stage.aborted = true
	}
	stage.mu.Unlock()
	if alreadyTerminal {
		return
	}

	var failed bool
	if stage.Scheduler != nil {
		failed, _ = stage.Scheduler.Failed()
	}
	if failed {
		stage.Runtime.Status = types.StageFailed
		metrics.StagesTotal.WithLabelValues(string(types.StageFailed)).Inc()
	} else {
		stage.Runtime.Status = types.StageAborted
		metrics.StagesTotal.WithLabelValues(string(types.StageAborted)).Inc()
	}
	if m.onAbort != nil {
		m.onAbort(stage)
	}
}

// AllFinished reports whether every registered stage has finished.
func (m *Manager) AllFinished() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.order {
		s.mu.Lock()
		done := s.finished
		s.mu.Unlock()
		if !done {
			return false
		}
	}
	return len(m.order) > 0
}
