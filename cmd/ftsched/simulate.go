package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prism-sql/ftsched/pkg/allocator"
	"github.com/prism-sql/ftsched/pkg/config"
	"github.com/prism-sql/ftsched/pkg/descriptorstore"
	"github.com/prism-sql/ftsched/pkg/faultkind"
	"github.com/prism-sql/ftsched/pkg/log"
	"github.com/prism-sql/ftsched/pkg/metrics"
	"github.com/prism-sql/ftsched/pkg/querysched"
	"github.com/prism-sql/ftsched/pkg/stagemanager"
	"github.com/prism-sql/ftsched/pkg/stagescheduler"
	"github.com/prism-sql/ftsched/pkg/types"
	"github.com/spf13/cobra"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a JSON plan-fragment tree through the scheduler against in-memory fakes",
	Long: `simulate loads a plan-fragment tree from a JSON file and drives it
end to end through the real Task Source, Node Allocator, Stage Scheduler,
and Query Scheduler packages. The Exchange, worker task runtime, and node
inventory are in-memory fakes — this is a demonstration harness, not a
production query-engine front-end.

Example:
  ftsched simulate --plan testdata/fanout.json --nodes 4`,
	RunE: runSimulate,
}

func init() {
	simulateCmd.Flags().String("plan", "", "JSON plan-fragment tree to run (required)")
	simulateCmd.Flags().String("config", "", "optional YAML config file overlaying the recognized options")
	simulateCmd.Flags().Int("nodes", 3, "number of fake worker nodes in the simulated inventory")
	simulateCmd.Flags().String("node-memory", "", "per-node memory capacity (e.g. 2g); defaults to 4x the configured initial memory estimate")
	simulateCmd.Flags().String("metrics-addr", "", "if set, serve /metrics and /health on this address while the simulation runs")
	simulateCmd.Flags().Duration("task-duration", 10*time.Millisecond, "simulated wall-clock time a fake remote task takes to finish")
	_ = simulateCmd.MarkFlagRequired("plan")
}

// planDocument is the JSON shape simulate reads: a flat list of
// fragments, each naming its children by id. Exactly one fragment must
// be unreferenced by every other fragment's sourceFragmentIds — that one
// is the query's output (root) stage.
type planDocument struct {
	Fragments []planFragment `json:"fragments"`
}

type planFragment struct {
	ID                string      `json:"id"`
	Partitioning      string      `json:"partitioning"`
	PartitionCount    int         `json:"partitionCount,omitempty"`
	BucketCount       int         `json:"bucketCount,omitempty"`
	SourceFragmentIDs []string    `json:"sourceFragmentIds,omitempty"`
	Splits            []planSplit `json:"splits,omitempty"`
}

type planSplit struct {
	WeightBytes int64  `json:"weightBytes"`
	Bucket      *int   `json:"bucket,omitempty"`
	Address     string `json:"address,omitempty"`
}

func runSimulate(cmd *cobra.Command, args []string) error {
	planPath, _ := cmd.Flags().GetString("plan")
	configPath, _ := cmd.Flags().GetString("config")
	nodeCount, _ := cmd.Flags().GetInt("nodes")
	nodeMemoryFlag, _ := cmd.Flags().GetString("node-memory")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	taskDuration, _ := cmd.Flags().GetDuration("task-duration")

	cfg, err := loadConfig(cmd, configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	doc, err := readPlan(planPath)
	if err != nil {
		return err
	}
	fragments, root, err := buildFragments(doc, cfg)
	if err != nil {
		return err
	}

	nodeMemory := 4 * cfg.InitialMemoryEstimate
	if nodeMemoryFlag != "" {
		parsed, err := parseDataSize(nodeMemoryFlag)
		if err != nil {
			return fmt.Errorf("invalid --node-memory: %w", err)
		}
		nodeMemory = parsed
	}

	queryID := types.NewQueryID()
	logger := log.WithComponent("simulate")
	logger.Info().Str("query_id", string(queryID)).Str("root_fragment", string(root)).Msg("starting simulation")

	if metricsAddr != "" {
		metrics.RegisterComponent("query_scheduler", true, "running")
		metrics.RegisterComponent("node_allocator", true, "running")
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.Handle("/health", metrics.HealthHandler())
			mux.Handle("/ready", metrics.ReadyHandler())
			mux.Handle("/live", metrics.LivenessHandler())
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
		logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")
	}

	stages := stagemanager.New(queryID)
	if err := addStagesInOrder(stages, fragments, root); err != nil {
		return err
	}

	inventory := fakeInventory(nodeCount, nodeMemory)
	alloc := allocator.NewPoolAllocator(inventory, nil)
	defer alloc.Close()

	store := descriptorstore.NewBoundedStore(int64(64 * types.Megabyte))
	factory := &autoFinishFactory{duration: taskDuration}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	defer cancel()

	sched, err := querysched.Build(ctx, queryID, stages, alloc, store, factory, nil, querySchedConfig(cfg))
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}

	result, runErr := sched.Run(ctx)
	printReport(queryID, stages, result, runErr)
	if runErr != nil {
		return runErr
	}
	return nil
}

// querySchedConfig narrows the externally-facing recognized options down
// to the subset querysched.Scheduler needs to build task sources and
// size partitions for a single query.
func querySchedConfig(cfg config.Config) querysched.Config {
	return querysched.Config{
		TaskRetryAttemptsPerTask:   cfg.TaskRetryAttemptsPerTask,
		TaskRetryAttemptsOverall:   cfg.TaskRetryAttemptsOverall,
		InitialMemoryEstimate:      cfg.InitialMemoryEstimate,
		MaxMemoryEstimate:          cfg.MaxMemoryEstimate,
		MemoryGrowthFactor:         cfg.MemoryGrowthFactor,
		TargetPartitionSplitWeight: cfg.TargetPartitionSplitWeight,
		TargetPartitionSourceSize:  cfg.TargetPartitionSourceSize,
		MinSplitsPerTask:           cfg.MinSplitsPerTask,
		MaxSplitsPerTask:           cfg.MaxSplitsPerTask,
		CoordinatorAddress:         cfg.CoordinatorAddress,
	}
}

func loadConfig(cmd *cobra.Command, path string) (config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.FromFlags(cmd.Root())
}

func readPlan(path string) (planDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return planDocument{}, fmt.Errorf("read plan: %w", err)
	}
	var doc planDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return planDocument{}, fmt.Errorf("parse plan: %w", err)
	}
	if len(doc.Fragments) == 0 {
		return planDocument{}, fmt.Errorf("plan has no fragments")
	}
	return doc, nil
}

// buildFragments turns the JSON plan into types.PlanFragment values keyed
// by id, and identifies the single root fragment (the one no other
// fragment names as a source).
func buildFragments(doc planDocument, cfg config.Config) (map[types.FragmentID]*types.PlanFragment, types.FragmentID, error) {
	fragments := make(map[types.FragmentID]*types.PlanFragment, len(doc.Fragments))
	referenced := make(map[types.FragmentID]bool)

	for _, pf := range doc.Fragments {
		id := types.FragmentID(pf.ID)
		if id == "" {
			return nil, "", fmt.Errorf("fragment missing id")
		}
		kind := types.PartitioningKind(pf.Partitioning)

		fragment := &types.PlanFragment{
			ID: id,
			Partitioning: types.PartitioningHandle{
				Kind:           kind,
				PartitionCount: pf.PartitionCount,
				BucketCount:    pf.BucketCount,
			},
		}
		for _, childID := range pf.SourceFragmentIDs {
			fragment.SourceFragmentIDs = append(fragment.SourceFragmentIDs, types.FragmentID(childID))
			referenced[types.FragmentID(childID)] = true
		}

		if kind == types.PartitioningHash && fragment.Partitioning.PartitionCount == 0 {
			fragment.Partitioning.PartitionCount = cfg.FaultTolerantExecutionPartitionCount
		}
		if kind == types.PartitioningHash && fragment.Partitioning.BucketCount < fragment.Partitioning.PartitionCount {
			fragment.Partitioning.BucketCount = fragment.Partitioning.PartitionCount
		}

		if kind == types.PartitioningSource {
			fragment.TableScanNodeID = types.PlanNodeID(fmt.Sprintf("%s-scan", pf.ID))
			fragment.ConnectorSplitSource = newFixedSplitSource(pf.Splits, cfg.SplitBatchSize)
		}

		fragments[id] = fragment
	}

	var roots []types.FragmentID
	for id := range fragments {
		if !referenced[id] {
			roots = append(roots, id)
		}
	}
	if len(roots) != 1 {
		return nil, "", fmt.Errorf("plan must have exactly one root fragment, found %d", len(roots))
	}
	return fragments, roots[0], nil
}

// addStagesInOrder adds one stagemanager.Stage per fragment, children
// before parents, since Manager.Stages() returns insertion order.
func addStagesInOrder(stages *stagemanager.Manager, fragments map[types.FragmentID]*types.PlanFragment, root types.FragmentID) error {
	visited := make(map[types.FragmentID]bool)
	var visit func(id types.FragmentID) error
	visit = func(id types.FragmentID) error {
		if visited[id] {
			return nil
		}
		fragment, ok := fragments[id]
		if !ok {
			return fmt.Errorf("fragment %q referenced but not defined", id)
		}
		for _, childID := range fragment.SourceFragmentIDs {
			if err := visit(childID); err != nil {
				return err
			}
		}
		visited[id] = true
		stages.AddStage(&stagemanager.Stage{
			Runtime: &types.Stage{
				ID:       types.NewStageID(),
				Fragment: fragment,
				Status:   types.StagePlanned,
			},
		})
		return nil
	}
	return visit(root)
}

func fakeInventory(nodeCount int, memory types.DataSize) allocator.NodeInventory {
	nodes := make([]allocator.NodeCapacity, 0, nodeCount)
	for i := 0; i < nodeCount; i++ {
		coordinator := i == 0
		id := fmt.Sprintf("node-%d", i)
		addr := types.HostAddress(fmt.Sprintf("127.0.0.1:%d", 9100+i))
		nodes = append(nodes, allocator.NodeCapacity{
			Node: types.InternalNode{
				ID:          id,
				Address:     addr,
				Coordinator: coordinator,
			},
			MemoryCapacity: memory,
		})
	}
	return &staticInventory{nodes: nodes}
}

type staticInventory struct {
	nodes []allocator.NodeCapacity
}

func (s *staticInventory) ListNodes(ctx context.Context) ([]allocator.NodeCapacity, error) {
	return s.nodes, nil
}

// autoFinishTask simulates a worker task that always succeeds after
// `duration`. Listeners are invoked on a separate goroutine, never from
// inside Start, since stagescheduler.Scheduler.Schedule holds its own
// lock for the duration of the call that invokes Start.
type autoFinishTask struct {
	duration time.Duration

	mu        sync.Mutex
	listeners []stagescheduler.StateChangeListener
	state     stagescheduler.RemoteTaskState
}

func (t *autoFinishTask) Start() error {
	t.mu.Lock()
	t.state = stagescheduler.RemoteTaskRunning
	listeners := append([]stagescheduler.StateChangeListener(nil), t.listeners...)
	t.mu.Unlock()

	go func() {
		time.Sleep(t.duration)
		t.mu.Lock()
		t.state = stagescheduler.RemoteTaskFinished
		t.mu.Unlock()
		for _, l := range listeners {
			l(stagescheduler.RemoteTaskFinished, nil)
		}
	}()
	return nil
}

func (t *autoFinishTask) Cancel() {
	t.mu.Lock()
	t.state = stagescheduler.RemoteTaskAborted
	t.mu.Unlock()
}

func (t *autoFinishTask) Abort() {
	t.mu.Lock()
	t.state = stagescheduler.RemoteTaskAborted
	t.mu.Unlock()
}

func (t *autoFinishTask) AddStateChangeListener(l stagescheduler.StateChangeListener) {
	t.mu.Lock()
	t.listeners = append(t.listeners, l)
	t.mu.Unlock()
}

func (t *autoFinishTask) State() stagescheduler.RemoteTaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

type autoFinishFactory struct {
	duration time.Duration
}

func (f *autoFinishFactory) CreateRemoteTask(ctx context.Context, taskID types.TaskID, node types.InternalNode, descriptor types.TaskDescriptor) (stagescheduler.RemoteTask, error) {
	return &autoFinishTask{duration: f.duration, state: stagescheduler.RemoteTaskPending}, nil
}

// fixedSplitSource feeds a static list of splits to a SourceDistribution
// task source in splitBatchSize-sized batches, matching a real
// connector's pull contract.
type fixedSplitSource struct {
	mu     sync.Mutex
	splits []types.Split
	idx    int
	batch  int
}

func newFixedSplitSource(defs []planSplit, batchSize int) *fixedSplitSource {
	splits := make([]types.Split, 0, len(defs))
	for _, d := range defs {
		split := &types.ConnectorSplit{Weight: types.DataSize(d.WeightBytes)}
		if d.Bucket != nil {
			split.BucketID = d.Bucket
		}
		if d.Address != "" {
			split.HostAddresses = []types.HostAddress{types.HostAddress(d.Address)}
		}
		splits = append(splits, split)
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &fixedSplitSource{splits: splits, batch: batchSize}
}

func (s *fixedSplitSource) GetNextBatch(ctx context.Context, maxSize int) (types.SplitBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	size := s.batch
	if maxSize > 0 && maxSize < size {
		size = maxSize
	}
	end := s.idx + size
	if end > len(s.splits) {
		end = len(s.splits)
	}
	out := s.splits[s.idx:end]
	s.idx = end
	return types.SplitBatch{Splits: out, NoMoreSplits: s.idx >= len(s.splits)}, nil
}

func (s *fixedSplitSource) Close() {}

func parseDataSize(s string) (types.DataSize, error) {
	var value float64
	var unit string
	if _, err := fmt.Sscanf(s, "%f%s", &value, &unit); err != nil {
		return 0, fmt.Errorf("expected a number followed by a unit (b, k, m, g), got %q", s)
	}
	switch unit {
	case "b", "B", "":
		return types.DataSize(value), nil
	case "k", "K", "kb", "KB":
		return types.DataSize(value * float64(types.Kilobyte)), nil
	case "m", "M", "mb", "MB":
		return types.DataSize(value * float64(types.Megabyte)), nil
	case "g", "G", "gb", "GB":
		return types.DataSize(value * float64(types.Gigabyte)), nil
	default:
		return 0, fmt.Errorf("unrecognized unit %q", unit)
	}
}

func printReport(queryID types.QueryID, stages *stagemanager.Manager, result types.SpoolingExchangeInput, runErr error) {
	fmt.Printf("query %s\n", queryID)
	if runErr != nil {
		var failure *faultkind.Failure
		if errAs(runErr, &failure) {
			fmt.Printf("  state: FAILED (%s): %v\n", failure.Kind, failure.Cause)
		} else {
			fmt.Printf("  state: FAILED: %v\n", runErr)
		}
	} else {
		fmt.Printf("  state: FINISHED, %d output handle(s)\n", len(result.Handles))
	}

	fmt.Println("  stages:")
	for _, stage := range stages.Stages() {
		stats := stage.Stats()
		fmt.Printf("    %-8s fragment=%-12s status=%-8s scheduled=%-4d failed=%-4d finished=%-4d cpu=%.3fs peak_mem=%s\n",
			stage.Runtime.ID, stage.Runtime.Fragment.ID, stage.Runtime.Status,
			stats.TasksScheduled, stats.TasksFailed, stats.TasksFinished,
			stats.CPUSeconds, stats.PeakMemoryBytes)
	}
}

// errAs is a small wrapper so printReport reads naturally without
// importing errors just for one call site.
func errAs(err error, target **faultkind.Failure) bool {
	if f, ok := err.(*faultkind.Failure); ok {
		*target = f
		return true
	}
	return false
}
