// Package config holds the recognized configuration options from spec
// section 6: per-query retry budgets, the HASH fan-out width, the
// adaptive-joining thresholds used by the task-source family, and the
// memory-estimator growth parameters. It is loaded from cobra flags the
// way cmd/warren/main.go built its manager/worker Config structs, with
// an optional YAML override file in the style of apply.go's manifest
// loading.
package config

import (
	"fmt"
	"os"

	"github.com/prism-sql/ftsched/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Config is the set of options a query scheduler deployment recognizes.
// Field names and defaults mirror spec.md §6; YAML tags let it double as
// an apply-style manifest.
type Config struct {
	TaskRetryAttemptsOverall             int64          `yaml:"taskRetryAttemptsOverall"`
	TaskRetryAttemptsPerTask             int            `yaml:"taskRetryAttemptsPerTask"`
	MaxTasksWaitingForNodePerStage       int            `yaml:"maxTasksWaitingForNodePerStage"`
	FaultTolerantExecutionPartitionCount int            `yaml:"faultTolerantExecutionPartitionCount"`
	TargetPartitionSplitWeight           types.DataSize `yaml:"targetPartitionSplitWeight"`
	TargetPartitionSourceSize            types.DataSize `yaml:"targetPartitionSourceSize"`
	SplitBatchSize                       int            `yaml:"splitBatchSize"`
	MinSplitsPerTask                     int            `yaml:"minSplitsPerTask"`
	MaxSplitsPerTask                     int            `yaml:"maxSplitsPerTask"`
	InitialMemoryEstimate                types.DataSize `yaml:"initialMemoryEstimate"`
	MaxMemoryEstimate                    types.DataSize `yaml:"maxMemoryEstimate"`
	MemoryGrowthFactor                   float64        `yaml:"memoryGrowthFactor"`
	CoordinatorAddress                   types.HostAddress `yaml:"coordinatorAddress"`
}

// Default returns the recognized options at their default values. These
// mirror the conservative defaults a single-coordinator deployment would
// ship with, not a tuned production profile.
func Default() Config {
	return Config{
		TaskRetryAttemptsOverall:             ^int64(0) >> 1, // effectively unbounded unless overridden
		TaskRetryAttemptsPerTask:             4,
		MaxTasksWaitingForNodePerStage:       50,
		FaultTolerantExecutionPartitionCount: 50,
		TargetPartitionSplitWeight:           4 * types.Gigabyte,
		TargetPartitionSourceSize:            4 * types.Gigabyte,
		SplitBatchSize:                       100,
		MinSplitsPerTask:                     1,
		MaxSplitsPerTask:                     1000,
		InitialMemoryEstimate:                256 * types.Megabyte,
		MaxMemoryEstimate:                    16 * types.Gigabyte,
		MemoryGrowthFactor:                   2.0,
		CoordinatorAddress:                   "127.0.0.1:8080",
	}
}

// Validate rejects configurations that violate spec.md §6's bounds.
func (c Config) Validate() error {
	switch {
	case c.TaskRetryAttemptsOverall < 0:
		return fmt.Errorf("config: taskRetryAttemptsOverall must be >= 0, got %d", c.TaskRetryAttemptsOverall)
	case c.TaskRetryAttemptsPerTask < 0:
		return fmt.Errorf("config: taskRetryAttemptsPerTask must be >= 0, got %d", c.TaskRetryAttemptsPerTask)
	case c.MaxTasksWaitingForNodePerStage < 1:
		return fmt.Errorf("config: maxTasksWaitingForNodePerStage must be >= 1, got %d", c.MaxTasksWaitingForNodePerStage)
	case c.FaultTolerantExecutionPartitionCount < 1:
		return fmt.Errorf("config: faultTolerantExecutionPartitionCount must be >= 1, got %d", c.FaultTolerantExecutionPartitionCount)
	case c.TargetPartitionSplitWeight <= 0:
		return fmt.Errorf("config: targetPartitionSplitWeight must be > 0, got %s", c.TargetPartitionSplitWeight)
	case c.TargetPartitionSourceSize <= 0:
		return fmt.Errorf("config: targetPartitionSourceSize must be > 0, got %s", c.TargetPartitionSourceSize)
	case c.SplitBatchSize < 1:
		return fmt.Errorf("config: splitBatchSize must be >= 1, got %d", c.SplitBatchSize)
	case c.MinSplitsPerTask < 1:
		return fmt.Errorf("config: minSplitsPerTask must be >= 1, got %d", c.MinSplitsPerTask)
	case c.MaxSplitsPerTask < c.MinSplitsPerTask:
		return fmt.Errorf("config: maxSplitsPerTask (%d) must be >= minSplitsPerTask (%d)", c.MaxSplitsPerTask, c.MinSplitsPerTask)
	case c.InitialMemoryEstimate <= 0:
		return fmt.Errorf("config: initialMemoryEstimate must be > 0, got %s", c.InitialMemoryEstimate)
	case c.MaxMemoryEstimate < c.InitialMemoryEstimate:
		return fmt.Errorf("config: maxMemoryEstimate (%s) must be >= initialMemoryEstimate (%s)", c.MaxMemoryEstimate, c.InitialMemoryEstimate)
	case c.MemoryGrowthFactor <= 1.0:
		return fmt.Errorf("config: memoryGrowthFactor must be > 1.0, got %f", c.MemoryGrowthFactor)
	}
	return nil
}

// BindFlags registers one persistent flag per recognized option on cmd,
// defaulted from Default(), following the teacher's pattern of wiring
// raw cobra flags rather than a config-file-first model.
func BindFlags(cmd *cobra.Command) {
	d := Default()
	flags := cmd.PersistentFlags()
	flags.Int64("task-retry-attempts-overall", d.TaskRetryAttemptsOverall, "per-query counted-failure retry budget")
	flags.Int("task-retry-attempts-per-task", d.TaskRetryAttemptsPerTask, "per-partition retry budget")
	flags.Int("max-tasks-waiting-for-node-per-stage", d.MaxTasksWaitingForNodePerStage, "bound on concurrent lease requests per stage")
	flags.Int("fault-tolerant-execution-partition-count", d.FaultTolerantExecutionPartitionCount, "HASH distribution fan-out width")
	flags.Int64("target-partition-split-weight-bytes", int64(d.TargetPartitionSplitWeight), "adaptive-joining split weight threshold, in bytes")
	flags.Int64("target-partition-source-size-bytes", int64(d.TargetPartitionSourceSize), "adaptive-joining exchange byte threshold")
	flags.Int("split-batch-size", d.SplitBatchSize, "pull size from connector split sources")
	flags.Int("min-splits-per-task", d.MinSplitsPerTask, "minimum splits per SourceDistribution task while the source is open")
	flags.Int("max-splits-per-task", d.MaxSplitsPerTask, "maximum splits per SourceDistribution task")
	flags.Int64("initial-memory-estimate-bytes", int64(d.InitialMemoryEstimate), "starting per-partition memory estimate")
	flags.Int64("max-memory-estimate-bytes", int64(d.MaxMemoryEstimate), "ceiling for the adaptive memory estimator")
	flags.Float64("memory-growth-factor", d.MemoryGrowthFactor, "multiplier applied to the estimate on out-of-memory retries")
	flags.String("coordinator-address", string(d.CoordinatorAddress), "address pinned for COORDINATOR-distributed stages")
}

// FromFlags reads back the flags BindFlags registered into a Config.
func FromFlags(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()
	c := Default()

	getInt64 := func(name string, dst *int64) error {
		v, err := flags.GetInt64(name)
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}
	getInt := func(name string, dst *int) error {
		v, err := flags.GetInt(name)
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}

	var bytes int64
	if err := getInt64("task-retry-attempts-overall", &c.TaskRetryAttemptsOverall); err != nil {
		return Config{}, err
	}
	if err := getInt("task-retry-attempts-per-task", &c.TaskRetryAttemptsPerTask); err != nil {
		return Config{}, err
	}
	if err := getInt("max-tasks-waiting-for-node-per-stage", &c.MaxTasksWaitingForNodePerStage); err != nil {
		return Config{}, err
	}
	if err := getInt("fault-tolerant-execution-partition-count", &c.FaultTolerantExecutionPartitionCount); err != nil {
		return Config{}, err
	}
	if err := getInt64("target-partition-split-weight-bytes", &bytes); err != nil {
		return Config{}, err
	}
	c.TargetPartitionSplitWeight = types.DataSize(bytes)
	if err := getInt64("target-partition-source-size-bytes", &bytes); err != nil {
		return Config{}, err
	}
	c.TargetPartitionSourceSize = types.DataSize(bytes)
	if err := getInt("split-batch-size", &c.SplitBatchSize); err != nil {
		return Config{}, err
	}
	if err := getInt("min-splits-per-task", &c.MinSplitsPerTask); err != nil {
		return Config{}, err
	}
	if err := getInt("max-splits-per-task", &c.MaxSplitsPerTask); err != nil {
		return Config{}, err
	}
	if err := getInt64("initial-memory-estimate-bytes", &bytes); err != nil {
		return Config{}, err
	}
	c.InitialMemoryEstimate = types.DataSize(bytes)
	if err := getInt64("max-memory-estimate-bytes", &bytes); err != nil {
		return Config{}, err
	}
	c.MaxMemoryEstimate = types.DataSize(bytes)
	growth, err := flags.GetFloat64("memory-growth-factor")
	if err != nil {
		return Config{}, err
	}
	c.MemoryGrowthFactor = growth
	coordAddr, err := flags.GetString("coordinator-address")
	if err != nil {
		return Config{}, err
	}
	c.CoordinatorAddress = types.HostAddress(coordAddr)

	return c, nil
}

// LoadFile reads a YAML manifest and overlays it onto Default(), the way
// apply.go parsed a WarrenResource manifest: fields the file omits keep
// their default value rather than zeroing out.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	c := Default()
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return c, nil
}
