package planner

import (
	"time"

	"github.com/meridianfleet/controlplane/pkg/types"
)

// WaveStrategyKind selects how a Rolling plan partitions target servers
// into waves.
type WaveStrategyKind string

const (
	WaveFixedSize  WaveStrategyKind = "fixed_size"
	WavePercentage WaveStrategyKind = "percentage"
)

// WaveConfiguration controls how target servers are partitioned into
// waves and how a wave is dispatched. Required for every strategy: the
// workflow engine reads MaxParallelism and ParallelWithinWave from it
// for every strategy's dispatch, whatever its wave count.
type WaveConfiguration struct {
	Strategy             WaveStrategyKind
	WaveSize             int     // used when Strategy == WaveFixedSize, must be >= 1
	WavePercentage       float64 // used when Strategy == WavePercentage, must be in (0, 100]
	WaveIntervalS        int
	ParallelWithinWave   bool
	MaxParallelism       int
	DelayBetweenServersS int
}

func (w WaveConfiguration) waveInterval() time.Duration {
	return time.Duration(w.WaveIntervalS) * time.Second
}

func (w WaveConfiguration) delayBetweenServers() time.Duration {
	return time.Duration(w.DelayBetweenServersS) * time.Second
}

func (w WaveConfiguration) maxParallelism() int {
	if w.ParallelWithinWave && w.MaxParallelism > 0 {
		return w.MaxParallelism
	}
	return 1
}

// RollingConfiguration controls retry and gate-failure behavior shared
// by every strategy's waves.
type RollingConfiguration struct {
	MaxRetries             int
	MaxFailureThresholdPct float64 // percent of a wave that may fail before the gate breaches
}

func (r RollingConfiguration) requiredRatio() float64 {
	return 1 - (r.MaxFailureThresholdPct / 100)
}

// HealthCheckConfiguration controls how long a wave's health gate waits
// for servers to reach a terminal state.
type HealthCheckConfiguration struct {
	HealthCheckTimeoutS int
}

func (h HealthCheckConfiguration) timeout() time.Duration {
	return time.Duration(h.HealthCheckTimeoutS) * time.Second
}

// Configuration is the full set of strategy-agnostic knobs a plan reads.
// All three blocks are required regardless of strategy: a plan always
// has a wave shape, a rollback/retry policy, and a health-check timeout,
// even if a given strategy (e.g. Immediate) only uses a subset of the
// fields within each.
type Configuration struct {
	Rolling     *RollingConfiguration
	Wave        *WaveConfiguration
	HealthCheck *HealthCheckConfiguration
}

// Request is the input to Plan: a deployment workflow request before any
// phase/step structure has been attached.
type Request struct {
	ServiceName    string
	Version        string
	Strategy       types.StrategyKind
	TargetServers  []string
	PackagePath    string
	PackageSHA256  string
	Priority       int
	Configuration  Configuration
}
