// Package planner turns a deployment request into an ordered plan of
// phases across four selectable strategies.
package planner

import (
	"fmt"
	"time"

	"github.com/meridianfleet/controlplane/pkg/errs"
	"github.com/meridianfleet/controlplane/pkg/types"
)

const (
	defaultPerServerTime = 5 * time.Second
	prologueDuration     = 30 * time.Second
	epilogueDuration     = 45 * time.Second
)

// Plan produces the canonical prologue, strategy-specific wave phases,
// and canonical epilogue for req. It returns a *errs.Error with Kind
// ValidationFailed if req.Configuration fails ValidateConfiguration.
func Plan(req Request) ([]*types.Phase, error) {
	if !ValidateConfiguration(req.Strategy, req.Configuration) {
		return nil, errs.New(errs.ValidationFailed, "invalid strategy configuration for %s", req.Strategy)
	}
	if len(req.TargetServers) == 0 {
		return nil, errs.New(errs.ValidationFailed, "no target servers")
	}

	waves, err := buildWaves(req)
	if err != nil {
		return nil, err
	}

	phases := make([]*types.Phase, 0, len(waves)+2)
	phases = append(phases, preDeployPhase(req))
	phases = append(phases, waves...)
	phases = append(phases, postDeployPhase(req), cleanupPhase(req))
	return phases, nil
}

// ValidateConfiguration reports whether cfg is well-formed for strategy.
// Every strategy requires all three configuration blocks to be present;
// Rolling additionally validates the wave partitioning rules.
func ValidateConfiguration(strategy types.StrategyKind, cfg Configuration) bool {
	if cfg.Rolling == nil || cfg.Wave == nil || cfg.HealthCheck == nil {
		return false
	}
	if cfg.HealthCheck.HealthCheckTimeoutS <= 0 {
		return false
	}
	if cfg.Rolling.MaxFailureThresholdPct < 0 || cfg.Rolling.MaxFailureThresholdPct > 100 {
		return false
	}

	switch strategy {
	case types.StrategyRolling, types.StrategyBlueGreen, types.StrategyCanary, types.StrategyImmediate:
		// fall through to wave-shape validation shared by every strategy
	default:
		return false
	}

	switch cfg.Wave.Strategy {
	case WaveFixedSize:
		if cfg.Wave.WaveSize < 1 {
			return false
		}
	case WavePercentage:
		if cfg.Wave.WavePercentage <= 0 || cfg.Wave.WavePercentage > 100 {
			return false
		}
	default:
		return false
	}
	return true
}

// EstimateExecutionTime returns a coarse lower bound on how long a plan
// for servers under cfg/strategy will take: the sum of each wave's
// size * per-server time (plus size * delay-between-servers when serial)
// plus waveInterval and healthCheckTimeout, plus the fixed prologue/epilogue
// constants. It partitions servers with the same waveSizes logic Plan
// uses, so the bound tracks the actual plan shape.
func EstimateExecutionTime(strategy types.StrategyKind, servers []string, cfg Configuration) time.Duration {
	sizes := waveSizesFor(strategy, len(servers), cfg)
	total := prologueDuration + epilogueDuration

	for _, size := range sizes {
		var waveWork time.Duration
		if cfg.Wave.ParallelWithinWave {
			waveWork = time.Duration(size) * defaultPerServerTime
		} else {
			waveWork = time.Duration(size) * (defaultPerServerTime + cfg.Wave.delayBetweenServers())
		}
		total += waveWork + cfg.Wave.waveInterval() + cfg.HealthCheck.timeout()
	}
	return total
}

// waveSizesFor returns the per-wave server counts for strategy against
// a fleet of n servers, without allocating any Phase/Step structures.
// It calls the same size helpers (rollingWaveSizes, canaryWaveSizes)
// that Plan's strategy builders call, so the two stay consistent.
func waveSizesFor(strategy types.StrategyKind, n int, cfg Configuration) []int {
	switch strategy {
	case types.StrategyRolling:
		return rollingWaveSizes(n, *cfg.Wave)
	case types.StrategyBlueGreen:
		return []int{n, n} // deploy-to-idle wave, cutover wave
	case types.StrategyCanary:
		return canaryWaveSizes(n)
	case types.StrategyImmediate:
		return []int{n}
	default:
		return nil
	}
}

func rollingWaveSizes(n int, wave WaveConfiguration) []int {
	var size int
	switch wave.Strategy {
	case WaveFixedSize:
		size = wave.WaveSize
	case WavePercentage:
		size = int(float64(n) * wave.WavePercentage / 100)
		if size < 1 {
			size = 1
		}
	default:
		size = n
	}
	var sizes []int
	for remaining := n; remaining > 0; remaining -= size {
		if remaining < size {
			sizes = append(sizes, remaining)
		} else {
			sizes = append(sizes, size)
		}
	}
	return sizes
}

func canaryWaveSizes(n int) []int {
	canary := maxInt(1, n*5/100)
	broader := maxInt(1, n*25/100)
	if canary >= n {
		return []int{n}
	}
	remaining := n - canary
	if broader > remaining {
		broader = remaining
	}
	remainder := remaining - broader
	sizes := []int{canary}
	if broader > 0 {
		sizes = append(sizes, broader)
	}
	if remainder > 0 {
		sizes = append(sizes, remainder)
	}
	return sizes
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func phaseID(name string) string {
	return name
}

func preDeployPhase(req Request) *types.Phase {
	return &types.Phase{
		PhaseID:           phaseID("pre-deploy"),
		Name:              "Pre-Deployment",
		Kind:              types.PhasePreDeploy,
		TargetServers:     nil,
		RollbackOnFailure: false,
		State:             types.PhasePending,
		HealthGate:        types.HealthGate{Timeout: req.healthTimeout(), RequiredRatio: 1},
		Steps: []*types.Step{
			{StepID: "validate-environment", Name: "Validate environment", Type: types.StepValidation, Critical: true, Deadline: 30 * time.Second, PerServer: map[string]types.StepServerStatus{}},
			{StepID: "load-balancer-readiness", Name: "Load balancer readiness check", Type: types.StepHealthCheck, Critical: true, Deadline: 30 * time.Second, PerServer: map[string]types.StepServerStatus{}},
			{StepID: "verify-package-checksum", Name: "Verify package checksum", Type: types.StepValidation, Critical: true, Deadline: 30 * time.Second, PerServer: map[string]types.StepServerStatus{}},
		},
	}
}

func postDeployPhase(req Request) *types.Phase {
	return &types.Phase{
		PhaseID:           phaseID("post-deploy"),
		Name:              "Post-Deployment",
		Kind:              types.PhasePostDeploy,
		TargetServers:     req.TargetServers,
		RollbackOnFailure: true,
		State:             types.PhasePending,
		HealthGate:        types.HealthGate{Timeout: req.healthTimeout(), RequiredRatio: req.Configuration.Rolling.requiredRatio()},
		Steps: []*types.Step{
			{StepID: "post-health-check", Name: "Health check all touched servers", Type: types.StepHealthCheck, Critical: true, Deadline: req.healthTimeout(), PerServer: map[string]types.StepServerStatus{}},
			{StepID: "integration-tests", Name: "Integration tests", Type: types.StepScript, Critical: false, Deadline: req.healthTimeout(), PerServer: map[string]types.StepServerStatus{}},
		},
	}
}

func cleanupPhase(req Request) *types.Phase {
	return &types.Phase{
		PhaseID:           phaseID("cleanup"),
		Name:              "Cleanup",
		Kind:              types.PhaseCleanup,
		TargetServers:     req.TargetServers,
		RollbackOnFailure: false,
		State:             types.PhasePending,
		HealthGate:        types.HealthGate{Timeout: req.healthTimeout(), RequiredRatio: 0},
		Steps: []*types.Step{
			{StepID: "remove-stale-artifacts", Name: "Remove stale artifacts", Type: types.StepScript, Critical: false, Deadline: 30 * time.Second, PerServer: map[string]types.StepServerStatus{}},
			{StepID: "cache-warmup", Name: "Cache warmup", Type: types.StepScript, Critical: false, Deadline: 30 * time.Second, PerServer: map[string]types.StepServerStatus{}},
		},
	}
}

func (r Request) healthTimeout() time.Duration {
	return r.Configuration.HealthCheck.timeout()
}

func buildWaves(req Request) ([]*types.Phase, error) {
	switch req.Strategy {
	case types.StrategyRolling:
		return rollingWaves(req)
	case types.StrategyBlueGreen:
		return blueGreenWaves(req)
	case types.StrategyCanary:
		return canaryWaves(req)
	case types.StrategyImmediate:
		return immediateWaves(req)
	default:
		return nil, errs.New(errs.ValidationFailed, "unknown strategy %s", req.Strategy)
	}
}

func waveStep(name string, servers []string) *types.Step {
	per := make(map[string]types.StepServerStatus, len(servers))
	for _, s := range servers {
		per[s] = types.StepServerPending
	}
	return &types.Step{
		StepID:    name,
		Name:      fmt.Sprintf("Deploy %s", name),
		Type:      types.StepCommand,
		Critical:  true,
		PerServer: per,
	}
}
