package planner

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianfleet/controlplane/pkg/errs"
	"github.com/meridianfleet/controlplane/pkg/types"
)

func servers(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("server-%02d", i+1)
	}
	return out
}

func validConfig() Configuration {
	return Configuration{
		Rolling:     &RollingConfiguration{MaxRetries: 3, MaxFailureThresholdPct: 25},
		Wave:        &WaveConfiguration{Strategy: WaveFixedSize, WaveSize: 4, WaveIntervalS: 0},
		HealthCheck: &HealthCheckConfiguration{HealthCheckTimeoutS: 30},
	}
}

func waveServers(phases []*types.Phase) []string {
	var all []string
	for _, p := range phases {
		if p.Kind == types.PhaseWave {
			all = append(all, p.TargetServers...)
		}
	}
	return all
}

// Property 1: plan completeness — the union of wave-phase target
// servers equals targetServers with no duplicate.
func TestPlanCompleteness(t *testing.T) {
	for _, strategy := range []types.StrategyKind{
		types.StrategyRolling, types.StrategyBlueGreen, types.StrategyCanary, types.StrategyImmediate,
	} {
		t.Run(string(strategy), func(t *testing.T) {
			req := Request{
				ServiceName: "billing", Version: "1.2.3", Strategy: strategy,
				TargetServers: servers(12), Configuration: validConfig(),
			}
			phases, err := Plan(req)
			require.NoError(t, err)

			seen := make(map[string]int)
			for _, s := range waveServers(phases) {
				seen[s]++
			}
			// Blue-Green touches every server in two waves by design
			// (deploy-idle, cutover); every other strategy touches each
			// server exactly once across its wave phases.
			for _, s := range req.TargetServers {
				if strategy == types.StrategyBlueGreen {
					assert.Equal(t, 2, seen[s], "server %s", s)
				} else {
					assert.Equal(t, 1, seen[s], "server %s", s)
				}
			}
		})
	}
}

func TestPlanHasCanonicalPrologueAndEpilogue(t *testing.T) {
	req := Request{
		ServiceName: "billing", Version: "1.2.3", Strategy: types.StrategyRolling,
		TargetServers: servers(12), Configuration: validConfig(),
	}
	phases, err := Plan(req)
	require.NoError(t, err)
	require.True(t, len(phases) >= 2)
	assert.Equal(t, types.PhasePreDeploy, phases[0].Kind)
	assert.Equal(t, types.PhaseCleanup, phases[len(phases)-1].Kind)
	assert.Equal(t, types.PhasePostDeploy, phases[len(phases)-2].Kind)
}

// Scenario S1: 12 agents, FixedSize(4) -> exactly 3 wave phases.
func TestScenarioS1RollingHappyPathShape(t *testing.T) {
	req := Request{
		ServiceName: "billing", Version: "1.2.3", Strategy: types.StrategyRolling,
		TargetServers: servers(12),
		Configuration: Configuration{
			Rolling:     &RollingConfiguration{MaxFailureThresholdPct: 25},
			Wave:        &WaveConfiguration{Strategy: WaveFixedSize, WaveSize: 4},
			HealthCheck: &HealthCheckConfiguration{HealthCheckTimeoutS: 30},
		},
	}
	phases, err := Plan(req)
	require.NoError(t, err)

	var waves []*types.Phase
	for _, p := range phases {
		if p.Kind == types.PhaseWave {
			waves = append(waves, p)
		}
	}
	require.Len(t, waves, 3)
	for _, w := range waves {
		assert.Len(t, w.TargetServers, 4)
	}
}

func TestCanaryWaveSizes(t *testing.T) {
	sizes := canaryWaveSizes(100)
	assert.Equal(t, []int{5, 25, 70}, sizes)
	total := 0
	for _, s := range sizes {
		total += s
	}
	assert.Equal(t, 100, total)
}

// Property 9: EstimateExecutionTime is a lower bound on a noiseless
// happy-path simulation: sum of wave work + interval + healthCheckTimeout
// per wave plus prologue/epilogue, computed without any actual sleeping.
func TestEstimateExecutionTimeLowerBound(t *testing.T) {
	cfg := validConfig()
	est := EstimateExecutionTime(types.StrategyRolling, servers(12), cfg)

	sizes := rollingWaveSizes(12, *cfg.Wave)
	var simulated time.Duration
	for _, size := range sizes {
		simulated += time.Duration(size)*defaultPerServerTime + cfg.Wave.waveInterval() + cfg.HealthCheck.timeout()
	}
	assert.GreaterOrEqual(t, est, simulated+prologueDuration+epilogueDuration-time.Millisecond)
}

// Property 10: config validation rejects missing blocks, bad enums, and
// out-of-range numerics without partial effects.
func TestValidateConfiguration(t *testing.T) {
	cases := []struct {
		name string
		cfg  Configuration
		want bool
	}{
		{"valid", validConfig(), true},
		{"missing wave block", Configuration{
			Rolling:     &RollingConfiguration{MaxFailureThresholdPct: 25},
			HealthCheck: &HealthCheckConfiguration{HealthCheckTimeoutS: 30},
		}, false},
		{"invalid wave strategy enum", Configuration{
			Rolling:     &RollingConfiguration{MaxFailureThresholdPct: 25},
			Wave:        &WaveConfiguration{Strategy: "Invalid", WaveSize: 0, WavePercentage: 150},
			HealthCheck: &HealthCheckConfiguration{HealthCheckTimeoutS: 30},
		}, false},
		{"wave size zero", Configuration{
			Rolling:     &RollingConfiguration{MaxFailureThresholdPct: 25},
			Wave:        &WaveConfiguration{Strategy: WaveFixedSize, WaveSize: 0},
			HealthCheck: &HealthCheckConfiguration{HealthCheckTimeoutS: 30},
		}, false},
		{"percentage out of range", Configuration{
			Rolling:     &RollingConfiguration{MaxFailureThresholdPct: 25},
			Wave:        &WaveConfiguration{Strategy: WavePercentage, WavePercentage: 150},
			HealthCheck: &HealthCheckConfiguration{HealthCheckTimeoutS: 30},
		}, false},
		{"zero health timeout", Configuration{
			Rolling:     &RollingConfiguration{MaxFailureThresholdPct: 25},
			Wave:        &WaveConfiguration{Strategy: WaveFixedSize, WaveSize: 4},
			HealthCheck: &HealthCheckConfiguration{HealthCheckTimeoutS: 0},
		}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, ValidateConfiguration(types.StrategyRolling, c.cfg))
		})
	}
}

// Scenario S6: invalid wave configuration fails ValidateConfiguration
// and Plan returns a ValidationFailed error, never a partial plan.
func TestScenarioS6ValidationFailure(t *testing.T) {
	req := Request{
		ServiceName:   "billing",
		Version:       "1.2.3",
		Strategy:      types.StrategyRolling,
		TargetServers: servers(12),
		Configuration: Configuration{
			Wave: &WaveConfiguration{Strategy: "Invalid", WaveSize: 0, WavePercentage: 150},
		},
	}
	phases, err := Plan(req)
	assert.Nil(t, phases)
	require.Error(t, err)
	assert.Equal(t, errs.ValidationFailed, errs.KindOf(err))
}
