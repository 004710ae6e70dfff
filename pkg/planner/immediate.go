package planner

import "github.com/meridianfleet/controlplane/pkg/types"

// immediateWaves deploys to every target server at once with no
// inter-server delay, gated by a single health check at the end.
func immediateWaves(req Request) ([]*types.Phase, error) {
	ratio := req.Configuration.Rolling.requiredRatio()
	gate := types.HealthGate{Timeout: req.healthTimeout(), RequiredRatio: ratio}

	return []*types.Phase{{
		PhaseID:           "wave-immediate",
		Name:              "Immediate rollout",
		Kind:              types.PhaseWave,
		TargetServers:     req.TargetServers,
		RollbackOnFailure: true,
		MaxFailurePercent: req.Configuration.Rolling.MaxFailureThresholdPct,
		HealthGate:        gate,
		State:             types.PhasePending,
		Steps:             []*types.Step{waveStep("wave-immediate", req.TargetServers)},
	}}, nil
}
