package planner

import "github.com/meridianfleet/controlplane/pkg/types"

// blueGreenWaves deploys the full target set to an idle color, then cuts
// traffic over with a single SwitchTraffic command step. A cutover
// failure rolls back by flipping traffic back to the original color,
// which the engine implements generically via its single inverse-wave
// rollback (the cutover phase's RollbackOnFailure is what drives that).
func blueGreenWaves(req Request) ([]*types.Phase, error) {
	ratio := req.Configuration.Rolling.requiredRatio()
	gate := types.HealthGate{Timeout: req.healthTimeout(), RequiredRatio: ratio}

	deployIdle := &types.Phase{
		PhaseID:           "wave-deploy-idle",
		Name:              "Deploy to idle color",
		Kind:              types.PhaseWave,
		TargetServers:     req.TargetServers,
		RollbackOnFailure: true,
		MaxFailurePercent: req.Configuration.Rolling.MaxFailureThresholdPct,
		HealthGate:        gate,
		State:             types.PhasePending,
		Steps: []*types.Step{
			waveStep("deploy-idle", req.TargetServers),
			{StepID: "smoke-test", Name: "Smoke test idle color", Type: types.StepHealthCheck, Critical: true, Deadline: req.healthTimeout(), PerServer: map[string]types.StepServerStatus{}},
		},
	}

	cutover := &types.Phase{
		PhaseID:           "wave-cutover",
		Name:              "Cut over traffic",
		Kind:              types.PhaseWave,
		TargetServers:     req.TargetServers,
		RollbackOnFailure: true,
		MaxFailurePercent: 0, // any cutover failure rolls back
		HealthGate:        types.HealthGate{Timeout: req.healthTimeout(), RequiredRatio: 1},
		State:             types.PhasePending,
		Steps: []*types.Step{
			{StepID: "switch-traffic", Name: "Switch load-balancer traffic", Type: types.StepCommand, Critical: true, Deadline: req.healthTimeout(), PerServer: serverStatusMap(req.TargetServers)},
			{StepID: "drain-old", Name: "Drain old color", Type: types.StepCommand, Critical: false, Deadline: req.healthTimeout(), PerServer: serverStatusMap(req.TargetServers)},
		},
	}

	return []*types.Phase{deployIdle, cutover}, nil
}

func serverStatusMap(servers []string) map[string]types.StepServerStatus {
	m := make(map[string]types.StepServerStatus, len(servers))
	for _, s := range servers {
		m[s] = types.StepServerPending
	}
	return m
}
