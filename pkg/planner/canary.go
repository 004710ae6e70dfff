package planner

import "github.com/meridianfleet/controlplane/pkg/types"

// canaryWaves produces the three canary cohorts: a small canary (~5%),
// a broader cohort (~25%) observed after a manual resume, then the
// remainder. Each wave's health gate can pause the workflow for manual
// review — the engine implements the pause by treating a Canary wave's
// gate success as entering Paused rather than auto-advancing, except for
// the final wave.
func canaryWaves(req Request) ([]*types.Phase, error) {
	sizes := canaryWaveSizes(len(req.TargetServers))
	ratio := req.Configuration.Rolling.requiredRatio()
	gate := types.HealthGate{Timeout: req.healthTimeout(), RequiredRatio: ratio}

	names := []string{"wave-canary", "wave-broader", "wave-remainder"}
	labels := []string{"Canary cohort", "Broader cohort", "Remainder"}

	var phases []*types.Phase
	offset := 0
	for i, size := range sizes {
		servers := req.TargetServers[offset : offset+size]
		offset += size
		name := names[i]
		if i >= len(names) {
			name = names[len(names)-1]
		}
		label := labels[i]
		if i >= len(labels) {
			label = labels[len(labels)-1]
		}
		phases = append(phases, &types.Phase{
			PhaseID:           name,
			Name:              label,
			Kind:              types.PhaseWave,
			TargetServers:     servers,
			RollbackOnFailure: true,
			MaxFailurePercent: req.Configuration.Rolling.MaxFailureThresholdPct,
			HealthGate:        gate,
			State:             types.PhasePending,
			Steps:             []*types.Step{waveStep(name, servers)},
		})
	}
	return phases, nil
}
