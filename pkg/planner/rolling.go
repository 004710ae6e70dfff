package planner

import (
	"fmt"

	"github.com/meridianfleet/controlplane/pkg/types"
)

// rollingWaves partitions req.TargetServers into fixed-size or
// percentage-sized chunks, each becoming one Wave phase gated on the
// shared health config's required ratio.
func rollingWaves(req Request) ([]*types.Phase, error) {
	sizes := rollingWaveSizes(len(req.TargetServers), *req.Configuration.Wave)
	ratio := req.Configuration.Rolling.requiredRatio()
	gate := types.HealthGate{Timeout: req.healthTimeout(), RequiredRatio: ratio}

	var phases []*types.Phase
	offset := 0
	for i, size := range sizes {
		servers := req.TargetServers[offset : offset+size]
		offset += size
		name := fmt.Sprintf("wave-%d", i+1)
		phases = append(phases, &types.Phase{
			PhaseID:           name,
			Name:              fmt.Sprintf("Rolling wave %d", i+1),
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
