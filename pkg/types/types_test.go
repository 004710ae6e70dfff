package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWorkflowStateTerminal(t *testing.T) {
	tests := []struct {
		name     string
		state    WorkflowState
		terminal bool
	}{
		{"pending", WorkflowPending, false},
		{"planning", WorkflowPlanning, false},
		{"running", WorkflowRunning, false},
		{"paused", WorkflowPaused, false},
		{"rolling_back", WorkflowRollingBack, false},
		{"succeeded", WorkflowSucceeded, true},
		{"failed", WorkflowFailed, true},
		{"rolled_back", WorkflowRolledBack, true},
		{"canceled", WorkflowCanceled, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.state.Terminal())
		})
	}
}

func TestStepServerStatusTerminal(t *testing.T) {
	tests := []struct {
		name     string
		status   StepServerStatus
		terminal bool
	}{
		{"pending", StepServerPending, false},
		{"issued", StepServerIssued, false},
		{"running", StepServerRunning, false},
		{"succeeded", StepServerSucceeded, true},
		{"failed", StepServerFailed, true},
		{"rejected", StepServerRejected, true},
		{"timeout", StepServerTimeout, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.Terminal())
		})
	}
}

func TestStatusPhaseTerminal(t *testing.T) {
	assert.True(t, StatusSucceeded.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusRejected.Terminal())
	assert.False(t, StatusAccepted.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.False(t, StatusProgress.Terminal())
}

func TestLeaseExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l := Lease{Resource: "workflow:abc", OwnerID: "engine-1", ExpiresAt: now.Add(30 * time.Second)}

	assert.False(t, l.Expired(now))
	assert.False(t, l.Expired(now.Add(29*time.Second)))
	assert.True(t, l.Expired(now.Add(30*time.Second)))
	assert.True(t, l.Expired(now.Add(31*time.Second)))
}
