package repository

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianfleet/controlplane/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSaveAndGetCA(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetCA()
	assert.Error(t, err, "CA must not be found before it is saved")

	require.NoError(t, store.SaveCA([]byte("encrypted-root-key")))
	data, err := store.GetCA()
	require.NoError(t, err)
	assert.Equal(t, []byte("encrypted-root-key"), data)
}

func TestWorkflowHistoryOrderedByFinishedAtDesc(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"wf-1", "wf-2", "wf-3"} {
		require.NoError(t, store.SaveWorkflowRecord(&WorkflowRecord{
			WorkflowID:  id,
			ServiceName: "payments",
			State:       types.WorkflowSucceeded,
			FinishedAt:  base.Add(time.Duration(i) * time.Hour),
		}))
	}
	require.NoError(t, store.SaveWorkflowRecord(&WorkflowRecord{
		WorkflowID:  "wf-other",
		ServiceName: "billing",
		FinishedAt:  base,
	}))

	history, err := store.ListWorkflowHistory("payments", 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "wf-3", history[0].WorkflowID)
	assert.Equal(t, "wf-1", history[2].WorkflowID)

	limited, err := store.ListWorkflowHistory("payments", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestFleetSnapshotRoundTrip(t *testing.T) {
	store := newTestStore(t)

	_, err := store.LatestFleetSnapshot()
	assert.Error(t, err)

	snap := &FleetSnapshot{
		TakenAt: time.Now(),
		Agents:  []*types.Agent{{ID: "agent-1", Hostname: "server-01"}},
	}
	require.NoError(t, store.SaveFleetSnapshot(snap))

	got, err := store.LatestFleetSnapshot()
	require.NoError(t, err)
	require.Len(t, got.Agents, 1)
	assert.Equal(t, "server-01", got.Agents[0].Hostname)
}
