package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianfleet/controlplane/pkg/events"
	"github.com/meridianfleet/controlplane/pkg/types"
)

func newTestRegistry(t *testing.T) (*Registry, *events.Broker) {
	t.Helper()
	b := events.NewBroker()
	b.Start()
	t.Cleanup(b.Stop)
	return New(90*time.Second, b), b
}

func TestUpsertCreatesThenRefreshesByHostname(t *testing.T) {
	r, _ := newTestRegistry(t)

	first, err := r.Upsert(AgentInfo{Hostname: "server-01", IPAddress: "10.0.0.1"})
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)

	second, err := r.Upsert(AgentInfo{Hostname: "server-01", IPAddress: "10.0.0.2"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "hostname must map to a stable agent id")
	assert.Equal(t, "10.0.0.2", second.IPAddress)
}

func TestMarkHeartbeatUnknownAgent(t *testing.T) {
	r, _ := newTestRegistry(t)
	err := r.MarkHeartbeat("does-not-exist", HeartbeatMetrics{})
	assert.Error(t, err)
}

func TestIsHealthyDerivedFromHeartbeatRecency(t *testing.T) {
	r := New(50*time.Millisecond, nil)
	agent, err := r.Upsert(AgentInfo{Hostname: "server-02"})
	require.NoError(t, err)

	assert.True(t, r.IsHealthy(agent.ID))

	time.Sleep(100 * time.Millisecond)
	assert.False(t, r.IsHealthy(agent.ID))

	require.NoError(t, r.MarkHeartbeat(agent.ID, HeartbeatMetrics{CPUPercent: 10}))
	assert.True(t, r.IsHealthy(agent.ID))
}

func TestMarkHeartbeatExplicitErrorOverridesRecency(t *testing.T) {
	r := New(time.Hour, nil)
	agent, err := r.Upsert(AgentInfo{Hostname: "server-03"})
	require.NoError(t, err)

	require.NoError(t, r.MarkHeartbeat(agent.ID, HeartbeatMetrics{Status: types.AgentError}))
	assert.False(t, r.IsHealthy(agent.ID))

	got, ok := r.Get(agent.ID)
	require.True(t, ok)
	assert.Equal(t, types.AgentError, got.Status)
}

func TestReportServicesMarksInactiveAfterTwoMisses(t *testing.T) {
	r := New(time.Hour, nil)
	agent, err := r.Upsert(AgentInfo{Hostname: "server-04"})
	require.NoError(t, err)

	require.NoError(t, r.ReportServices(agent.ID, []*types.Service{
		{Name: "nginx", Status: types.ServiceRunning},
		{Name: "redis", Status: types.ServiceRunning},
	}))

	// nginx absent from this snapshot (miss #1); redis still present.
	require.NoError(t, r.ReportServices(agent.ID, []*types.Service{
		{Name: "redis", Status: types.ServiceRunning},
	}))
	got, _ := r.Get(agent.ID)
	assert.True(t, got.Services["nginx"].IsActive, "one miss should not deactivate")

	// nginx absent again (miss #2).
	require.NoError(t, r.ReportServices(agent.ID, []*types.Service{
		{Name: "redis", Status: types.ServiceRunning},
	}))
	got, _ = r.Get(agent.ID)
	assert.False(t, got.Services["nginx"].IsActive, "two consecutive misses deactivates")
	assert.True(t, got.Services["redis"].IsActive)
}

func TestReportServicesUnknownAgent(t *testing.T) {
	r := New(time.Hour, nil)
	err := r.ReportServices("ghost", nil)
	assert.Error(t, err)
}

func TestListFiltersByStatusAndEnvironment(t *testing.T) {
	r := New(time.Hour, nil)
	a, err := r.Upsert(AgentInfo{Hostname: "server-05", Environment: "prod"})
	require.NoError(t, err)
	_, err = r.Upsert(AgentInfo{Hostname: "server-06", Environment: "staging"})
	require.NoError(t, err)

	prod := r.List(Filter{Environment: "prod"})
	require.Len(t, prod, 1)
	assert.Equal(t, a.ID, prod[0].ID)

	connected := r.List(Filter{Status: types.AgentConnected})
	assert.Len(t, connected, 2)
}

func TestSweepEmitsDisconnectedEvent(t *testing.T) {
	r, b := newTestRegistry(t)
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	r.heartbeatTimeout = 20 * time.Millisecond
	agent, err := r.Upsert(AgentInfo{Hostname: "server-07"})
	require.NoError(t, err)

	// drain the AgentRegistered event from Upsert
	<-sub

	time.Sleep(40 * time.Millisecond)
	r.sweep()

	select {
	case evt := <-sub:
		assert.Equal(t, events.EventAgentDisconnected, evt.Type)
		assert.Equal(t, agent.ID, evt.Metadata["agentId"])
	case <-time.After(time.Second):
		t.Fatal("expected a disconnected event")
	}
}

func TestUpsertIsConcurrencySafe(t *testing.T) {
	r := New(time.Hour, nil)
	done := make(chan struct{})
	for i := 0; i < 20; i++ {
		go func(n int) {
			_, _ = r.Upsert(AgentInfo{Hostname: "server-concurrent"})
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 20; i++ {
		<-done
	}
	assert.Len(t, r.List(Filter{}), 1, "concurrent upserts for the same hostname must not create duplicates")
}
