package workflow

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/meridianfleet/controlplane/pkg/alerts"
	"github.com/meridianfleet/controlplane/pkg/broker"
	"github.com/meridianfleet/controlplane/pkg/planner"
	"github.com/meridianfleet/controlplane/pkg/statestore"
	"github.com/meridianfleet/controlplane/pkg/types"
)

func newTestEngine(t *testing.T, ownerID string) (*Engine, *broker.Fake) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := statestore.NewFromClient(client)
	fabric := broker.NewFake()
	bus := alerts.New(alerts.Config{})

	cfg := Config{
		OwnerID:                   ownerID,
		LeaseTTL:                  2 * time.Second,
		LeaseRenew:                300 * time.Millisecond,
		DefaultHealthCheckTimeout: 3 * time.Second,
		MaxParallelismDefault:     10,
	}
	eng := New(cfg, fabric, store, nil, bus, nil)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(eng.Stop)
	return eng, fabric
}

// agentOutcome controls how the simulated agent handler answers a given
// server's command.
type agentOutcome func(cmd types.DeploymentCommand) types.StatusPhase

// installAgent registers a command.queue handler that immediately
// answers every DeploymentCommand with a StatusUpdate computed by
// outcome, standing in for a population of real agents.
func installAgent(t *testing.T, fabric *broker.Fake, outcome agentOutcome) {
	t.Helper()
	ctx := context.Background()
	err := fabric.Consume(ctx, "command.queue", 0, func(ctx context.Context, d broker.Delivery) broker.Outcome {
		var cmd types.DeploymentCommand
		if err := json.Unmarshal(d.Body, &cmd); err != nil {
			return broker.RejectDead
		}
		phase := outcome(cmd)
		su := types.StatusUpdate{
			CommandID:  cmd.CommandID,
			WorkflowID: cmd.WorkflowID,
			AgentID:    cmd.AgentID,
			Timestamp:  time.Now(),
			Phase:      phase,
		}
		payload, _ := json.Marshal(su)
		_ = fabric.Publish(ctx, broker.StatusKey(cmd.WorkflowID), payload, broker.PublishOptions{})
		return broker.Ack
	})
	require.NoError(t, err)
}

func baseRequest(strategy types.StrategyKind, servers []string) planner.Request {
	return planner.Request{
		ServiceName:   "billing-api",
		Version:       "2.3.0",
		Strategy:      strategy,
		TargetServers: servers,
		Configuration: planner.Configuration{
			Rolling:     &planner.RollingConfiguration{MaxFailureThresholdPct: 0},
			Wave:        &planner.WaveConfiguration{Strategy: planner.WaveFixedSize, WaveSize: 2},
			HealthCheck: &planner.HealthCheckConfiguration{HealthCheckTimeoutS: 3},
		},
	}
}

func awaitTerminal(t *testing.T, eng *Engine, workflowID string, timeout time.Duration) *types.DeploymentWorkflow {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		wf, err := eng.Status(context.Background(), workflowID)
		if err == nil && wf.State.Terminal() {
			return wf
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("workflow %s did not reach a terminal state within %s", workflowID, timeout)
	return nil
}

func awaitState(t *testing.T, eng *Engine, workflowID string, want types.WorkflowState, timeout time.Duration) *types.DeploymentWorkflow {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		wf, err := eng.Status(context.Background(), workflowID)
		if err == nil && wf.State == want {
			return wf
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("workflow %s did not reach state %s within %s", workflowID, want, timeout)
	return nil
}

func TestSubmitRollingHappyPath(t *testing.T) {
	eng, fabric := newTestEngine(t, "engine-1")
	installAgent(t, fabric, func(cmd types.DeploymentCommand) types.StatusPhase {
		return types.StatusSucceeded
	})

	req := baseRequest(types.StrategyRolling, []string{"s1", "s2", "s3", "s4"})
	wf, err := eng.Submit(context.Background(), req, "alice")
	require.NoError(t, err)
	require.NotEmpty(t, wf.WorkflowID)

	final := awaitTerminal(t, eng, wf.WorkflowID, 10*time.Second)
	require.Equal(t, types.WorkflowSucceeded, final.State)
}

func TestSubmitValidationFailureNeverStarts(t *testing.T) {
	eng, _ := newTestEngine(t, "engine-1")

	req := baseRequest(types.StrategyRolling, []string{"s1"})
	req.Configuration.Wave.WaveSize = 0 // invalid per ValidateConfiguration

	wf, err := eng.Submit(context.Background(), req, "bob")
	require.NoError(t, err)
	require.Equal(t, types.WorkflowPlanning, wf.State)
	require.NotNil(t, wf.LastError)
	require.Nil(t, wf.Phases)
}

func TestRollingGateBreachTriggersRollback(t *testing.T) {
	eng, fabric := newTestEngine(t, "engine-1")
	installAgent(t, fabric, func(cmd types.DeploymentCommand) types.StatusPhase {
		if cmd.Operation == types.OpRollback {
			return types.StatusSucceeded
		}
		if cmd.AgentID == "s2" {
			return types.StatusFailed
		}
		return types.StatusSucceeded
	})

	req := baseRequest(types.StrategyRolling, []string{"s1", "s2", "s3", "s4"})
	wf, err := eng.Submit(context.Background(), req, "carol")
	require.NoError(t, err)

	final := awaitTerminal(t, eng, wf.WorkflowID, 10*time.Second)
	require.Equal(t, types.WorkflowRolledBack, final.State)
}

func TestCanaryPausesBetweenCohortsUntilResumed(t *testing.T) {
	eng, fabric := newTestEngine(t, "engine-1")
	installAgent(t, fabric, func(cmd types.DeploymentCommand) types.StatusPhase {
		return types.StatusSucceeded
	})

	servers := make([]string, 20)
	for i := range servers {
		servers[i] = "s" + string(rune('a'+i))
	}
	req := baseRequest(types.StrategyCanary, servers)
	wf, err := eng.Submit(context.Background(), req, "dave")
	require.NoError(t, err)

	// Canary pauses after every non-final cohort for manual promotion;
	// resume each time it does until the workflow reaches a terminal
	// state or the overall deadline elapses.
	deadline := time.Now().Add(15 * time.Second)
	resumed := 0
	for time.Now().Before(deadline) {
		current, err := eng.Status(context.Background(), wf.WorkflowID)
		require.NoError(t, err)
		if current.State.Terminal() {
			require.Equal(t, types.WorkflowSucceeded, current.State)
			require.GreaterOrEqual(t, resumed, 2, "canary with 3 cohorts should pause twice")
			return
		}
		if current.State == types.WorkflowPaused {
			require.NoError(t, eng.Resume(wf.WorkflowID))
			resumed++
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("workflow %s did not complete within deadline", wf.WorkflowID)
}

func TestCancelStopsWorkflow(t *testing.T) {
	// No agent handler is installed: every dispatched command sits
	// unanswered in command.queue, so the run is reliably still
	// mid-dispatch (waiting on its per-server deadline) when canceled.
	eng, _ := newTestEngine(t, "engine-1")

	req := baseRequest(types.StrategyRolling, []string{"s1", "s2"})
	wf, err := eng.Submit(context.Background(), req, "erin")
	require.NoError(t, err)

	require.NoError(t, eng.Cancel(wf.WorkflowID))

	final := awaitTerminal(t, eng, wf.WorkflowID, 10*time.Second)
	require.Equal(t, types.WorkflowCanceled, final.State)
}
