package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/meridianfleet/controlplane/pkg/alerts"
	"github.com/meridianfleet/controlplane/pkg/broker"
	"github.com/meridianfleet/controlplane/pkg/statestore"
	"github.com/meridianfleet/controlplane/pkg/types"
)

// newTestEngineSharingFabric builds a second Engine bound to the same
// fake fabric as an already-started instance, without calling Start:
// the fake fabric models one competing consumer per queue name, so a
// second Start would steal the first instance's handler rather than
// fan the message out to both, same as a production queue bound by a
// single instance's owner id. This engine is only used to originate
// RequestPause/Resume/Cancel calls, which need only Publish.
func newTestEngineSharingFabric(t *testing.T, ownerID string, fabric broker.Fabric) *Engine {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := statestore.NewFromClient(client)
	bus := alerts.New(alerts.Config{})
	cfg := Config{OwnerID: ownerID}
	return New(cfg, fabric, store, nil, bus, nil)
}

// TestRequestCancelReachesOwningInstance exercises the cross-instance
// path: a second Engine sharing the same fabric, with no local run for
// the workflow, issues RequestCancel and the instance that actually
// owns the run picks it up off the shared workflow.lifecycle routing
// key.
func TestRequestCancelReachesOwningInstance(t *testing.T) {
	owner, fabric := newTestEngine(t, "owner")
	caller := newTestEngineSharingFabric(t, "caller", fabric)

	req := baseRequest(types.StrategyRolling, []string{"s1", "s2"})
	wf, err := owner.Submit(context.Background(), req, "frank")
	require.NoError(t, err)

	require.NoError(t, caller.RequestCancel(context.Background(), wf.WorkflowID))

	final := awaitTerminal(t, owner, wf.WorkflowID, 10*time.Second)
	require.Equal(t, types.WorkflowCanceled, final.State)
}

func TestLifecycleControlIgnoredByNonOwningInstance(t *testing.T) {
	_, fabric := newTestEngine(t, "owner")
	other := newTestEngineSharingFabric(t, "other", fabric)

	// No run exists anywhere; a control message for an unknown workflow
	// must be acknowledged, not dead-lettered, by every instance.
	require.NoError(t, other.RequestPause(context.Background(), "no-such-workflow"))
}
