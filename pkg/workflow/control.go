package workflow

import (
	"context"
	"encoding/json"

	"github.com/meridianfleet/controlplane/pkg/broker"
	"github.com/meridianfleet/controlplane/pkg/errs"
	"github.com/meridianfleet/controlplane/pkg/log"
)

// lifecycleEnvelope is published on broker.WorkflowLifecycleKey for two
// purposes: a "transition" kind broadcasts a workflow's new state for
// any external observer bound to workflow.queue, and a "control" kind
// carries a pause/resume/cancel request from a caller (typically
// fleetctl, or an engine instance other than the one that owns the
// run) to whichever instance's Start has the workflow in e.running.
type lifecycleEnvelope struct {
	Kind       string `json:"kind"`
	WorkflowID string `json:"workflowId"`
	State      string `json:"state,omitempty"`
	Signal     string `json:"signal,omitempty"`
}

const (
	lifecycleKindTransition = "transition"
	lifecycleKindControl    = "control"
)

// publishTransition broadcasts wf's current state on the workflow
// lifecycle routing key. Failures are logged, not returned: a missed
// broadcast never affects the workflow itself, only external observers
// of it.
func (e *Engine) publishTransition(ctx context.Context, wf *lifecycleSnapshot) {
	if e.fabric == nil {
		return
	}
	body, err := json.Marshal(lifecycleEnvelope{
		Kind:       lifecycleKindTransition,
		WorkflowID: wf.WorkflowID,
		State:      wf.State,
	})
	if err != nil {
		return
	}
	if err := e.fabric.Publish(ctx, broker.WorkflowLifecycleKey, body, broker.PublishOptions{}); err != nil {
		log.WithWorkflow(wf.WorkflowID).Warn().Err(err).Msg("publish workflow lifecycle transition")
	}
}

type lifecycleSnapshot struct {
	WorkflowID string
	State      string
}

// consumeLifecycle subscribes to the workflow queue (bound to
// workflow.#, which includes WorkflowLifecycleKey) for control
// messages. Transition broadcasts this instance itself published loop
// back here too; they are simply acknowledged and dropped, since this
// queue exists for cross-instance control delivery, not for driving
// this engine's own state.
func (e *Engine) consumeLifecycle(ctx context.Context) error {
	if err := e.fabric.Consume(ctx, "workflow.queue", 0, e.handleLifecycleDelivery); err != nil {
		return errs.Wrap(errs.TransportUnavailable, err, "subscribe to workflow lifecycle queue")
	}
	return nil
}

func (e *Engine) handleLifecycleDelivery(ctx context.Context, d broker.Delivery) broker.Outcome {
	var env lifecycleEnvelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		log.WithComponent("workflow").Warn().Err(err).Msg("malformed lifecycle envelope, dead-lettering")
		return broker.RejectDead
	}
	if env.Kind != lifecycleKindControl {
		return broker.Ack
	}

	run, ok := e.lookupRun(env.WorkflowID)
	if !ok {
		// Not owned by this instance: another instance (or none, if the
		// workflow has already gone terminal) will act on it.
		return broker.Ack
	}

	var sig controlSignal
	switch env.Signal {
	case "pause":
		sig = signalPause
	case "resume":
		sig = signalResume
	case "cancel":
		sig = signalCancel
	default:
		return broker.Ack
	}

	select {
	case run.control <- sig:
	default:
		if sig == signalCancel {
			run.cancel()
		}
	}
	return broker.Ack
}

// RequestPause asks whichever engine instance owns workflowID's run to
// pause it. Unlike Pause, it does not require this instance to be the
// owner: the request is broadcast over the workflow lifecycle queue and
// the owning instance's handleLifecycleDelivery applies it.
func (e *Engine) RequestPause(ctx context.Context, workflowID string) error {
	return e.publishControl(ctx, workflowID, "pause")
}

// RequestResume is the cross-instance counterpart to Resume.
func (e *Engine) RequestResume(ctx context.Context, workflowID string) error {
	return e.publishControl(ctx, workflowID, "resume")
}

// RequestCancel is the cross-instance counterpart to Cancel.
func (e *Engine) RequestCancel(ctx context.Context, workflowID string) error {
	return e.publishControl(ctx, workflowID, "cancel")
}

func (e *Engine) publishControl(ctx context.Context, workflowID, signal string) error {
	body, err := json.Marshal(lifecycleEnvelope{
		Kind:       lifecycleKindControl,
		WorkflowID: workflowID,
		Signal:     signal,
	})
	if err != nil {
		return errs.Wrap(errs.Internal, err, "marshal workflow control envelope")
	}
	if err := e.fabric.Publish(ctx, broker.WorkflowLifecycleKey, body, broker.PublishOptions{}); err != nil {
		return errs.Wrap(errs.TransportUnavailable, err, "publish workflow control signal")
	}
	return nil
}
