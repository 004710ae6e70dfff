package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/meridianfleet/controlplane/pkg/errs"
	"github.com/meridianfleet/controlplane/pkg/log"
	"github.com/meridianfleet/controlplane/pkg/metrics"
	"github.com/meridianfleet/controlplane/pkg/types"
)

// controlSignal is an external request against a running workflow,
// delivered over workflowRun.control and checked at the cooperative
// pause points between phases and steps.
type controlSignal int

const (
	signalPause controlSignal = iota
	signalResume
	signalCancel
)

// pendingEntry is the engine's persisted record of one issued command
// and its latest per-server status. Nothing in this package reads these
// entries back: a resumed run re-dispatches every server whose step
// status is not terminal, and duplicate StatusUpdates are recognized
// through the run's in-flight registry instead.
type pendingEntry struct {
	CommandID  string                  `json:"commandId"`
	WorkflowID string                  `json:"workflowId"`
	PhaseID    string                  `json:"phaseId"`
	StepID     string                  `json:"stepId"`
	AgentID    string                  `json:"agentId"`
	Attempt    int                     `json:"attempt"`
	State      types.StepServerStatus  `json:"state"`
	IssuedAt   time.Time               `json:"issuedAt"`
}

// workflowRun is the live, in-memory state of one workflow this engine
// instance is driving: its event loop, its in-flight command
// registry, and the channels external callers use to pause/resume/
// cancel it.
type workflowRun struct {
	engine *Engine
	wf     *types.DeploymentWorkflow
	cancel context.CancelFunc

	control chan controlSignal

	mu       sync.Mutex
	paused   bool
	inflight map[string]chan types.StatusUpdate

	sem chan struct{} // per-workflow maxParallelism
}

func commandID(workflowID, phaseID, stepID, agentID string, attempt int) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%s:%s:%d", workflowID, phaseID, stepID, agentID, attempt)))
	return hex.EncodeToString(h[:])[:32]
}

// execute runs the workflow's phases in order until it reaches a
// terminal state or ctx is canceled. It is the workflow engine's
// single event loop for this workflow: every suspension point (gate
// wait, inter-phase pause) is cooperative and checks ctx/control
// first.
func (r *workflowRun) execute(ctx context.Context) {
	wf := r.wf
	logger := log.WithWorkflow(wf.WorkflowID)
	start := time.Now()

	for wf.CurrentPhaseIndex < len(wf.Phases) {
		if r.checkpoint(ctx) {
			r.finish(ctx, types.WorkflowCanceled, nil)
			metrics.WorkflowDuration.WithLabelValues(string(wf.Strategy)).Observe(time.Since(start).Seconds())
			return
		}

		phase := wf.Phases[wf.CurrentPhaseIndex]
		phase.State = types.PhaseRunning
		r.engine.save(ctx, wf)

		logger.Info().Str("phase", phase.Name).Msg("phase started")
		err := r.runPhase(ctx, phase)

		if ctx.Err() != nil {
			r.finish(ctx, types.WorkflowCanceled, nil)
			metrics.WorkflowDuration.WithLabelValues(string(wf.Strategy)).Observe(time.Since(start).Seconds())
			return
		}

		if err != nil {
			phase.State = types.PhaseFailed
			logger.Warn().Str("phase", phase.Name).Err(err).Msg("phase failed")
			if phase.RollbackOnFailure {
				r.rollback(ctx, err)
			} else {
				r.finish(ctx, types.WorkflowFailed, err)
			}
			metrics.WorkflowDuration.WithLabelValues(string(wf.Strategy)).Observe(time.Since(start).Seconds())
			return
		}

		phase.State = types.PhaseSucceeded
		wf.CurrentPhaseIndex++
		r.engine.save(ctx, wf)

		if r.autoPauseAfterCanaryWave(wf, phase) {
			wf.State = types.WorkflowPaused
			r.engine.save(ctx, wf)
			logger.Info().Str("phase", phase.Name).Msg("canary wave succeeded, pausing for manual promotion")
			if r.checkpoint(ctx) {
				r.finish(ctx, types.WorkflowCanceled, nil)
				metrics.WorkflowDuration.WithLabelValues(string(wf.Strategy)).Observe(time.Since(start).Seconds())
				return
			}
		}
	}

	r.finish(ctx, types.WorkflowSucceeded, nil)
	metrics.WorkflowDuration.WithLabelValues(string(wf.Strategy)).Observe(time.Since(start).Seconds())
}

// checkpoint is the cooperative pause point evaluated between phases
// and before each step.
// It returns true if the workflow should stop (canceled); it blocks
// while paused.
func (r *workflowRun) checkpoint(ctx context.Context) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case sig := <-r.control:
			switch sig {
			case signalPause:
				r.wf.State = types.WorkflowPaused
				r.engine.save(ctx, r.wf)
				log.WithWorkflow(r.wf.WorkflowID).Info().Msg("workflow paused")
				continue
			case signalResume:
				r.wf.State = types.WorkflowRunning
				r.engine.save(ctx, r.wf)
				log.WithWorkflow(r.wf.WorkflowID).Info().Msg("workflow resumed")
				return false
			case signalCancel:
				r.cancel()
				return true
			}
		default:
			if r.wf.State != types.WorkflowPaused {
				return false
			}
			// Paused with no signal yet pending: block until one arrives
			// rather than busy-waiting the phase loop.
			select {
			case <-ctx.Done():
				return true
			case sig := <-r.control:
				r.control <- sig // reprocess through the switch above
			}
		}
	}
}

func (r *workflowRun) finish(ctx context.Context, state types.WorkflowState, cause error) {
	wf := r.wf
	wf.State = state
	if cause != nil {
		wf.LastError = &types.WorkflowError{Kind: string(errs.KindOf(cause)), Message: cause.Error(), At: time.Now()}
	}
	r.engine.save(ctx, wf)
	r.engine.recordTerminal(ctx, wf)
	log.WithWorkflow(wf.WorkflowID).Info().Str("state", string(state)).Msg("workflow reached terminal state")
}

// deliverStatus routes su to the in-flight channel for its commandId,
// if this run is still waiting on it. A StatusUpdate for a commandId
// that is no longer tracked (already terminal, or never issued by this
// run) is silently dropped, which is exactly the idempotency property
// required of duplicate delivery.
func (r *workflowRun) deliverStatus(su types.StatusUpdate) {
	r.mu.Lock()
	ch, ok := r.inflight[su.CommandID]
	r.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- su:
	default:
	}
}

func (r *workflowRun) register(commandID string) chan types.StatusUpdate {
	ch := make(chan types.StatusUpdate, 4)
	r.mu.Lock()
	r.inflight[commandID] = ch
	r.mu.Unlock()
	return ch
}

func (r *workflowRun) unregister(commandID string) {
	r.mu.Lock()
	delete(r.inflight, commandID)
	r.mu.Unlock()
}
