package workflow

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/meridianfleet/controlplane/pkg/alerts"
	"github.com/meridianfleet/controlplane/pkg/broker"
	"github.com/meridianfleet/controlplane/pkg/errs"
	"github.com/meridianfleet/controlplane/pkg/log"
	"github.com/meridianfleet/controlplane/pkg/metrics"
	"github.com/meridianfleet/controlplane/pkg/repository"
	"github.com/meridianfleet/controlplane/pkg/statestore"
	"github.com/meridianfleet/controlplane/pkg/types"
)

// CentralStepFunc executes a step that targets no specific agent (the
// prologue's environment/package validation, which inspects fleet-wide
// or repository state rather than dispatching a per-server command). A
// nil CentralStepExecutor treats every such step as succeeding, since
// the exact scope of prologue validation is left to the implementer
// (see DESIGN.md).
type CentralStepFunc func(ctx context.Context, wf *types.DeploymentWorkflow, phase *types.Phase, step *types.Step) error

// stepServers returns the servers a step dispatches to: the step's own
// per-server keys when populated, falling back to the phase's target
// set. A step with neither (the prologue's validation/health steps) has
// no per-agent dispatch and runs centrally instead.
func stepServers(phase *types.Phase, step *types.Step) []string {
	if len(step.PerServer) > 0 {
		servers := make([]string, 0, len(step.PerServer))
		for s := range step.PerServer {
			servers = append(servers, s)
		}
		sort.Strings(servers)
		return servers
	}
	return phase.TargetServers
}

// stepOperation derives the wire CommandOperation a step's dispatch
// issues. Blue-Green's named cutover steps map to their dedicated
// operations; a dedicated rollback phase's step maps to Rollback;
// everything else follows its StepType.
func stepOperation(step *types.Step) types.CommandOperation {
	switch step.StepID {
	case "switch-traffic":
		return types.OpSwitchTraffic
	case "drain-old":
		return types.OpStop
	case "rollback-command":
		return types.OpRollback
	}
	switch step.Type {
	case types.StepHealthCheck:
		return types.OpHealthCheck
	default:
		return types.OpDeploy
	}
}

func routingKeyFor(op types.CommandOperation, agentID string) string {
	switch op {
	case types.OpDeploy:
		return broker.CommandDeployKey(agentID)
	case types.OpRollback:
		return broker.CommandRollbackKey(agentID)
	default:
		return broker.CommandControlKey(agentID)
	}
}

func statusToStepStatus(p types.StatusPhase) types.StepServerStatus {
	switch p {
	case types.StatusSucceeded:
		return types.StepServerSucceeded
	case types.StatusFailed:
		return types.StepServerFailed
	case types.StatusRejected:
		return types.StepServerRejected
	default:
		return types.StepServerRunning
	}
}

// runPhase executes every step of phase in order. A critical step's
// failure stops the phase immediately and is returned to the caller,
// which decides whether to roll back or fail the workflow outright; a
// non-critical step's failure is logged and the phase continues — a
// phase succeeds once all of its critical steps have succeeded.
func (r *workflowRun) runPhase(ctx context.Context, phase *types.Phase) error {
	for _, step := range phase.Steps {
		if r.checkpoint(ctx) {
			return ctx.Err()
		}

		err := r.runStep(ctx, phase, step)
		if saveErr := r.engine.save(ctx, r.wf); saveErr != nil {
			log.WithWorkflow(r.wf.WorkflowID).Warn().Err(saveErr).Msg("persist workflow state")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			if step.Critical {
				return err
			}
			log.WithWorkflow(r.wf.WorkflowID).Warn().Str("step", step.Name).Err(err).
				Msg("non-critical step failed, continuing phase")
		}
	}
	return nil
}

// runStep dispatches step to every target server (or executes it
// centrally if it targets none) and applies the phase's health-gate
// ratio to the per-server outcomes.
func (r *workflowRun) runStep(ctx context.Context, phase *types.Phase, step *types.Step) error {
	servers := stepServers(phase, step)
	if len(servers) == 0 {
		return r.runCentralStep(ctx, phase, step)
	}

	deadline := step.Deadline
	if deadline <= 0 {
		deadline = phase.HealthGate.Timeout
	}
	if deadline <= 0 {
		deadline = r.engine.cfg.DefaultHealthCheckTimeout
	}
	requiredRatio := phase.HealthGate.RequiredRatio
	if requiredRatio <= 0 {
		requiredRatio = 1
	}

	op := stepOperation(step)

	type outcome struct {
		server string
		status types.StepServerStatus
	}
	results := make(chan outcome, len(servers))
	var wg sync.WaitGroup

	for _, server := range servers {
		server := server

		r.mu.Lock()
		existing, already := step.PerServer[server]
		r.mu.Unlock()
		if already && existing.Terminal() {
			results <- outcome{server, existing}
			continue
		}

		wg.Add(1)
		select {
		case r.sem <- struct{}{}:
		case <-ctx.Done():
			wg.Done()
			results <- outcome{server, types.StepServerTimeout}
			continue
		}
		select {
		case r.engine.globalSem <- struct{}{}:
		case <-ctx.Done():
			<-r.sem
			wg.Done()
			results <- outcome{server, types.StepServerTimeout}
			continue
		}

		metrics.CommandsInFlight.Inc()
		go func() {
			defer wg.Done()
			defer func() {
				<-r.sem
				<-r.engine.globalSem
				metrics.CommandsInFlight.Dec()
			}()
			status := r.dispatchServer(ctx, phase, step, server, op, deadline)
			results <- outcome{server, status}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	succeeded := 0
	total := len(servers)
	for res := range results {
		r.mu.Lock()
		step.PerServer[res.server] = res.status
		r.mu.Unlock()
		if res.status == types.StepServerSucceeded {
			succeeded++
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	ratio := 0.0
	if total > 0 {
		ratio = float64(succeeded) / float64(total)
	}
	if ratio >= requiredRatio {
		return nil
	}
	metrics.HealthGateBreachesTotal.Inc()
	return errs.New(errs.GateFailed, "step %s: success ratio %.2f below required %.2f", step.Name, ratio, requiredRatio)
}

// runCentralStep executes a step with no per-agent target through the
// engine's optional CentralStepExecutor. A nil executor, or a
// non-critical step's failure, does not fail the phase.
func (r *workflowRun) runCentralStep(ctx context.Context, phase *types.Phase, step *types.Step) error {
	if r.engine.centralExec == nil {
		return nil
	}
	if err := r.engine.centralExec(ctx, r.wf, phase, step); err != nil {
		if step.Critical {
			return errs.Wrap(errs.Rejected, err, "central step %s failed", step.Name)
		}
		log.WithWorkflow(r.wf.WorkflowID).Warn().Str("step", step.Name).Err(err).Msg("non-critical central step failed")
	}
	return nil
}

// dispatchServer issues one command to one agent and waits for its
// terminal StatusUpdate, a step deadline, or cancellation. The
// commandId is deterministic for this (workflow, phase, step, agent)
// tuple at attempt 1: a crash-resumed run recomputes the same id and
// publishes the command again under it, so agent-side dedup recognizes
// the repeat.
func (r *workflowRun) dispatchServer(ctx context.Context, phase *types.Phase, step *types.Step, agentID string, op types.CommandOperation, deadline time.Duration) types.StepServerStatus {
	wf := r.wf
	cmdID := commandID(wf.WorkflowID, phase.PhaseID, step.StepID, agentID, 1)

	ch := r.register(cmdID)
	defer r.unregister(cmdID)

	r.persistPending(ctx, wf.WorkflowID, cmdID, phase.PhaseID, step.StepID, agentID, types.StepServerIssued)

	cmd := types.DeploymentCommand{
		CommandID:     cmdID,
		WorkflowID:    wf.WorkflowID,
		PhaseID:       phase.PhaseID,
		StepID:        step.StepID,
		AgentID:       agentID,
		ServiceName:   wf.ServiceName,
		Version:       wf.TargetVersion,
		Strategy:      wf.Strategy,
		Operation:     op,
		Priority:      wf.Priority,
		PackageRef:    wf.PackagePath,
		IssuedAt:      time.Now(),
		Deadline:      time.Now().Add(deadline),
		CorrelationID: cmdID,
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		r.persistPending(ctx, wf.WorkflowID, cmdID, phase.PhaseID, step.StepID, agentID, types.StepServerFailed)
		return types.StepServerFailed
	}

	priority := uint8(0)
	if wf.Priority > 0 && wf.Priority <= 10 {
		priority = uint8(wf.Priority)
	}

	pubCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	err = r.engine.fabric.Publish(pubCtx, routingKeyFor(op, agentID), payload, broker.PublishOptions{
		Priority:      priority,
		CorrelationID: cmdID,
		MessageID:     cmdID,
		Persistent:    true,
	})
	cancel()
	if err != nil {
		metrics.CommandsIssuedTotal.WithLabelValues(string(op)).Inc()
		log.WithWorkflow(wf.WorkflowID).Warn().Err(err).Str("agent", agentID).Msg("publish deployment command")
		r.persistPending(ctx, wf.WorkflowID, cmdID, phase.PhaseID, step.StepID, agentID, types.StepServerFailed)
		return types.StepServerFailed
	}
	metrics.CommandsIssuedTotal.WithLabelValues(string(op)).Inc()

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	for {
		select {
		case su := <-ch:
			status := statusToStepStatus(su.Phase)
			if !status.Terminal() {
				continue
			}
			r.persistPending(ctx, wf.WorkflowID, cmdID, phase.PhaseID, step.StepID, agentID, status)
			return status
		case <-timer.C:
			r.persistPending(ctx, wf.WorkflowID, cmdID, phase.PhaseID, step.StepID, agentID, types.StepServerTimeout)
			return types.StepServerTimeout
		case <-ctx.Done():
			return types.StepServerTimeout
		}
	}
}

func (r *workflowRun) persistPending(ctx context.Context, workflowID, cmdID, phaseID, stepID, agentID string, state types.StepServerStatus) {
	entry := pendingEntry{
		CommandID:  cmdID,
		WorkflowID: workflowID,
		PhaseID:    phaseID,
		StepID:     stepID,
		AgentID:    agentID,
		Attempt:    1,
		State:      state,
		IssuedAt:   time.Now(),
	}
	storeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := statestore.Set(storeCtx, r.engine.store, pendingKey(workflowID, cmdID), entry, r.engine.cfg.LeaseTTL*8); err != nil {
		log.WithWorkflow(workflowID).Debug().Err(err).Msg("persist pending command entry")
	}
	_ = ctx
}

// appliedServers collects every server that reached StepServerSucceeded
// in a deploy-type step of any Wave phase up to and including the
// current phase: the "applied or later" set, in a model that tracks
// only a single terminal success state per step.
func appliedServers(wf *types.DeploymentWorkflow) []string {
	seen := make(map[string]bool)
	var out []string
	limit := wf.CurrentPhaseIndex
	if limit >= len(wf.Phases) {
		limit = len(wf.Phases) - 1
	}
	for i := 0; i <= limit && i < len(wf.Phases); i++ {
		phase := wf.Phases[i]
		if phase.Kind != types.PhaseWave {
			continue
		}
		for _, step := range phase.Steps {
			if step.Type != types.StepCommand {
				continue
			}
			for server, status := range step.PerServer {
				if status == types.StepServerSucceeded && !seen[server] {
					seen[server] = true
					out = append(out, server)
				}
			}
		}
	}
	sort.Strings(out)
	return out
}

// failedServers collects every server that reached a non-succeeded
// terminal status in a deploy-type step of any Wave phase up to and
// including the current phase — the set a failure alert should name.
func failedServers(wf *types.DeploymentWorkflow) []string {
	seen := make(map[string]bool)
	var out []string
	limit := wf.CurrentPhaseIndex
	if limit >= len(wf.Phases) {
		limit = len(wf.Phases) - 1
	}
	for i := 0; i <= limit && i < len(wf.Phases); i++ {
		phase := wf.Phases[i]
		if phase.Kind != types.PhaseWave {
			continue
		}
		for _, step := range phase.Steps {
			if step.Type != types.StepCommand {
				continue
			}
			for server, status := range step.PerServer {
				failed := status == types.StepServerFailed || status == types.StepServerRejected || status == types.StepServerTimeout
				if failed && !seen[server] {
					seen[server] = true
					out = append(out, server)
				}
			}
		}
	}
	sort.Strings(out)
	return out
}

func serverStatusMapFor(servers []string) map[string]types.StepServerStatus {
	m := make(map[string]types.StepServerStatus, len(servers))
	for _, s := range servers {
		m[s] = types.StepServerPending
	}
	return m
}

// rollback re-plans a single inverse wave against every server that
// reached applied-or-later before the triggering failure. Rolling back
// an already-terminal workflow (including one already RolledBack) is a
// no-op: repeated rollback is idempotent, returning the prior terminal
// state.
func (r *workflowRun) rollback(ctx context.Context, cause error) {
	wf := r.wf
	if wf.State.Terminal() {
		return
	}

	wf.State = types.WorkflowRollingBack
	if err := r.engine.save(ctx, wf); err != nil {
		log.WithWorkflow(wf.WorkflowID).Warn().Err(err).Msg("persist rolling-back state")
	}
	log.WithWorkflow(wf.WorkflowID).Warn().Err(cause).Msg("rolling back workflow")

	servers := appliedServers(wf)
	r.engine.emitAlert(ctx, wf, "rollback started", cause.Error(), servers)
	wf.LastError = &types.WorkflowError{Kind: string(errs.KindOf(cause)), Message: cause.Error(), At: time.Now()}

	if len(servers) == 0 {
		r.finish(ctx, types.WorkflowRolledBack, nil)
		return
	}

	timeout := r.engine.cfg.DefaultHealthCheckTimeout
	if wf.CurrentPhaseIndex < len(wf.Phases) {
		if g := wf.Phases[wf.CurrentPhaseIndex].HealthGate.Timeout; g > 0 {
			timeout = g
		}
	}

	rollbackPhase := &types.Phase{
		PhaseID:           "rollback",
		Name:              "Rollback",
		Kind:              types.PhaseWave,
		TargetServers:     servers,
		RollbackOnFailure: false,
		HealthGate:        types.HealthGate{Timeout: timeout, RequiredRatio: 1},
		State:             types.PhaseRunning,
		Steps: []*types.Step{{
			StepID:    "rollback-command",
			Name:      "Rollback to previous version",
			Type:      types.StepCommand,
			Critical:  true,
			Deadline:  timeout,
			PerServer: serverStatusMapFor(servers),
		}},
	}

	err := r.runPhase(ctx, rollbackPhase)
	if ctx.Err() != nil {
		r.finish(ctx, types.WorkflowCanceled, nil)
		return
	}
	if err != nil {
		metrics.RollbacksTotal.WithLabelValues("failed").Inc()
		r.finish(ctx, types.WorkflowFailed, err)
		return
	}
	metrics.RollbacksTotal.WithLabelValues("succeeded").Inc()
	r.finish(ctx, types.WorkflowRolledBack, nil)
}

// recordTerminal persists the workflow's terminal outcome for history
// retention beyond the state store's lifetime, emits the corresponding
// alert, and releases the workflow's engine lease.
func (e *Engine) recordTerminal(ctx context.Context, wf *types.DeploymentWorkflow) {
	metrics.WorkflowsTotal.WithLabelValues(string(wf.Strategy), string(wf.State)).Inc()

	var servers []string
	switch wf.State {
	case types.WorkflowFailed:
		servers = failedServers(wf)
	case types.WorkflowRolledBack:
		servers = appliedServers(wf)
	}
	e.emitAlert(ctx, wf, "workflow "+string(wf.State), terminalMessage(wf), servers)

	if e.repo != nil {
		rec := &repository.WorkflowRecord{
			WorkflowID:    wf.WorkflowID,
			ServiceName:   wf.ServiceName,
			TargetVersion: wf.TargetVersion,
			Strategy:      wf.Strategy,
			Initiator:     wf.Initiator,
			State:         wf.State,
			StartedAt:     wf.CreatedAt,
			FinishedAt:    time.Now(),
			LastError:     wf.LastError,
		}
		if err := e.repo.SaveWorkflowRecord(rec); err != nil {
			log.WithWorkflow(wf.WorkflowID).Warn().Err(err).Msg("persist workflow history record")
		}
	}

	if err := e.store.ReleaseLease(ctx, leaseResource(wf.WorkflowID), e.cfg.OwnerID); err != nil {
		log.WithWorkflow(wf.WorkflowID).Warn().Err(err).Msg("release workflow lease")
	}
}

func terminalMessage(wf *types.DeploymentWorkflow) string {
	if wf.LastError != nil {
		return wf.LastError.Message
	}
	return "workflow " + string(wf.State)
}

// emitAlert publishes an alert for a workflow transition, sized so a
// failed or rolled-back outcome pages, a paused/canceled workflow warns,
// and everything else (a success, or a rollback still in progress) is
// informational.
// servers, when non-empty, names the affected server set as a
// comma-joined list.
func (e *Engine) emitAlert(ctx context.Context, wf *types.DeploymentWorkflow, title, message string, servers []string) {
	if e.alerts == nil {
		return
	}
	e.alerts.Publish(ctx, alerts.Alert{
		Severity:   alertSeverityFor(wf.State),
		Category:   "workflow",
		Title:      title,
		Message:    message,
		Server:     strings.Join(servers, ","),
		Service:    wf.ServiceName,
		WorkflowID: wf.WorkflowID,
	})
}

func alertSeverityFor(state types.WorkflowState) alerts.Severity {
	switch state {
	case types.WorkflowFailed, types.WorkflowRolledBack:
		return alerts.SeverityCritical
	case types.WorkflowPaused, types.WorkflowCanceled:
		return alerts.SeverityWarning
	default:
		return alerts.SeverityInfo
	}
}

func leaseResource(workflowID string) string {
	return "workflow:" + workflowID
}

// autoPauseAfterCanaryWave reports whether a just-succeeded phase should
// suspend the workflow for manual promotion: a Canary strategy's wave
// phase that is not the last wave phase in the plan. The final cohort
// advances straight into Post-Deployment, matching canaryWaves' design.
func (r *workflowRun) autoPauseAfterCanaryWave(wf *types.DeploymentWorkflow, phase *types.Phase) bool {
	if wf.Strategy != types.StrategyCanary || phase.Kind != types.PhaseWave {
		return false
	}
	for i := wf.CurrentPhaseIndex; i < len(wf.Phases); i++ {
		if wf.Phases[i].Kind == types.PhaseWave {
			return true
		}
	}
	return false
}
