package workflow

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meridianfleet/controlplane/pkg/alerts"
	"github.com/meridianfleet/controlplane/pkg/broker"
	"github.com/meridianfleet/controlplane/pkg/errs"
	"github.com/meridianfleet/controlplane/pkg/log"
	"github.com/meridianfleet/controlplane/pkg/metrics"
	"github.com/meridianfleet/controlplane/pkg/planner"
	"github.com/meridianfleet/controlplane/pkg/registry"
	"github.com/meridianfleet/controlplane/pkg/repository"
	"github.com/meridianfleet/controlplane/pkg/statestore"
	"github.com/meridianfleet/controlplane/pkg/types"
)

// Config configures an Engine instance.
type Config struct {
	OwnerID                   string // this engine instance's lease-owner identity
	LeaseTTL                  time.Duration
	LeaseRenew                time.Duration
	TickInterval              time.Duration
	MaxParallelismDefault     int
	DefaultHealthCheckTimeout time.Duration
	MaxConcurrentOperations   int // global cap across all workflows on this instance

	// CentralStepExecutor runs a step that targets no specific agent
	// (prologue validation, for example). Optional; a nil value treats
	// every such step as succeeding.
	CentralStepExecutor CentralStepFunc
}

func (c Config) withDefaults() Config {
	if c.OwnerID == "" {
		c.OwnerID = uuid.New().String()
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.LeaseRenew <= 0 {
		c.LeaseRenew = 10 * time.Second
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 2 * time.Second
	}
	if c.MaxParallelismDefault <= 0 {
		c.MaxParallelismDefault = 10
	}
	if c.DefaultHealthCheckTimeout <= 0 {
		c.DefaultHealthCheckTimeout = 60 * time.Second
	}
	if c.MaxConcurrentOperations <= 0 {
		c.MaxConcurrentOperations = 200
	}
	return c
}

// Engine executes planned deployment workflows: it owns the lease over
// each workflow it runs, dispatches commands, converges on status
// replies, and drives the workflow to a terminal state.
type Engine struct {
	cfg      Config
	fabric   broker.Fabric
	store    *statestore.Store
	fleet    *registry.Registry
	alerts   *alerts.Bus
	repo     repository.Store

	centralExec CentralStepFunc

	globalSem chan struct{}

	mu      sync.Mutex
	running map[string]*workflowRun

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates an Engine. repo may be nil; when set, terminal workflows
// are additionally persisted there for history retention beyond the
// state store's TTL.
func New(cfg Config, fabric broker.Fabric, store *statestore.Store, fleet *registry.Registry, bus *alerts.Bus, repo repository.Store) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:         cfg,
		fabric:      fabric,
		store:       store,
		fleet:       fleet,
		alerts:      bus,
		repo:        repo,
		centralExec: cfg.CentralStepExecutor,
		globalSem:   make(chan struct{}, cfg.MaxConcurrentOperations),
		running:     make(map[string]*workflowRun),
		stopCh:      make(chan struct{}),
	}
}

// Start subscribes to the shared status queue and resumes any
// workflow this instance can acquire the lease for after a crash. It
// does not block.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.fabric.Consume(ctx, "status.queue", 0, e.handleStatusDelivery); err != nil {
		return errs.Wrap(errs.TransportUnavailable, err, "subscribe to status queue")
	}
	if err := e.consumeLifecycle(ctx); err != nil {
		return err
	}
	if err := e.resumeAfterCrash(ctx); err != nil {
		log.WithComponent("workflow").Warn().Err(err).Msg("crash-resume scan failed")
	}
	return nil
}

// Stop signals every running workflow to stop issuing new commands and
// waits for their event loops to reach a safe checkpoint, releasing
// leases as they go. In-flight commands are allowed to finish; no new
// phase is started.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.mu.Lock()
	for _, run := range e.running {
		run.cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// Submit plans req and, if the configuration validates, starts
// executing the resulting workflow in a background goroutine owned by
// this engine instance. If planning fails, the returned workflow
// remains in WorkflowPlanning with LastError set and no goroutine is
// started — per design decision, a validation failure is recorded as a
// permanently unstarted plan rather than a Failed workflow, since no
// side effect ever occurred.
func (e *Engine) Submit(ctx context.Context, req planner.Request, initiator string) (*types.DeploymentWorkflow, error) {
	wf := &types.DeploymentWorkflow{
		WorkflowID:    uuid.New().String(),
		ServiceName:   req.ServiceName,
		TargetVersion: req.Version,
		Strategy:      req.Strategy,
		PackagePath:   req.PackagePath,
		PackageSHA256: req.PackageSHA256,
		Initiator:     initiator,
		CreatedAt:     time.Now(),
		State:         types.WorkflowPending,
		Priority:      req.Priority,
		Metrics:       types.WorkflowMetrics{PerServer: make(map[string]string)},
	}

	wf.State = types.WorkflowPlanning
	if err := e.save(ctx, wf); err != nil {
		return nil, err
	}

	timer := metrics.NewTimer()
	phases, err := planner.Plan(req)
	timer.ObserveDurationVec(metrics.PlanningDuration, string(req.Strategy))
	if err != nil {
		wf.LastError = &types.WorkflowError{Kind: string(errs.KindOf(err)), Message: err.Error(), At: time.Now()}
		if saveErr := e.save(ctx, wf); saveErr != nil {
			return nil, saveErr
		}
		metrics.WorkflowsTotal.WithLabelValues(string(wf.Strategy), "planning_failed").Inc()
		return wf, nil
	}
	wf.Phases = phases

	maxParallelism := req.Configuration.Wave.MaxParallelism
	if maxParallelism <= 0 {
		maxParallelism = e.cfg.MaxParallelismDefault
	}
	if !req.Configuration.Wave.ParallelWithinWave {
		maxParallelism = 1
	}

	wf.State = types.WorkflowRunning
	if err := e.save(ctx, wf); err != nil {
		return nil, err
	}

	if !e.startRun(wf, maxParallelism) {
		log.WithWorkflow(wf.WorkflowID).Warn().Msg("could not acquire workflow lease at submit, leaving for crash-resume")
	}
	return wf, nil
}

// startRun attempts to acquire this workflow's lease and, if it
// succeeds, spawns the run's event loop and lease-renewal goroutines.
// It reports whether the lease was acquired; a caller that owns no
// lease must not touch wf again; another engine instance (or a later
// resumeAfterCrash pass on this one) owns it instead.
func (e *Engine) startRun(wf *types.DeploymentWorkflow, maxParallelism int) bool {
	acquireCtx, acquireCancel := context.WithTimeout(context.Background(), 5*time.Second)
	ok, err := e.store.AcquireLease(acquireCtx, leaseResource(wf.WorkflowID), e.cfg.OwnerID, e.cfg.LeaseTTL)
	acquireCancel()
	if err != nil {
		log.WithWorkflow(wf.WorkflowID).Warn().Err(err).Msg("acquire workflow lease")
		return false
	}
	if !ok {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	run := &workflowRun{
		engine:   e,
		wf:       wf,
		cancel:   cancel,
		control:  make(chan controlSignal, 4),
		inflight: make(map[string]chan types.StatusUpdate),
		sem:      make(chan struct{}, maxParallelism),
	}

	e.mu.Lock()
	e.running[wf.WorkflowID] = run
	e.mu.Unlock()
	metrics.WorkflowsInFlight.Inc()

	e.wg.Add(1)
	go e.runLeaseRenewal(ctx, run)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer metrics.WorkflowsInFlight.Dec()
		defer func() {
			e.mu.Lock()
			delete(e.running, wf.WorkflowID)
			e.mu.Unlock()
		}()
		run.execute(ctx)
	}()
	return true
}

// runLeaseRenewal renews run's lease until ctx is done. Losing the
// lease (another owner claimed it after this one's TTL lapsed, most
// likely because this instance stalled or lost connectivity) cancels
// the run: a workflow must never keep dispatching commands once
// another engine instance might also be driving it.
func (e *Engine) runLeaseRenewal(ctx context.Context, run *workflowRun) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.LeaseRenew)
	defer ticker.Stop()
	resource := leaseResource(run.wf.WorkflowID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			held, err := e.store.RenewLease(renewCtx, resource, e.cfg.OwnerID, e.cfg.LeaseTTL)
			cancel()
			if err != nil {
				log.WithWorkflow(run.wf.WorkflowID).Warn().Err(err).Msg("renew workflow lease")
				continue
			}
			if !held {
				log.WithWorkflow(run.wf.WorkflowID).Error().Msg("lost workflow lease, canceling run")
				run.cancel()
				return
			}
		}
	}
}

// resumeAfterCrash scans the state store for every non-terminal
// workflow and attempts to acquire its lease, restarting execution for
// any this instance wins. A workflow already owned (lease held by a
// live instance) is left alone; one whose owner crashed without
// releasing it becomes claimable once its TTL lapses.
func (e *Engine) resumeAfterCrash(ctx context.Context) error {
	keys, err := e.store.Keys(ctx, "workflow:*")
	if err != nil {
		return errs.Wrap(errs.TransportUnavailable, err, "scan workflow keys")
	}
	for _, key := range keys {
		if !isWorkflowRootKey(key) {
			continue // skip "workflow:<id>:pending:<cmd>" entries
		}
		wf, err := statestore.Get[*types.DeploymentWorkflow](ctx, e.store, key)
		if err != nil {
			log.WithComponent("workflow").Warn().Err(err).Str("key", key).Msg("load workflow during crash-resume")
			continue
		}
		if wf == nil || wf.State.Terminal() || wf.State == types.WorkflowPending || wf.State == types.WorkflowPlanning {
			continue
		}

		maxParallelism := e.cfg.MaxParallelismDefault
		if e.startRun(wf, maxParallelism) {
			log.WithWorkflow(wf.WorkflowID).Info().Msg("resumed workflow after crash")
		}
	}
	return nil
}

func isWorkflowRootKey(key string) bool {
	for i := len("workflow:"); i < len(key); i++ {
		if key[i] == ':' {
			return false
		}
	}
	return len(key) > len("workflow:")
}

func (e *Engine) save(ctx context.Context, wf *types.DeploymentWorkflow) error {
	if err := statestore.Set(ctx, e.store, workflowKey(wf.WorkflowID), wf, 0); err != nil {
		return err
	}
	e.publishTransition(ctx, &lifecycleSnapshot{WorkflowID: wf.WorkflowID, State: string(wf.State)})
	return nil
}

func workflowKey(id string) string {
	return "workflow:" + id
}

func pendingKey(workflowID, commandID string) string {
	return "workflow:" + workflowID + ":pending:" + commandID
}

// handleStatusDelivery is the single consumer for the shared status
// queue: every workflow's StatusUpdate messages arrive here and are
// routed to the owning run by workflowId.
func (e *Engine) handleStatusDelivery(ctx context.Context, d broker.Delivery) broker.Outcome {
	var su types.StatusUpdate
	if err := json.Unmarshal(d.Body, &su); err != nil {
		log.WithComponent("workflow").Warn().Err(err).Msg("malformed status update, dead-lettering")
		return broker.RejectDead
	}

	e.mu.Lock()
	run, ok := e.running[su.WorkflowID]
	e.mu.Unlock()
	if !ok {
		// No owning run on this instance (already terminal, or owned by
		// another engine instance). Either way there is nothing to apply.
		return broker.Ack
	}
	run.deliverStatus(su)
	return broker.Ack
}

// lookupRun finds the owning run for workflowID on this engine
// instance, if any.
func (e *Engine) lookupRun(workflowID string) (*workflowRun, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	run, ok := e.running[workflowID]
	return run, ok
}

// Pause requests that workflowID suspend after its current step. It
// returns errs.NotRegistered if this engine instance does not own the
// workflow's run (it may be owned by another instance, or already
// terminal).
func (e *Engine) Pause(workflowID string) error {
	run, ok := e.lookupRun(workflowID)
	if !ok {
		return errs.New(errs.NotRegistered, "workflow %s has no active run on this instance", workflowID)
	}
	select {
	case run.control <- signalPause:
	default:
		return errs.New(errs.Rejected, "workflow %s control channel full", workflowID)
	}
	return nil
}

// Resume requests that a paused workflowID continue.
func (e *Engine) Resume(workflowID string) error {
	run, ok := e.lookupRun(workflowID)
	if !ok {
		return errs.New(errs.NotRegistered, "workflow %s has no active run on this instance", workflowID)
	}
	select {
	case run.control <- signalResume:
	default:
		return errs.New(errs.Rejected, "workflow %s control channel full", workflowID)
	}
	return nil
}

// Cancel requests that workflowID stop as soon as its in-flight
// dispatches return, transitioning to WorkflowCanceled.
func (e *Engine) Cancel(workflowID string) error {
	run, ok := e.lookupRun(workflowID)
	if !ok {
		return errs.New(errs.NotRegistered, "workflow %s has no active run on this instance", workflowID)
	}
	select {
	case run.control <- signalCancel:
	default:
		run.cancel() // control channel full: cancel the context directly
	}
	return nil
}

// Status returns the current persisted state of workflowID, whether or
// not this instance owns its run.
func (e *Engine) Status(ctx context.Context, workflowID string) (*types.DeploymentWorkflow, error) {
	return statestore.Get[*types.DeploymentWorkflow](ctx, e.store, workflowKey(workflowID))
}
