/*
Package types defines the core data structures shared across the fleet
control plane: the coordinator's view of agents and their services, and
the deployment workflows driven against them.

# Core Types

Fleet:
  - Agent: a registered remote server, its capacity hints and liveness
  - AgentStatus: Connected, Disconnected, Error, Unknown
  - Service: a workload discovered or managed on one agent
  - ServiceStatus: Running, Stopped, Starting, Stopping, Error, Unknown

Deployment:
  - DeploymentWorkflow: a single rollout, its phases and state
  - WorkflowState: Pending, Planning, Running, Paused, Succeeded, Failed,
    RollingBack, RolledBack, Canceled
  - Phase: one stage of a workflow (PreDeploy, Wave, PostDeploy, Cleanup)
  - Step: a unit of work within a phase, tracked per server
  - StrategyKind: Rolling, BlueGreen, Canary, Immediate

Wire:
  - DeploymentCommand: issued to an agent, deduplicated by CommandID
  - StatusUpdate: an agent's report against a DeploymentCommand
  - Lease: single-writer ownership of a resource with an expiry

# Design Patterns

Enums are typed strings with const blocks, matching the rest of this
codebase. Optional sub-structures use pointers; required nested values
are embedded. WorkflowState.Terminal, StepServerStatus.Terminal, and
StatusPhase.Terminal centralize the terminal-state checks the workflow
engine and agent dedup logic depend on.

# Thread Safety

Types in this package carry no internal locking. Callers own
synchronization; the registry and workflow engine package copy-on-write
snapshots rather than mutate shared instances in place.
*/
package types
