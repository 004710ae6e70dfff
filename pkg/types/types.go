// Package types defines the data model shared across the fleet control
// plane: agents, their services, and the deployment workflows driven
// against them.
package types

import "time"

// Agent is a remote process on a managed server that executes commands
// and reports state back to the coordinator.
type Agent struct {
	ID              string // opaque UUID, issued at first registration, keyed by hostname
	Hostname        string
	IPAddress       string
	OSType          string
	OSVersion       string
	AgentVersion    string
	CPUCores        int
	TotalMemoryMB   int64
	Location        string
	Environment     string
	Tags            map[string]string
	Status          AgentStatus
	LastHeartbeat   time.Time
	CPUPercent      float64
	MemoryMB        int64
	ServiceCount    int
	Services        map[string]*Service // keyed by service name
	RegisteredAt    time.Time
}

// AgentStatus is the agent's connectivity state as observed by the coordinator.
type AgentStatus string

const (
	AgentConnected    AgentStatus = "connected"
	AgentDisconnected AgentStatus = "disconnected"
	AgentError        AgentStatus = "error"
	AgentUnknown      AgentStatus = "unknown"
)

// Service is a workload discovered or managed on a single agent. The pair
// (AgentID, Name) is the unique key.
type Service struct {
	AgentID         string
	Name            string
	DisplayName     string
	Version         string
	Status          ServiceStatus
	PID             int    // 0 if unknown/not running
	Port            int    // 0 if not applicable
	ExecutablePath  string
	WorkingDir      string
	ConfigFilePath  string
	StartupType     string
	ServiceAccount  string
	LastStartTime   time.Time
	IsActive        bool // false once absent from two consecutive full snapshots
	DiscoveredAt    time.Time
	LastReportedAt  time.Time
}

// ServiceStatus is the run state of a Service as last reported by its agent.
type ServiceStatus string

const (
	ServiceRunning  ServiceStatus = "running"
	ServiceStopped  ServiceStatus = "stopped"
	ServiceStarting ServiceStatus = "starting"
	ServiceStopping ServiceStatus = "stopping"
	ServiceError    ServiceStatus = "error"
	ServiceUnknown  ServiceStatus = "unknown"
)

// DeploymentWorkflow is the durable record of a single deployment rollout.
type DeploymentWorkflow struct {
	WorkflowID        string
	ServiceName       string
	TargetVersion     string
	Strategy          StrategyKind
	PackagePath       string
	PackageSHA256     string
	Initiator         string
	CreatedAt         time.Time
	State             WorkflowState
	Phases            []*Phase
	CurrentPhaseIndex int
	Metrics           WorkflowMetrics
	Deadline          time.Time
	LastError         *WorkflowError
	Priority          int
}

// WorkflowState is the workflow's position in its state machine.
//
//	Pending -> Planning -> Running <-> Paused
//	Running -> {Succeeded, Failed, Canceled}
//	Running -> RollingBack -> {RolledBack, Failed}
type WorkflowState string

const (
	WorkflowPending     WorkflowState = "pending"
	WorkflowPlanning    WorkflowState = "planning"
	WorkflowRunning     WorkflowState = "running"
	WorkflowPaused      WorkflowState = "paused"
	WorkflowSucceeded   WorkflowState = "succeeded"
	WorkflowFailed      WorkflowState = "failed"
	WorkflowRollingBack WorkflowState = "rolling_back"
	WorkflowRolledBack  WorkflowState = "rolled_back"
	WorkflowCanceled    WorkflowState = "canceled"
)

// Terminal reports whether a workflow may no longer transition.
func (s WorkflowState) Terminal() bool {
	switch s {
	case WorkflowSucceeded, WorkflowFailed, WorkflowRolledBack, WorkflowCanceled:
		return true
	default:
		return false
	}
}

// WorkflowMetrics tallies per-server outcomes across the workflow's lifetime.
type WorkflowMetrics struct {
	SucceededServers int
	FailedServers    int
	PerServer        map[string]string // serverID -> terminal StatusPhase
}

// WorkflowError is the typed, persisted terminal error of a workflow.
type WorkflowError struct {
	Kind    string
	Message string
	At      time.Time
}

// StrategyKind selects the deployment strategy used to plan a workflow.
type StrategyKind string

const (
	StrategyRolling   StrategyKind = "rolling"
	StrategyBlueGreen StrategyKind = "blue_green"
	StrategyCanary    StrategyKind = "canary"
	StrategyImmediate StrategyKind = "immediate"
)

// Phase is one stage of a deployment workflow.
type Phase struct {
	PhaseID           string
	Name              string
	Kind              PhaseKind
	TargetServers     []string
	Steps             []*Step
	RollbackOnFailure bool
	MaxFailurePercent float64
	HealthGate        HealthGate
	State             PhaseState
}

// PhaseKind is the role a phase plays in the canonical prologue/wave/epilogue shape.
type PhaseKind string

const (
	PhasePreDeploy  PhaseKind = "pre_deploy"
	PhaseWave       PhaseKind = "wave"
	PhasePostDeploy PhaseKind = "post_deploy"
	PhaseCleanup    PhaseKind = "cleanup"
)

// PhaseState is a phase's execution status.
type PhaseState string

const (
	PhasePending   PhaseState = "pending"
	PhaseRunning   PhaseState = "running"
	PhaseSucceeded PhaseState = "succeeded"
	PhaseFailed    PhaseState = "failed"
	PhaseSkipped   PhaseState = "skipped"
)

// HealthGate is the ratio-and-deadline policy that gates advancement past a phase.
type HealthGate struct {
	Timeout       time.Duration
	RequiredRatio float64 // 0..1, fraction of target servers that must succeed
}

// Step is a unit of work within a phase, applied independently per server.
type Step struct {
	StepID     string
	Name       string
	Type       StepType
	Parameters map[string]string
	Critical   bool
	Deadline   time.Duration
	PerServer  map[string]StepServerStatus // serverID -> status
}

// StepType is the kind of action a Step performs.
type StepType string

const (
	StepValidation  StepType = "validation"
	StepCommand     StepType = "command"
	StepHealthCheck StepType = "health_check"
	StepWait        StepType = "wait"
	StepScript      StepType = "script"
)

// StepServerStatus is the per-server outcome of a single Step.
type StepServerStatus string

const (
	StepServerPending   StepServerStatus = "pending"
	StepServerIssued    StepServerStatus = "issued"
	StepServerRunning   StepServerStatus = "running"
	StepServerSucceeded StepServerStatus = "succeeded"
	StepServerFailed    StepServerStatus = "failed"
	StepServerRejected  StepServerStatus = "rejected"
	StepServerTimeout   StepServerStatus = "timeout"
)

// Terminal reports whether a per-server step status will no longer change.
func (s StepServerStatus) Terminal() bool {
	switch s {
	case StepServerSucceeded, StepServerFailed, StepServerRejected, StepServerTimeout:
		return true
	default:
		return false
	}
}

// CommandOperation is the action a DeploymentCommand instructs an agent to take.
type CommandOperation string

const (
	OpDeploy      CommandOperation = "deploy"
	OpRollback    CommandOperation = "rollback"
	OpStop        CommandOperation = "stop"
	OpStart       CommandOperation = "start"
	OpRestart     CommandOperation = "restart"
	OpHealthCheck CommandOperation = "health_check"
	OpSwitchTraffic CommandOperation = "switch_traffic"
)

// DeploymentCommand is the wire message the engine issues to an agent.
type DeploymentCommand struct {
	CommandID     string           `json:"commandId"`
	WorkflowID    string           `json:"workflowId"`
	PhaseID       string           `json:"phaseId"`
	StepID        string           `json:"stepId"`
	AgentID       string           `json:"agentId"`
	ServiceName   string           `json:"serviceName"`
	Version       string           `json:"version"`
	Strategy      StrategyKind     `json:"strategy"`
	Operation     CommandOperation `json:"operation"`
	Priority      int              `json:"priority"`
	PackageRef    string           `json:"packageRef"`
	IssuedAt      time.Time        `json:"issuedAt"`
	Deadline      time.Time        `json:"deadline"`
	CorrelationID string           `json:"correlationId"`
}

// StatusPhase is the lifecycle stage reported in a StatusUpdate.
type StatusPhase string

const (
	StatusAccepted  StatusPhase = "accepted"
	StatusRunning   StatusPhase = "running"
	StatusProgress  StatusPhase = "progress"
	StatusSucceeded StatusPhase = "succeeded"
	StatusFailed    StatusPhase = "failed"
	StatusRejected  StatusPhase = "rejected"
)

// StatusUpdate is the wire message an agent sends back for a DeploymentCommand.
type StatusUpdate struct {
	CommandID  string      `json:"commandId"`
	WorkflowID string      `json:"workflowId"`
	AgentID    string      `json:"agentId"`
	Timestamp  time.Time   `json:"timestamp"`
	Phase      StatusPhase `json:"phase"`
	Progress   int         `json:"progress,omitempty"` // 0..100, valid when Phase == StatusProgress
	Reason     string      `json:"reason,omitempty"`   // set when Phase == StatusFailed/StatusRejected
	Details    string      `json:"details,omitempty"`
}

// Terminal reports whether a StatusPhase closes its pending command entry.
func (p StatusPhase) Terminal() bool {
	switch p {
	case StatusSucceeded, StatusFailed, StatusRejected:
		return true
	default:
		return false
	}
}

// Lease grants a single owner exclusive rights to drive a resource, such as a
// workflow, until it expires.
type Lease struct {
	Resource  string    `json:"resource"`
	OwnerID   string    `json:"ownerId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the lease is no longer valid as of t.
func (l Lease) Expired(t time.Time) bool {
	return !t.Before(l.ExpiresAt)
}
