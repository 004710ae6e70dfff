package broker

import "fmt"

// Exchange and dead-letter topology names, declared idempotently at
// startup by DeclareTopology.
const (
	Exchange       = "fleet.events"
	DeadLetterExch = "fleet.events.dlx"
	DeadLetterQ    = "fleet.events.dlx.queue"
)

// Purpose-queue binding prefixes. Each is bound to Exchange with a
// wildcard routing key of "<prefix>.#".
const (
	PrefixDeployment = "deployment"
	PrefixCommand    = "command"
	PrefixStatus     = "status"
	PrefixAlert      = "alert"
	PrefixMetrics    = "metrics"
	PrefixWorkflow   = "workflow"
	PrefixPriority   = "priority"
	PrefixBatch      = "batch"
	PrefixMonitoring = "monitoring"
)

// CommandDeployKey is the routing key a Deploy DeploymentCommand is
// published under for a given agent.
func CommandDeployKey(agentID string) string {
	return fmt.Sprintf("%s.deploy.%s", PrefixCommand, agentID)
}

// CommandRollbackKey is the routing key used for rollback commands.
func CommandRollbackKey(agentID string) string {
	return fmt.Sprintf("%s.rollback.%s", PrefixCommand, agentID)
}

// CommandControlKey is the routing key used for start/stop/restart/
// health-check control commands outside a deployment.
func CommandControlKey(agentID string) string {
	return fmt.Sprintf("%s.control.%s", PrefixCommand, agentID)
}

// StatusKey is the routing key an agent's StatusUpdate messages for a
// workflow are published under, and the key the workflow engine's
// consumer filters on.
func StatusKey(workflowID string) string {
	return fmt.Sprintf("%s.%s", PrefixStatus, workflowID)
}

// AlertKey is the routing key an alert is published under.
func AlertKey(severity, category string) string {
	return fmt.Sprintf("%s.%s.%s", PrefixAlert, severity, category)
}

// MetricsKey is the routing key an agent's metrics batches are published under.
func MetricsKey(agentID string) string {
	return fmt.Sprintf("%s.%s", PrefixMetrics, agentID)
}

// WorkflowLifecycleKey is the routing key workflow state transitions are
// broadcast on, independent of any single workflow's status queue.
const WorkflowLifecycleKey = PrefixWorkflow + ".lifecycle"

// QueueDefinition describes one purpose queue's topology.
type QueueDefinition struct {
	Name        string
	RoutingKey  string // binding pattern, e.g. "command.#"
	TTL         int64  // x-message-ttl in milliseconds, 0 means no TTL
	MaxLength   int64  // x-max-length, 0 means unbounded
	MaxPriority uint8  // x-max-priority, 0 means priority disabled
}

// Queues is the full set of purpose queues declared by DeclareTopology.
func Queues() []QueueDefinition {
	return []QueueDefinition{
		{Name: "deployment.queue", RoutingKey: PrefixDeployment + ".#", TTL: 3600_000, MaxLength: 100_000},
		{Name: "command.queue", RoutingKey: PrefixCommand + ".#", TTL: 300_000, MaxLength: 500_000},
		{Name: "status.queue", RoutingKey: PrefixStatus + ".#", TTL: 300_000, MaxLength: 500_000},
		{Name: "alert.queue", RoutingKey: PrefixAlert + ".#", TTL: 86400_000, MaxLength: 50_000},
		{Name: "metrics.queue", RoutingKey: PrefixMetrics + ".#", TTL: 60_000, MaxLength: 200_000},
		{Name: "workflow.queue", RoutingKey: PrefixWorkflow + ".#", TTL: 86400_000, MaxLength: 50_000},
		{Name: "priority.queue", RoutingKey: PrefixPriority + ".#", TTL: 60_000, MaxLength: 50_000, MaxPriority: 10},
		{Name: "batch.queue", RoutingKey: PrefixBatch + ".#", TTL: 3600_000, MaxLength: 100_000},
		{Name: "monitoring.queue", RoutingKey: PrefixMonitoring + ".#", TTL: 60_000, MaxLength: 200_000},
	}
}
