// Package wire defines the Agent Transport's request/response messages
// and the codec that carries them over gRPC without a protoc-generated
// stub. Every message is a plain Go struct tagged for JSON; a codec
// registered under the "json" subtype lets grpc-go's framing, flow
// control, and streaming machinery carry them exactly as it would
// protobuf-marshaled bytes (see DESIGN.md for why this repository
// cannot run protoc).
package wire

import (
	"encoding/json"
	"time"

	"google.golang.org/grpc/encoding"
)

// JSONCodecName is the gRPC call content-subtype every transport client
// and server in this repository negotiates.
const JSONCodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return JSONCodecName }

// ServiceName is the fully-qualified gRPC service name hand-registered
// by both pkg/transport/server.go (coordinator side) and
// pkg/transport/client.go (agent side).
const ServiceName = "fleet.transport.AgentTransport"

// Settings is the per-interval configuration the coordinator hands back
// on registration.
type Settings struct {
	MetricsIntervalS    int `json:"metricsIntervalS"`
	HeartbeatIntervalS  int `json:"heartbeatIntervalS"`
	DiscoveryIntervalS  int `json:"discoveryIntervalS"`
}

// AgentRegistration is RegisterAgent's request.
type AgentRegistration struct {
	Hostname      string            `json:"hostname"`
	IPAddress     string            `json:"ipAddress"`
	OSType        string            `json:"osType"`
	OSVersion     string            `json:"osVersion"`
	AgentVersion  string            `json:"agentVersion"`
	CPUCores      int               `json:"cpuCores"`
	TotalMemoryMB int64             `json:"totalMemoryMb"`
	Location      string            `json:"location"`
	Environment   string            `json:"environment"`
	Tags          map[string]string `json:"tags"`
}

// RegistrationResponse is RegisterAgent's response.
type RegistrationResponse struct {
	Success  bool     `json:"success"`
	ServerID string   `json:"serverId"`
	Message  string   `json:"message"`
	Settings Settings `json:"settings"`
}

// HeartbeatRequest is Heartbeat's request.
type HeartbeatRequest struct {
	ServerID     string    `json:"serverId"`
	Hostname     string    `json:"hostname"`
	AgentStatus  string    `json:"agentStatus"`
	Timestamp    time.Time `json:"timestamp"`
	CPUPercent   float64   `json:"cpuPct"`
	MemMB        int64     `json:"memMb"`
	ServiceCount int       `json:"serviceCount"`
}

// HeartbeatResponse is Heartbeat's response. PendingCommands is the
// fallback delivery path for brokerless agents: a small slice of
// high-priority commands the coordinator could not otherwise reach this
// agent with.
type HeartbeatResponse struct {
	Success         bool              `json:"success"`
	Message         string            `json:"message"`
	PendingCommands []DeploymentCommand `json:"pendingCommands"`
}

// ServiceInfo is one discovered service in a ServiceDiscovery report.
type ServiceInfo struct {
	Name           string    `json:"name"`
	DisplayName    string    `json:"displayName"`
	Status         string    `json:"status"`
	ProcessID      int       `json:"processId"`
	Port           int       `json:"port"`
	ExecutablePath string    `json:"executablePath"`
	WorkingDir     string    `json:"workingDirectory"`
	ConfigFilePath string    `json:"configFilePath"`
	StartupType    string    `json:"startupType"`
	ServiceAccount string    `json:"serviceAccount"`
	LastStartTime  time.Time `json:"lastStartTime"`
	IsActive       bool      `json:"isActive"`
}

// ServiceDiscovery is ReportServices' request: a full snapshot of the
// agent's locally observed services.
type ServiceDiscovery struct {
	ServerID string        `json:"serverId"`
	Services []ServiceInfo `json:"services"`
}

// ServiceDiscoveryResponse is ReportServices' response.
type ServiceDiscoveryResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Metric is one sample in a MetricsBatch.
type Metric struct {
	ServiceID  string            `json:"serviceId,omitempty"`
	MetricType string            `json:"metricType"`
	MetricName string            `json:"metricName"`
	Value      float64           `json:"value"`
	Unit       string            `json:"unit"`
	Timestamp  time.Time         `json:"timestamp"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// MetricsBatch is one chunk of StreamMetrics' client-streamed request.
// Each batch is applied atomically.
type MetricsBatch struct {
	ServerID string   `json:"serverId"`
	Metrics  []Metric `json:"metrics"`
}

// MetricsSummary is StreamMetrics' single response, sent once the
// client closes its send side.
type MetricsSummary struct {
	BatchesReceived int `json:"batchesReceived"`
	MetricsReceived int `json:"metricsReceived"`
}

// DeploymentCommand mirrors types.DeploymentCommand on the wire.
type DeploymentCommand struct {
	CommandID     string    `json:"commandId"`
	WorkflowID    string    `json:"workflowId"`
	PhaseID       string    `json:"phaseId"`
	StepID        string    `json:"stepId"`
	AgentID       string    `json:"agentId"`
	ServiceName   string    `json:"serviceName"`
	Version       string    `json:"version"`
	Strategy      string    `json:"strategy"`
	Operation     string    `json:"operation"`
	Priority      int       `json:"priority"`
	PackageRef    string    `json:"packageRef"`
	IssuedAt      time.Time `json:"issuedAt"`
	Deadline      time.Time `json:"deadline"`
	CorrelationID string    `json:"correlationId"`
}

// ServiceCommand is ExecuteServiceCommand's request, the synchronous
// admin path independent of any workflow.
type ServiceCommand struct {
	CommandID   string    `json:"commandId"`
	ServerID    string    `json:"serverId"`
	ServiceName string    `json:"serviceName"`
	Command     string    `json:"command"` // start|stop|restart|status
	IssuedAt    time.Time `json:"issuedAt"`
}

// CommandResult is ExecuteServiceCommand's response.
type CommandResult struct {
	CommandID  string    `json:"commandId"`
	Success    bool      `json:"success"`
	Message    string    `json:"message"`
	ExitCode   int       `json:"exitCode"`
	ExecutedAt time.Time `json:"executedAt"`
}

// Chunk is one frame of a DeployService package transfer.
type Chunk struct {
	Offset    int64  `json:"offset"`
	TotalSize int64  `json:"totalSize"`
	Bytes     []byte `json:"bytes"`
	SHA256    string `json:"sha256"` // checksum of the complete package, repeated on every chunk
}

// DeployRequest opens a DeployService stream: the agent identifies what
// it wants to pull.
type DeployRequest struct {
	ServerID      string `json:"serverId"`
	ServiceName   string `json:"serviceName"`
	TargetVersion string `json:"targetVersion"`
	PackageRef    string `json:"packageRef"`
}

// Progress is one frame of a DeployService progress report, streamed
// back from the agent to the coordinator interleaved with Chunks.
type Progress struct {
	Status          string    `json:"status"` // Pending|Received|Verified|Applied|Started|HealthOK|Failed
	Message         string    `json:"message"`
	ProgressPercent int       `json:"progressPercent"`
	Timestamp       time.Time `json:"timestamp"`
}

// RollbackRequest is RollbackService's request.
type RollbackRequest struct {
	ServerID      string `json:"serverId"`
	ServiceName   string `json:"serviceName"`
	TargetVersion string `json:"targetVersion"`
}

// RollbackResult is RollbackService's response.
type RollbackResult struct {
	Success         bool   `json:"success"`
	Message         string `json:"message"`
	PreviousVersion string `json:"previousVersion"`
	CurrentVersion  string `json:"currentVersion"`
}
