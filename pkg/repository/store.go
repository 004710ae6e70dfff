package repository

import (
	"time"

	"github.com/meridianfleet/controlplane/pkg/types"
)

// WorkflowRecord is a completed workflow's durable summary, retained after
// the state store's non-durable copy is gone.
type WorkflowRecord struct {
	WorkflowID    string
	ServiceName   string
	TargetVersion string
	Strategy      types.StrategyKind
	Initiator     string
	State         types.WorkflowState
	StartedAt     time.Time
	FinishedAt    time.Time
	LastError     *types.WorkflowError
}

// FleetSnapshot is a point-in-time capture of the fleet registry, retained
// for cold-start diagnostics independent of live agent connectivity.
type FleetSnapshot struct {
	TakenAt time.Time
	Agents  []*types.Agent
}

// Store is the persistence boundary the core depends on. It is
// deliberately narrow: no general CRUD surface, only what the CA and
// deployment-history/fleet-snapshot supplements require.
type Store interface {
	SaveCA(data []byte) error
	GetCA() ([]byte, error)

	SaveWorkflowRecord(rec *WorkflowRecord) error
	ListWorkflowHistory(serviceName string, limit int) ([]*WorkflowRecord, error)

	SaveFleetSnapshot(snap *FleetSnapshot) error
	LatestFleetSnapshot() (*FleetSnapshot, error)

	Close() error
}
