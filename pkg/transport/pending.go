package transport

import (
	"sync"

	"github.com/meridianfleet/controlplane/pkg/transport/wire"
)

// maxPendingPerAgent bounds each agent's heartbeat outbox so a
// disconnected agent cannot accumulate unbounded backlog. The workflow
// engine delivers its commands over the message fabric and does not use
// this outbox.
const maxPendingPerAgent = 64

// pendingCommands is the coordinator's per-agent outbox for commands
// delivered over Heartbeat rather than the message fabric.
type pendingCommands struct {
	mu    sync.Mutex
	byAgt map[string][]wire.DeploymentCommand
}

func newPendingCommands() *pendingCommands {
	return &pendingCommands{byAgt: make(map[string][]wire.DeploymentCommand)}
}

func (p *pendingCommands) push(agentID string, cmd wire.DeploymentCommand) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.byAgt[agentID]
	if len(q) >= maxPendingPerAgent {
		q = q[1:] // drop oldest; a dropped command is not redelivered
	}
	p.byAgt[agentID] = append(q, cmd)
}

// drain returns and clears every command queued for agentID.
func (p *pendingCommands) drain(agentID string) []wire.DeploymentCommand {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.byAgt[agentID]
	if len(q) == 0 {
		return nil
	}
	delete(p.byAgt, agentID)
	return q
}
