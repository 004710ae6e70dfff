package registry

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/meridianfleet/controlplane/pkg/errs"
	"github.com/meridianfleet/controlplane/pkg/events"
	"github.com/meridianfleet/controlplane/pkg/types"
)

const shardCount = 32

// AgentInfo is the metadata an agent presents at registration and on every
// subsequent heartbeat-driven refresh.
type AgentInfo struct {
	Hostname      string
	IPAddress     string
	OSType        string
	OSVersion     string
	AgentVersion  string
	CPUCores      int
	TotalMemoryMB int64
	Location      string
	Environment   string
	Tags          map[string]string
}

// HeartbeatMetrics is the payload of a single heartbeat.
type HeartbeatMetrics struct {
	Status       types.AgentStatus // set to AgentError to override derived connectivity
	CPUPercent   float64
	MemoryMB     int64
	ServiceCount int
	Timestamp    time.Time
}

// Filter narrows a List call. Zero values are wildcards.
type Filter struct {
	Status      types.AgentStatus
	Environment string
}

type record struct {
	agent           *types.Agent
	missedSnapshots map[string]int // service name -> consecutive snapshots absent
	explicitError   bool
}

func (r *record) clone() *record {
	agentCopy := *r.agent
	agentCopy.Services = make(map[string]*types.Service, len(r.agent.Services))
	for name, svc := range r.agent.Services {
		svcCopy := *svc
		agentCopy.Services[name] = &svcCopy
	}
	agentCopy.Tags = cloneTags(r.agent.Tags)

	missed := make(map[string]int, len(r.missedSnapshots))
	for k, v := range r.missedSnapshots {
		missed[k] = v
	}
	return &record{agent: &agentCopy, missedSnapshots: missed, explicitError: r.explicitError}
}

func cloneTags(tags map[string]string) map[string]string {
	if tags == nil {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}

type snapshotState struct {
	records map[string]*record
}

// Registry is the fleet registry: a copy-on-write snapshot of agent state
// with per-agent write serialization via a shard of mutexes.
type Registry struct {
	heartbeatTimeout time.Duration
	broker           *events.Broker

	hostnameMu sync.Mutex
	byHostname map[string]string // hostname -> agentId

	shards [shardCount]sync.Mutex

	snapshot atomic.Pointer[snapshotState]

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Registry. broker may be shared with other components;
// events published are AgentConnected, AgentDisconnected, AgentRegistered,
// and ServiceStateChanged.
func New(heartbeatTimeout time.Duration, broker *events.Broker) *Registry {
	r := &Registry{
		heartbeatTimeout: heartbeatTimeout,
		broker:           broker,
		byHostname:       make(map[string]string),
		stopCh:           make(chan struct{}),
	}
	r.snapshot.Store(&snapshotState{records: make(map[string]*record)})
	return r
}

// Start begins the background connectivity sweep, checked every interval.
func (r *Registry) Start(interval time.Duration) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.sweep()
			case <-r.stopCh:
				return
			}
		}
	}()
}

// Stop halts the background sweep and waits for it to exit.
func (r *Registry) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Registry) shardFor(agentID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(agentID))
	return &r.shards[h.Sum32()%shardCount]
}

// Upsert registers a new agent or refreshes an existing one's metadata,
// keyed by hostname. Idempotent over repeated calls for the same hostname.
func (r *Registry) Upsert(info AgentInfo) (*types.Agent, error) {
	r.hostnameMu.Lock()
	id, known := r.byHostname[info.Hostname]
	isNew := !known
	if isNew {
		id = uuid.New().String()
		r.byHostname[info.Hostname] = id
	}
	r.hostnameMu.Unlock()

	shard := r.shardFor(id)
	shard.Lock()
	defer shard.Unlock()

	cur := r.snapshot.Load()
	var rec *record
	if existing, ok := cur.records[id]; ok {
		rec = existing.clone()
	} else {
		rec = &record{
			agent: &types.Agent{
				ID:           id,
				Hostname:     info.Hostname,
				Services:     make(map[string]*types.Service),
				RegisteredAt: time.Now(),
			},
			missedSnapshots: make(map[string]int),
		}
	}

	a := rec.agent
	a.IPAddress = info.IPAddress
	a.OSType = info.OSType
	a.OSVersion = info.OSVersion
	a.AgentVersion = info.AgentVersion
	a.CPUCores = info.CPUCores
	a.TotalMemoryMB = info.TotalMemoryMB
	a.Location = info.Location
	a.Environment = info.Environment
	a.Tags = cloneTags(info.Tags)
	a.LastHeartbeat = time.Now()
	a.Status = types.AgentConnected
	rec.explicitError = false

	r.store(id, rec)

	evtType := events.EventAgentConnected
	if isNew {
		evtType = events.EventAgentRegistered
	}
	r.emit(evtType, id, "agent "+info.Hostname+" registered")

	out := *a
	return &out, nil
}

// MarkHeartbeat updates an agent's liveness and resource metrics.
func (r *Registry) MarkHeartbeat(agentID string, m HeartbeatMetrics) error {
	shard := r.shardFor(agentID)
	shard.Lock()
	defer shard.Unlock()

	cur := r.snapshot.Load()
	existing, ok := cur.records[agentID]
	if !ok {
		return errs.New(errs.NotRegistered, "agent %s is not registered", agentID)
	}
	rec := existing.clone()

	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	rec.agent.LastHeartbeat = ts
	rec.agent.CPUPercent = m.CPUPercent
	rec.agent.MemoryMB = m.MemoryMB
	rec.agent.ServiceCount = m.ServiceCount

	if m.Status == types.AgentError {
		rec.agent.Status = types.AgentError
		rec.explicitError = true
	} else {
		rec.agent.Status = types.AgentConnected
		rec.explicitError = false
	}

	r.store(agentID, rec)
	return nil
}

// ReportServices replaces an agent's service snapshot. Services absent from
// two consecutive full reports are marked IsActive=false; present services
// are upserted by name.
func (r *Registry) ReportServices(agentID string, reported []*types.Service) error {
	shard := r.shardFor(agentID)
	shard.Lock()
	defer shard.Unlock()

	cur := r.snapshot.Load()
	existing, ok := cur.records[agentID]
	if !ok {
		return errs.New(errs.NotRegistered, "agent %s is not registered", agentID)
	}
	rec := existing.clone()
	now := time.Now()
	seen := make(map[string]bool, len(reported))

	for _, svc := range reported {
		svcCopy := *svc
		svcCopy.AgentID = agentID
		svcCopy.LastReportedAt = now
		svcCopy.IsActive = true
		seen[svcCopy.Name] = true

		if prior, ok := rec.agent.Services[svcCopy.Name]; ok {
			svcCopy.DiscoveredAt = prior.DiscoveredAt
		} else {
			svcCopy.DiscoveredAt = now
		}
		rec.agent.Services[svcCopy.Name] = &svcCopy
		delete(rec.missedSnapshots, svcCopy.Name)
	}

	for name, svc := range rec.agent.Services {
		if seen[name] {
			continue
		}
		rec.missedSnapshots[name]++
		if rec.missedSnapshots[name] >= 2 {
			svc.IsActive = false
		}
	}
	rec.agent.ServiceCount = len(rec.agent.Services)

	r.store(agentID, rec)
	r.emit(events.EventServiceStateChanged, agentID, "service snapshot applied")
	return nil
}

// Get returns a copy of the agent's current state.
func (r *Registry) Get(agentID string) (*types.Agent, bool) {
	cur := r.snapshot.Load()
	rec, ok := cur.records[agentID]
	if !ok {
		return nil, false
	}
	a := rec.agent
	out := *a
	out.Status = r.effectiveStatus(rec)
	return &out, true
}

// List returns a snapshot of all agents matching the filter.
func (r *Registry) List(filter Filter) []*types.Agent {
	cur := r.snapshot.Load()
	out := make([]*types.Agent, 0, len(cur.records))
	for _, rec := range cur.records {
		status := r.effectiveStatus(rec)
		if filter.Status != "" && status != filter.Status {
			continue
		}
		if filter.Environment != "" && rec.agent.Environment != filter.Environment {
			continue
		}
		a := *rec.agent
		a.Status = status
		out = append(out, &a)
	}
	return out
}

// IsHealthy reports whether the agent is currently Connected.
func (r *Registry) IsHealthy(agentID string) bool {
	cur := r.snapshot.Load()
	rec, ok := cur.records[agentID]
	if !ok {
		return false
	}
	return r.effectiveStatus(rec) == types.AgentConnected
}

// effectiveStatus derives connectivity from heartbeat recency unless an
// explicit error has been reported for the agent.
func (r *Registry) effectiveStatus(rec *record) types.AgentStatus {
	if rec.explicitError {
		return types.AgentError
	}
	if time.Since(rec.agent.LastHeartbeat) <= r.heartbeatTimeout {
		return types.AgentConnected
	}
	return types.AgentDisconnected
}

func (r *Registry) store(agentID string, rec *record) {
	cur := r.snapshot.Load()
	next := &snapshotState{records: make(map[string]*record, len(cur.records)+1)}
	for k, v := range cur.records {
		next.records[k] = v
	}
	next.records[agentID] = rec
	r.snapshot.Store(next)
}

func (r *Registry) sweep() {
	cur := r.snapshot.Load()
	for id, rec := range cur.records {
		if rec.explicitError {
			continue
		}
		wasConnected := rec.agent.Status == types.AgentConnected
		nowStatus := r.effectiveStatus(rec)
		if nowStatus == rec.agent.Status {
			continue
		}

		shard := r.shardFor(id)
		shard.Lock()
		latest := r.snapshot.Load().records[id]
		if latest != nil && !latest.explicitError {
			updated := latest.clone()
			updated.agent.Status = nowStatus
			r.store(id, updated)
		}
		shard.Unlock()

		if wasConnected && nowStatus == types.AgentDisconnected {
			r.emit(events.EventAgentDisconnected, id, "heartbeat timeout exceeded")
		} else if !wasConnected && nowStatus == types.AgentConnected {
			r.emit(events.EventAgentConnected, id, "heartbeat resumed")
		}
	}
}

func (r *Registry) emit(evtType events.EventType, agentID, message string) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(&events.Event{
		Type:     evtType,
		Message:  message,
		Metadata: map[string]string{"agentId": agentID},
	})
}
