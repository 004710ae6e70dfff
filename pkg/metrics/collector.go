package metrics

import (
	"time"

	"github.com/meridianfleet/controlplane/pkg/registry"
	"github.com/meridianfleet/controlplane/pkg/types"
)

// Collector periodically samples the fleet registry into gauge metrics.
type Collector struct {
	registry *registry.Registry
	stopCh   chan struct{}
}

// NewCollector creates a collector sampling the given registry.
func NewCollector(reg *registry.Registry) *Collector {
	return &Collector{
		registry: reg,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics on a 15s ticker.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectAgentMetrics()
	c.collectServiceMetrics()
}

func (c *Collector) collectAgentMetrics() {
	agents := c.registry.List(registry.Filter{})

	counts := make(map[types.AgentStatus]int)
	for _, agent := range agents {
		counts[agent.Status]++
	}

	for _, status := range []types.AgentStatus{types.AgentConnected, types.AgentDisconnected, types.AgentError, types.AgentUnknown} {
		AgentsTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (c *Collector) collectServiceMetrics() {
	agents := c.registry.List(registry.Filter{})

	counts := make(map[types.ServiceStatus]int)
	for _, agent := range agents {
		for _, svc := range agent.Services {
			if !svc.IsActive {
				continue
			}
			counts[svc.Status]++
		}
	}

	for status, count := range counts {
		ServicesTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}
