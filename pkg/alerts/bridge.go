package alerts

import (
	"context"

	"github.com/meridianfleet/controlplane/pkg/events"
)

const agentConnectivityCategory = "agent"
const agentDisconnectedTitle = "agent disconnected"

// BridgeRegistryEvents drains sub, translating fleet registry connectivity
// events into alerts: an agent disconnect publishes a critical alert keyed
// on the agent ID, and the matching reconnect resolves it, so the recovery
// alert only fires once the condition that triggered the original one has
// actually cleared. Agent registration and service-state events pass
// through unremarked. Returns once sub is closed or ctx is done.
func BridgeRegistryEvents(ctx context.Context, sub events.Subscriber, bus *Bus) {
	for {
		select {
		case evt, ok := <-sub:
			if !ok {
				return
			}
			bridgeEvent(ctx, evt, bus)
		case <-ctx.Done():
			return
		}
	}
}

func bridgeEvent(ctx context.Context, evt *events.Event, bus *Bus) {
	agentID := evt.Metadata["agentId"]
	switch evt.Type {
	case events.EventAgentDisconnected:
		bus.Publish(ctx, Alert{
			Severity: SeverityCritical,
			Category: agentConnectivityCategory,
			Title:    agentDisconnectedTitle,
			Message:  evt.Message,
			Server:   agentID,
		})
	case events.EventAgentConnected:
		bus.Resolve(ctx, agentConnectivityCategory, agentDisconnectedTitle, agentID, "", "agent reconnected")
	}
}
