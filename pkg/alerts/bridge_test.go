package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/meridianfleet/controlplane/pkg/events"
)

func TestBridgeRegistryEventsPublishesAndResolves(t *testing.T) {
	evtBroker := events.NewBroker()
	evtBroker.Start()
	defer evtBroker.Stop()

	bus := New(Config{})
	alertSub := bus.Subscribe()
	defer bus.Unsubscribe(alertSub)

	sub := evtBroker.Subscribe()
	defer evtBroker.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go BridgeRegistryEvents(ctx, sub, bus)

	evtBroker.Publish(&events.Event{Type: events.EventAgentDisconnected, Message: "heartbeat timeout exceeded", Metadata: map[string]string{"agentId": "server-01"}})

	select {
	case a := <-alertSub:
		assert.Equal(t, "agent disconnected", a.Title)
		assert.Equal(t, "server-01", a.Server)
		assert.False(t, a.Recovery)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for disconnect alert")
	}

	evtBroker.Publish(&events.Event{Type: events.EventAgentConnected, Message: "heartbeat resumed", Metadata: map[string]string{"agentId": "server-01"}})

	select {
	case a := <-alertSub:
		assert.Equal(t, "agent disconnected", a.Title)
		assert.Equal(t, "server-01", a.Server)
		assert.True(t, a.Recovery)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for recovery alert")
	}
}

func TestBridgeRegistryEventsIgnoresUnrelatedTypes(t *testing.T) {
	evtBroker := events.NewBroker()
	evtBroker.Start()
	defer evtBroker.Stop()

	bus := New(Config{})
	alertSub := bus.Subscribe()
	defer bus.Unsubscribe(alertSub)

	sub := evtBroker.Subscribe()
	defer evtBroker.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go BridgeRegistryEvents(ctx, sub, bus)

	evtBroker.Publish(&events.Event{Type: events.EventServiceStateChanged, Message: "service snapshot applied", Metadata: map[string]string{"agentId": "server-01"}})

	select {
	case a := <-alertSub:
		t.Fatalf("unexpected alert for service-state event: %+v", a)
	case <-time.After(100 * time.Millisecond):
	}
}
