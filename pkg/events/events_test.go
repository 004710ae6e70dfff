package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPublishSubscribeBroadcast(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&Event{Type: EventAgentConnected, Message: "server-01 connected"})

	select {
	case evt := <-sub:
		assert.Equal(t, EventAgentConnected, evt.Type)
		assert.False(t, evt.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	assert.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, ok := <-sub
	assert.False(t, ok, "channel should be closed after unsubscribe")
}

func TestBroadcastSkipsFullSubscriberBuffer(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	for i := 0; i < 200; i++ {
		b.Publish(&Event{Type: EventWorkflowStateChanged, Message: "tick"})
	}

	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, len(sub), cap(sub))
}
