package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakePublishThenReceive(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	require.NoError(t, f.Publish(ctx, CommandDeployKey("agent-1"), []byte("payload-1"), PublishOptions{}))

	d, err := f.Receive(ctx, "command.queue", 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, []byte("payload-1"), d.Body)
	assert.Equal(t, CommandDeployKey("agent-1"), d.RoutingKey)
}

func TestFakeReceiveTimesOutWhenEmpty(t *testing.T) {
	f := NewFake()
	d, err := f.Receive(context.Background(), "command.queue", 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestFakeConsumeDrainsBufferedAndLiveDeliveries(t *testing.T) {
	f := NewFake()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, f.Publish(ctx, StatusKey("wf-1"), []byte("buffered"), PublishOptions{}))

	var mu sync.Mutex
	var received []string
	done := make(chan struct{}, 2)

	require.NoError(t, f.Consume(ctx, "status.queue", 0, func(_ context.Context, d Delivery) Outcome {
		mu.Lock()
		received = append(received, string(d.Body))
		mu.Unlock()
		done <- struct{}{}
		return Ack
	}))

	<-done
	require.NoError(t, f.Publish(ctx, StatusKey("wf-1"), []byte("live"), PublishOptions{}))
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"buffered", "live"}, received)
}

func TestFakePublishBatch(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	payloads := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	require.NoError(t, f.PublishBatch(ctx, MetricsKey("agent-9"), payloads))

	for _, want := range payloads {
		d, err := f.Receive(ctx, "metrics.queue", 50*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, d)
		assert.Equal(t, want, d.Body)
	}
}

func TestFakeUnroutablePublishIsDropped(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	require.NoError(t, f.Publish(ctx, "nonexistent.prefix.x", []byte("lost"), PublishOptions{}))
	d, err := f.Receive(ctx, "command.queue", 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestFabricInterfaceSatisfiedByFake(t *testing.T) {
	var _ Fabric = (*Fake)(nil)
}
