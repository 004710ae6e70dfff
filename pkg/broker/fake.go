package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Fake is an in-memory implementation of Fabric: routing keys are
// matched against queue bindings using the same "prefix.#" convention as
// DeclareTopology, without requiring a live RabbitMQ. It exists for
// workflow-engine and transport tests that need a realistic publish/
// consume round trip without external infrastructure.
type Fake struct {
	mu       sync.Mutex
	bindings map[string]string // queue -> routing prefix it is bound to
	queues   map[string][]Delivery
	handlers map[string]Handler
}

// NewFake creates an empty fake broker with every purpose queue bound
// exactly as DeclareTopology would bind it against a real exchange.
func NewFake() *Fake {
	f := &Fake{
		bindings: make(map[string]string),
		queues:   make(map[string][]Delivery),
		handlers: make(map[string]Handler),
	}
	for _, q := range Queues() {
		prefix := q.RoutingKey
		if len(prefix) > 2 && prefix[len(prefix)-2:] == ".#" {
			prefix = prefix[:len(prefix)-2]
		}
		f.bindings[q.Name] = prefix
	}
	return f
}

func (f *Fake) queueFor(routingKey string) string {
	best := ""
	bestLen := -1
	for queue, prefix := range f.bindings {
		if len(routingKey) >= len(prefix) && routingKey[:len(prefix)] == prefix && len(prefix) > bestLen {
			best = queue
			bestLen = len(prefix)
		}
	}
	return best
}

// Publish routes payload to whichever fake queue's binding prefix
// matches routingKey, delivering immediately to a registered Consume
// handler if one is active, or buffering it for Receive otherwise.
func (f *Fake) Publish(ctx context.Context, routingKey string, payload []byte, opts PublishOptions) error {
	messageID := opts.MessageID
	if messageID == "" {
		messageID = uuid.New().String()
	}
	d := Delivery{
		MessageID:     messageID,
		CorrelationID: opts.CorrelationID,
		RoutingKey:    routingKey,
		Body:          payload,
	}

	f.mu.Lock()
	queue := f.queueFor(routingKey)
	if queue == "" {
		f.mu.Unlock()
		return nil
	}
	handler, hasHandler := f.handlers[queue]
	if hasHandler {
		f.mu.Unlock()
		handler(ctx, d)
		return nil
	}
	f.queues[queue] = append(f.queues[queue], d)
	f.mu.Unlock()
	return nil
}

// PublishBatch publishes every payload in order; the fake never fails a
// batch partway through.
func (f *Fake) PublishBatch(ctx context.Context, routingKey string, payloads [][]byte) error {
	for _, p := range payloads {
		if err := f.Publish(ctx, routingKey, p, PublishOptions{}); err != nil {
			return err
		}
	}
	return nil
}

// Consume registers handler for queue; any already-buffered deliveries
// are drained to it immediately, and subsequent publishes are dispatched
// synchronously from the publishing call until ctx is canceled.
func (f *Fake) Consume(ctx context.Context, queue string, prefetch int, handler Handler) error {
	f.mu.Lock()
	f.handlers[queue] = handler
	buffered := f.queues[queue]
	f.queues[queue] = nil
	f.mu.Unlock()

	for _, d := range buffered {
		handler(ctx, d)
	}

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.handlers, queue)
		f.mu.Unlock()
	}()
	return nil
}

// Receive returns the oldest buffered delivery for queue, polling until
// one arrives, ctx is canceled, or timeout elapses.
func (f *Fake) Receive(ctx context.Context, queue string, timeout time.Duration) (*Delivery, error) {
	deadline := time.Now().Add(timeout)
	for {
		f.mu.Lock()
		if len(f.queues[queue]) > 0 {
			d := f.queues[queue][0]
			f.queues[queue] = f.queues[queue][1:]
			f.mu.Unlock()
			return &d, nil
		}
		f.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}
