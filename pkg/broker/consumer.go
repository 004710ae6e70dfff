package broker

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/meridianfleet/controlplane/pkg/errs"
	"github.com/meridianfleet/controlplane/pkg/metrics"
)

// Outcome is a handler's disposition for a single delivery.
type Outcome int

const (
	Ack Outcome = iota
	RejectRequeue
	RejectDead
)

// Delivery is the subset of an AMQP delivery a handler needs: identity
// and routing metadata plus the raw body.
type Delivery struct {
	MessageID     string
	CorrelationID string
	RoutingKey    string
	DeliveryCount int
	Body          []byte
}

// Handler processes one delivery and returns its disposition. Handlers
// must be idempotent: the fabric is at-least-once, so the same
// commandId/messageId may arrive more than once.
type Handler func(ctx context.Context, d Delivery) Outcome

// Consume dispatches deliveries from queue to handler concurrently, up
// to prefetch in flight at once, until ctx is canceled.
func (b *Broker) Consume(ctx context.Context, queue string, prefetch int, handler Handler) error {
	ch, err := b.pool.channel()
	if err != nil {
		return err
	}

	if prefetch <= 0 {
		prefetch = b.cfg.Prefetch
	}
	if prefetch <= 0 {
		prefetch = 32
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return errs.Wrap(errs.TransportUnavailable, err, "set qos for %s", queue)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return errs.Wrap(errs.TransportUnavailable, err, "consume %s", queue)
	}

	sem := make(chan struct{}, prefetch)

	go func() {
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				sem <- struct{}{}
				go func(d amqp.Delivery) {
					defer func() { <-sem }()
					b.dispatch(ctx, queue, d, handler)
				}(d)
			}
		}
	}()
	return nil
}

func (b *Broker) dispatch(ctx context.Context, queue string, d amqp.Delivery, handler Handler) {
	del := Delivery{
		MessageID:     d.MessageId,
		CorrelationID: d.CorrelationId,
		RoutingKey:    d.RoutingKey,
		DeliveryCount: int(deliveryCount(d)),
		Body:          d.Body,
	}

	outcome := handler(ctx, del)
	switch outcome {
	case Ack:
		_ = d.Ack(false)
		metrics.BrokerConsumedTotal.WithLabelValues(queue, "ack").Inc()
	case RejectRequeue:
		_ = d.Reject(true)
		metrics.BrokerConsumedTotal.WithLabelValues(queue, "requeue").Inc()
	case RejectDead:
		_ = d.Reject(false)
		metrics.BrokerConsumedTotal.WithLabelValues(queue, "dead").Inc()
	}
}

func deliveryCount(d amqp.Delivery) int64 {
	if d.Headers == nil {
		return 0
	}
	if v, ok := d.Headers["x-delivery-count"]; ok {
		if n, ok := v.(int64); ok {
			return n
		}
		if n, ok := v.(int32); ok {
			return int64(n)
		}
	}
	return 0
}

// Receive is the single-shot polling form: it waits up to timeout for
// one delivery from queue, returning nil if none arrives in time.
func (b *Broker) Receive(ctx context.Context, queue string, timeout time.Duration) (*Delivery, error) {
	ch, err := b.pool.channel()
	if err != nil {
		return nil, err
	}
	defer ch.Close()

	deadline := time.Now().Add(timeout)
	for {
		d, ok, err := ch.Get(queue, false)
		if err != nil {
			return nil, errs.Wrap(errs.TransportUnavailable, err, "receive from %s", queue)
		}
		if ok {
			_ = d.Ack(false)
			return &Delivery{
				MessageID:     d.MessageId,
				CorrelationID: d.CorrelationId,
				RoutingKey:    d.RoutingKey,
				DeliveryCount: int(deliveryCount(d)),
				Body:          d.Body,
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}
