package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/meridianfleet/controlplane/pkg/errs"
	"github.com/meridianfleet/controlplane/pkg/metrics"
	"golang.org/x/time/rate"
)

// Fabric is the surface the workflow engine and transport package
// depend on, satisfied by both the real AMQP-backed Broker and the
// in-memory Fake used in tests that must not require a live RabbitMQ.
type Fabric interface {
	Publish(ctx context.Context, routingKey string, payload []byte, opts PublishOptions) error
	PublishBatch(ctx context.Context, routingKey string, payloads [][]byte) error
	Consume(ctx context.Context, queue string, prefetch int, handler Handler) error
	Receive(ctx context.Context, queue string, timeout time.Duration) (*Delivery, error)
}

// PublishOptions carries the per-call publish properties a caller may
// set.
type PublishOptions struct {
	Priority      uint8 // 0-10
	CorrelationID string
	Expiration    time.Duration
	MessageID     string // defaults to a fresh UUID if empty
	Headers       map[string]any
	Persistent    bool // false (the zero value) publishes transient; set true for persistent delivery
}

// BatchError is returned by PublishBatch when one or more messages in
// the batch failed; it lists the per-message outcome so callers can
// retry only what failed.
type BatchError struct {
	Outcomes []error // parallel to the payloads slice, nil entries succeeded
}

func (e *BatchError) Error() string {
	failed := 0
	for _, o := range e.Outcomes {
		if o != nil {
			failed++
		}
	}
	return fmt.Sprintf("batch publish: %d/%d messages failed", failed, len(e.Outcomes))
}

// Broker is the message fabric: a connection-pooled AMQP publisher and
// consumer with confirms, a token-bucket rate limit, and a circuit
// breaker guarding Publish against a broker outage.
type Broker struct {
	cfg     Config
	pool    *connPool
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// Dial opens the broker's connection pool. Call DeclareTopology
// afterward before publishing or consuming.
func Dial(cfg Config) (*Broker, error) {
	pool, err := newConnPool(cfg)
	if err != nil {
		return nil, err
	}

	rps := cfg.MaxMessagesPerSec
	if rps <= 0 {
		rps = 500
	}
	limiter := rate.NewLimiter(rate.Limit(rps), int(rps))

	settings := gobreaker.Settings{
		Name:        "broker-publish",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				metrics.BrokerCircuitOpen.Set(1)
			} else {
				metrics.BrokerCircuitOpen.Set(0)
			}
		},
	}

	return &Broker{
		cfg:     cfg,
		pool:    pool,
		limiter: limiter,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}, nil
}

// Close releases the broker's connection pool.
func (b *Broker) Close() error {
	return b.pool.Close()
}

func routingPrefix(routingKey string) string {
	if i := strings.IndexByte(routingKey, '.'); i >= 0 {
		return routingKey[:i]
	}
	return routingKey
}

func (o PublishOptions) toPublishing(payload []byte, messageID string) amqp.Publishing {
	p := amqp.Publishing{
		MessageId:     messageID,
		CorrelationId: o.CorrelationID,
		Body:          payload,
		Timestamp:     time.Now(),
		Priority:      o.Priority,
	}
	if o.Persistent {
		p.DeliveryMode = amqp.Persistent
	} else {
		p.DeliveryMode = amqp.Transient
	}
	if o.Expiration > 0 {
		p.Expiration = fmt.Sprintf("%d", o.Expiration.Milliseconds())
	}
	if len(o.Headers) > 0 {
		p.Headers = amqp.Table(o.Headers)
	}
	return p
}

// Publish sends payload under routingKey, returning only once the
// broker's publisher confirm has been received or ctx's deadline
// expires. Delivery is persistent only when opts.Persistent is true; a
// zero-value PublishOptions publishes transient.
func (b *Broker) Publish(ctx context.Context, routingKey string, payload []byte, opts PublishOptions) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return errs.Wrap(errs.Canceled, err, "publish rate limit wait")
	}

	prefix := routingPrefix(routingKey)
	timer := metrics.NewTimer()

	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, b.publishOnce(ctx, routingKey, payload, opts)
	})

	timer.ObserveDuration(metrics.BrokerPublishDuration)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.BrokerPublishTotal.WithLabelValues(prefix, outcome).Inc()

	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return errs.Wrap(errs.TransportUnavailable, err, "publish circuit open for %s", routingKey)
	}
	return err
}

func (b *Broker) publishOnce(ctx context.Context, routingKey string, payload []byte, opts PublishOptions) error {
	ch, err := b.pool.channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Confirm(false); err != nil {
		return errs.Wrap(errs.TransportUnavailable, err, "enable confirms")
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	messageID := opts.MessageID
	if messageID == "" {
		messageID = newMessageID()
	}
	publishing := opts.toPublishing(payload, messageID)

	if err := ch.PublishWithContext(ctx, Exchange, routingKey, false, false, publishing); err != nil {
		return errs.Wrap(errs.TransportUnavailable, err, "publish to %s", routingKey)
	}

	select {
	case confirm := <-confirms:
		if !confirm.Ack {
			return errs.New(errs.TransportUnavailable, "broker nacked publish to %s", routingKey)
		}
		return nil
	case <-ctx.Done():
		return errs.Wrap(errs.TransportUnavailable, ctx.Err(), "publish confirm deadline for %s", routingKey)
	}
}

// PublishBatch publishes every payload under routingKey, persistent, one
// Publish call per payload. The batch is not atomic: messages accepted
// before or after a failed one stay published. If any message fails,
// the call returns a *BatchError listing every message's outcome.
func (b *Broker) PublishBatch(ctx context.Context, routingKey string, payloads [][]byte) error {
	outcomes := make([]error, len(payloads))
	failed := false
	for i, payload := range payloads {
		err := b.Publish(ctx, routingKey, payload, PublishOptions{Persistent: true})
		outcomes[i] = err
		if err != nil {
			failed = true
		}
	}
	if failed {
		return &BatchError{Outcomes: outcomes}
	}
	return nil
}

func newMessageID() string {
	return uuid.New().String()
}
